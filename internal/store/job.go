package store

import (
	"context"
	"time"

	"github.com/JakeFAU/dataimport/internal/importer"
)

// JobStatus tracks a queued import through the daemon.
type JobStatus string

// Job lifecycle states.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is an import request accepted by the daemon. The request password is never
// serialized.
type Job struct {
	ID        string                 `json:"id"`
	Status    JobStatus              `json:"status"`
	Submitted time.Time              `json:"submitted"`
	Started   *time.Time             `json:"started,omitempty"`
	Finished  *time.Time             `json:"finished,omitempty"`
	Request   importer.ImportRequest `json:"request"`
	Result    *importer.Result       `json:"result,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	ErrorText string                 `json:"error,omitempty"`
}

// JobUpdate is applied by UpdateJob. Zero fields leave the job untouched except Status.
type JobUpdate struct {
	Status    JobStatus
	Result    *importer.Result
	ErrorKind string
	ErrorText string
}

// JobStore keeps daemon jobs between submission and completion.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}
