package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the import_runs status column.
type RunStatus string

// Run statuses persisted in import_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == RunRunning || s == RunSuccess || s == RunError
}

// Run models the import_runs table for API responses.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	Organization string     `json:"organization"`
	Host         string     `json:"host,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	// StatusCode is the upload response status, when an upload was attempted.
	StatusCode   *int    `json:"status_code,omitempty"`
	ErrorKind    *string `json:"error_kind,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Completion describes how a run ended.
type Completion struct {
	FinishedAt   time.Time
	Status       RunStatus
	Host         string
	StatusCode   *int
	ErrorKind    *string
	ErrorMessage *string
}

// Step captures one finished pipeline step of a run.
type Step struct {
	RunID       uuid.UUID     `json:"run_id"`
	Name        string        `json:"name"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
	Bytes       int64         `json:"bytes"`
	StatusClass string        `json:"status_class,omitempty"`
	ErrorKind   *string       `json:"error_kind,omitempty"`
}

// RunRepository persists import run progress.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) a running record.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, organization string, startedAt time.Time) error
	// CompleteRun marks the run finished.
	CompleteRun(ctx context.Context, runID uuid.UUID, completion Completion) error
	// RecordStep stores the timing of one step, replacing an earlier record of the same step.
	RecordStep(ctx context.Context, step Step) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunSteps returns the recorded steps of one run in completion order.
	ListRunSteps(ctx context.Context, runID uuid.UUID) ([]Step, error)
}
