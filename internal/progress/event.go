// Package progress defines the event structures emitted by import pipelines.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageStepStart Stage = "STEP_START"
	StageStepDone  Stage = "STEP_DONE"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for upload completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of an import run.
type Event struct {
	// RunID uniquely identifies a pipeline run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or step milestone occurred.
	Stage Stage
	// Step names the pipeline step for STEP_* events (archiving, uploading, ...).
	Step string
	// Organization is the importing organization id.
	Organization string
	// Host is the resolved cluster host, once known.
	Host string
	// Bytes carries the archive size for archiving and uploading steps.
	Bytes int64
	// StatusCode is the upload response code, once known.
	StatusCode int
	// StatusClass groups StatusCode.
	StatusClass StatusClass
	// Dur captures step latency, or total wall time on RUN_DONE/RUN_ERROR.
	Dur time.Duration
	// Kind is the error kind label on RUN_ERROR.
	Kind string
	// Note lets emitters attach low-volume debug context (e.g. error text). It must not
	// contain credentials.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageStepStart, StageStepDone:
		if e.Step == "" {
			return fmt.Errorf("%s requires step", e.Stage)
		}
	case StageRunError:
		if e.Kind == "" {
			return errors.New("run error requires kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for upload events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
