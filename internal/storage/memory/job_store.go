package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/store"
)

// JobStore provides an in-memory store.JobStore for the daemon.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]store.Job
	clock importer.Clock
}

var _ store.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore. A nil clock uses time.Now.
func NewJobStore(clock importer.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]store.Job),
		clock: clock,
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	job.Request.Password = ""
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob moves a job to update.Status and stamps start/finish times.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, update store.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = update.Status
	if update.Result != nil {
		res := *update.Result
		job.Result = &res
	}
	job.ErrorKind = update.ErrorKind
	job.ErrorText = update.ErrorText
	now := s.now()
	if update.Status == store.JobRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if update.Status.Terminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (s *JobStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
