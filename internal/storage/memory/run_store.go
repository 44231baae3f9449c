package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/dataimport/internal/store"
)

// RunStore is an in-memory store.RunRepository used when no database is configured.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.Run
	steps map[uuid.UUID][]store.Step
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[uuid.UUID]store.Run),
		steps: make(map[uuid.UUID][]store.Step),
	}
}

// UpsertRunStart inserts a running record or resets an existing one to running.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, organization string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, Organization: organization, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	s.runs[runID] = run
	return nil
}

// CompleteRun marks a run finished.
func (s *RunStore) CompleteRun(_ context.Context, runID uuid.UUID, c store.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(c.FinishedAt)
	run.Status = c.Status
	run.Host = c.Host
	run.StatusCode = c.StatusCode
	run.ErrorKind = c.ErrorKind
	run.ErrorMessage = c.ErrorMessage
	s.runs[runID] = run
	return nil
}

// RecordStep stores a step, replacing an earlier record of the same step.
func (s *RunStore) RecordStep(_ context.Context, step store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[step.RunID]
	for i := range steps {
		if steps[i].Name == step.Name {
			steps[i] = step
			return nil
		}
	}
	s.steps[step.RunID] = append(steps, step)
	return nil
}

// GetRun fetches one run.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ListRunSteps returns a copy of the steps recorded for a run.
func (s *RunStore) ListRunSteps(_ context.Context, runID uuid.UUID) ([]store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.steps[runID]
	out := make([]store.Step, len(steps))
	copy(out, steps)
	return out, nil
}
