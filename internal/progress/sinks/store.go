package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/progress"
	"github.com/JakeFAU/dataimport/internal/store"
)

// StoreSink persists run lifecycle and step timings via a store.RunRepository.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository in order. It respects ctx deadlines and
// returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Organization, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageStepDone:
			if err := s.repo.RecordStep(ctx, stepFromEvent(runID, evt)); err != nil {
				return fmt.Errorf("record step: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			if err := s.repo.CompleteRun(ctx, runID, completionFromEvent(evt)); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}
	return nil
}

func stepFromEvent(runID uuid.UUID, evt progress.Event) store.Step {
	step := store.Step{
		RunID:       runID,
		Name:        evt.Step,
		FinishedAt:  evt.TS,
		Duration:    evt.Dur,
		Bytes:       evt.Bytes,
		StatusClass: string(evt.StatusClass),
	}
	if evt.Kind != "" {
		kind := evt.Kind
		step.ErrorKind = &kind
	}
	return step
}

func completionFromEvent(evt progress.Event) store.Completion {
	c := store.Completion{
		FinishedAt: evt.TS,
		Status:     store.RunSuccess,
		Host:       evt.Host,
	}
	if evt.StatusCode != 0 {
		code := evt.StatusCode
		c.StatusCode = &code
	}
	if evt.Stage == progress.StageRunError {
		c.Status = store.RunError
		kind, note := evt.Kind, evt.Note
		c.ErrorKind = &kind
		if note != "" {
			c.ErrorMessage = &note
		}
	}
	return c
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
