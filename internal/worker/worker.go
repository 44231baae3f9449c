// Package worker drains the daemon's job queue, running one import at a time.
package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/metrics"
	"github.com/JakeFAU/dataimport/internal/queue"
	"github.com/JakeFAU/dataimport/internal/store"
	"github.com/JakeFAU/dataimport/internal/telemetry"
)

// Runner executes one import under a caller-chosen run id.
type Runner interface {
	RunWithID(ctx context.Context, runID string, req importer.ImportRequest) (importer.Result, error)
}

// RunnerFactory builds a fresh Runner for each job so no cluster or session state leaks
// between jobs.
type RunnerFactory func(job queue.Item) Runner

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds one import. Zero means no bound beyond the transport timeouts.
	JobTimeout time.Duration
}

// Worker consumes queue items and runs them sequentially.
type Worker struct {
	queue     queue.Queue
	jobStore  store.JobStore
	newRunner RunnerFactory
	clock     importer.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	q queue.Queue,
	jobStore store.JobStore,
	newRunner RunnerFactory,
	clock importer.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		queue:     q,
		jobStore:  jobStore,
		newRunner: newRunner,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item queue.Item) {
	logger := w.logger.With(
		zap.String("job_id", item.JobID),
		zap.String("organization", item.Request.OrganizationID),
	)
	metrics.JobStarted(w.clock.Now().Sub(item.Submitted))
	ctx, span := telemetry.Tracer().Start(ctx, "import.job", trace.WithAttributes(
		attribute.String("job.id", item.JobID),
		attribute.String("organization", item.Request.OrganizationID),
		attribute.String("action", string(item.Request.Action)),
	))
	defer span.End()

	if err := w.jobStore.UpdateJob(ctx, item.JobID, store.JobUpdate{Status: store.JobRunning}); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		metrics.JobFinished(string(store.JobFailed))
		return
	}

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	result, runErr := w.newRunner(item).RunWithID(jobCtx, item.JobID, item.Request)

	update := store.JobUpdate{Status: store.JobSucceeded, Result: &result}
	if runErr != nil {
		update.Status = store.JobFailed
		update.ErrorKind = importer.KindOf(runErr)
		update.ErrorText = runErr.Error()
		if pw := item.Request.Password; pw != "" {
			update.ErrorText = strings.ReplaceAll(update.ErrorText, pw, "XXX")
		}
		logger.Warn("import failed", zap.String("kind", update.ErrorKind), zap.String("error", update.ErrorText))
		span.SetStatus(codes.Error, update.ErrorKind)
	} else {
		logger.Info("import succeeded", zap.Int("status", result.StatusCode))
	}
	span.SetAttributes(attribute.Int("http.status_code", result.StatusCode))
	metrics.JobFinished(string(update.Status))

	// The final status is written even when ctx is already canceled by shutdown.
	if err := w.jobStore.UpdateJob(context.WithoutCancel(ctx), item.JobID, update); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
}
