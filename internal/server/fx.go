// Package server builds and runs the import daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/api"
	"github.com/JakeFAU/dataimport/internal/app"
	"github.com/JakeFAU/dataimport/internal/config"
	"github.com/JakeFAU/dataimport/internal/dispatcher"
	"github.com/JakeFAU/dataimport/internal/logging"
	"github.com/JakeFAU/dataimport/internal/metrics"
	"github.com/JakeFAU/dataimport/internal/progress"
	progresssinks "github.com/JakeFAU/dataimport/internal/progress/sinks"
	"github.com/JakeFAU/dataimport/internal/queue"
	queuememory "github.com/JakeFAU/dataimport/internal/queue/memory"
	memorystorage "github.com/JakeFAU/dataimport/internal/storage/memory"
	pgstore "github.com/JakeFAU/dataimport/internal/storage/postgres"
	"github.com/JakeFAU/dataimport/internal/store"
	"github.com/JakeFAU/dataimport/internal/telemetry"
	"github.com/JakeFAU/dataimport/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Daemon contains the daemon's dependencies.
type Daemon struct {
	cfg         config.Config
	logger      *zap.Logger
	app         *app.App
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	queue       *queuememory.Queue
	runs        store.RunRepository
	pgRuns      *pgstore.RunStore
	tracer      *sdktrace.TracerProvider
}

// Options override pieces of the daemon, mostly for tests.
type Options struct {
	Logger     *zap.Logger
	AppOptions []app.Option
	// Registerer receives the progress collectors. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Build creates the daemon's dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	d := &Daemon{cfg: cfg, logger: logger}
	logger.Info("building daemon",
		zap.Int("port", cfg.Server.Port),
		zap.Int("queue_depth", cfg.Server.QueueDepth),
		zap.String("runs_backend", cfg.Runs.Backend),
		zap.String("receipts_backend", cfg.Receipts.Backend),
		zap.String("publish_backend", cfg.Publish.Backend),
	)

	var err error
	if cfg.Telemetry.Enabled {
		d.tracer, err = telemetry.Init(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		logger.Info("tracing enabled", zap.String("service", cfg.Telemetry.ServiceName))
	}
	d.app, err = app.New(ctx, cfg, logger, opts.AppOptions...)
	if err != nil {
		_ = d.close(ctx)
		return nil, err
	}
	if err = d.setupRuns(ctx); err != nil {
		_ = d.close(ctx)
		return nil, err
	}
	if err = d.setupProgress(ctx, opts.Registerer); err != nil {
		_ = d.close(ctx)
		return nil, err
	}

	jobStore := memorystorage.NewJobStore(d.app.Clock())
	d.queue = queuememory.NewQueue(cfg.Server.QueueDepth)
	// One import is three HTTP calls, each bounded by http.timeout_seconds.
	w := worker.New(d.queue, jobStore, d.newRunner, d.app.Clock(), worker.Config{
		JobTimeout: cfg.Timeout() * 3,
	}, logger.Named("worker"))
	d.dispatch = dispatcher.New(d.queue, w)

	d.apiServer = api.NewServer(
		jobStore,
		d.dispatch,
		d.app.IDs(),
		d.app.Clock(),
		cfg,
		logger.Named("api"),
		d.runs,
	)
	return d, nil
}

func (d *Daemon) setupRuns(ctx context.Context) error {
	if d.cfg.Runs.Backend != "postgres" {
		d.logger.Info("using in-memory run repository")
		d.runs = memorystorage.NewRunStore()
		return nil
	}
	pg, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{DSN: d.cfg.Runs.DSN})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	d.pgRuns = pg
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("run store schema: %w", err)
	}
	d.runs = pg
	d.logger.Info("using postgres run repository")
	return nil
}

func (d *Daemon) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(d.runs, d.logger.Named("progress_store")),
		progresssinks.NewLogSink(d.logger.Named("progress_log")),
		promSink,
	}
	metrics.Init()
	d.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		OnDrop:      metrics.ProgressEventDropped,
		Logger:      d.logger.Named("progress_hub"),
	}, sinkList...)
	return nil
}

// newRunner builds a fresh pipeline per job so the cached cluster never outlives it.
func (d *Daemon) newRunner(item queue.Item) worker.Runner {
	logger := d.logger.With(zap.String("job_id", item.JobID))
	return d.app.NewPipeline(app.Hooks{
		Emitter: d.progressHub,
		Log:     logging.Func(logger.Named("pipeline")),
		Logger:  logger,
	})
}

// Handler exposes the API router.
func (d *Daemon) Handler() http.Handler {
	return d.apiServer.Handler()
}

// Run serves the API and drains the queue until ctx is canceled or a signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		d.logger.Info("dispatcher started")
		d.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", d.cfg.Server.Port),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		d.logger.Info("http server started", zap.Int("port", d.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	d.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("server shutdown error", zap.Error(err))
	}
	d.queue.Close()
	<-dispatchDone

	closeErr := d.close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close releases every dependency without serving. Use it when Run is never called.
func (d *Daemon) Close(ctx context.Context) error {
	if d.queue != nil {
		d.queue.Close()
	}
	return d.close(ctx)
}

func (d *Daemon) close(ctx context.Context) error {
	var errs []error
	if d.progressHub != nil {
		if err := d.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
		d.progressHub = nil
	}
	if d.app != nil {
		if err := d.app.Close(); err != nil {
			errs = append(errs, err)
		}
		d.app = nil
	}
	if d.pgRuns != nil {
		d.pgRuns.Close()
		d.pgRuns = nil
	}
	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
		d.tracer = nil
	}
	if err := d.logger.Sync(); err != nil {
		d.logger.Debug("logger sync failed", zap.Error(err))
	}
	d.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
