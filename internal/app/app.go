// Package app assembles import pipelines and their receipt backends from configuration.
// The upload command and the daemon both build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/archive"
	"github.com/JakeFAU/dataimport/internal/clock/system"
	"github.com/JakeFAU/dataimport/internal/config"
	"github.com/JakeFAU/dataimport/internal/hash/sha256"
	idgen "github.com/JakeFAU/dataimport/internal/id/uuid"
	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/pipeline"
	"github.com/JakeFAU/dataimport/internal/progress"
	memorypublisher "github.com/JakeFAU/dataimport/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/dataimport/internal/publisher/pubsub"
	"github.com/JakeFAU/dataimport/internal/receipt"
	"github.com/JakeFAU/dataimport/internal/resolver"
	"github.com/JakeFAU/dataimport/internal/session"
	gcsstorage "github.com/JakeFAU/dataimport/internal/storage/gcs"
	localstorage "github.com/JakeFAU/dataimport/internal/storage/local"
	memorystorage "github.com/JakeFAU/dataimport/internal/storage/memory"
	"github.com/JakeFAU/dataimport/internal/submit"
	"github.com/JakeFAU/dataimport/internal/transport"
)

// App holds the long-lived collaborators shared by every pipeline it builds: one HTTP
// transport, the directory resolver and the receipt writer.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	rt       http.RoundTripper
	client   *transport.Client
	resolver *resolver.Resolver
	clock    importer.Clock
	ids      importer.IDGenerator
	hasher   *sha256.Hasher

	receipts *receipt.Writer
	blobs    importer.BlobStore
	pub      importer.Publisher
	closers  []func() error
}

// Option customizes an App.
type Option func(*App)

// WithTransport replaces the pooled HTTP transport, e.g. with an in-process fake.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *App) {
		a.rt = rt
	}
}

// WithClock replaces the system clock.
func WithClock(clock importer.Clock) Option {
	return func(a *App) {
		a.clock = clock
	}
}

// WithIDs replaces the run and archive id generator.
func WithIDs(ids importer.IDGenerator) Option {
	return func(a *App) {
		a.ids = ids
	}
}

// New opens the receipt backends named by cfg and builds the shared clients. Close
// releases them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, hasher: sha256.New()}
	for _, opt := range opts {
		opt(a)
	}
	if a.rt == nil {
		a.rt = transport.NewHTTPTransport()
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = idgen.New()
	}

	a.client = transport.New(transport.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.Timeout(),
	}, a.rt)
	a.resolver = resolver.New(resolver.Config{
		URLTemplate: cfg.Directory.URLTemplate,
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.Timeout(),
	}, resolver.WithTransport(a.rt), resolver.WithLogger(logger.Named("resolver")))

	if err := a.setupReceipts(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.blobs != nil || a.pub != nil {
		a.receipts = receipt.New(receipt.Config{
			Prefix: cfg.Receipts.Prefix,
			Topic:  cfg.Publish.TopicName,
		}, a.blobs, a.pub, a.clock, logger.Named("receipt"))
	}
	return a, nil
}

func (a *App) setupReceipts(ctx context.Context) error {
	switch a.cfg.Receipts.Backend {
	case "gcs":
		// The receipt writer applies receipts.prefix itself.
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Receipts.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs receipt store init failed: %w", err)
		}
		a.blobs = store
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using GCS receipt store", zap.String("bucket", a.cfg.Receipts.GCSBucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Receipts.BaseDir})
		if err != nil {
			return fmt.Errorf("local receipt store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local receipt store", zap.String("path", a.cfg.Receipts.BaseDir))
	case "memory":
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory receipt store")
	default:
		a.logger.Debug("receipts disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publish.Backend {
	case "pubsub":
		pub, err := gcppublisher.Open(ctx, a.cfg.Publish.ProjectID, a.cfg.Publish.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pub = pub
		a.closers = append(a.closers, pub.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publish.ProjectID),
			zap.String("topic", a.cfg.Publish.TopicName),
		)
	case "memory":
		a.pub = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Debug("notifications disabled")
	}
	return nil
}

// Hooks are the per-pipeline observers.
type Hooks struct {
	Emitter progress.Emitter
	Log     func(string)
	Logger  *zap.Logger
}

// NewPipeline builds a fresh pipeline over the shared clients. Pipelines cache the
// resolved cluster, so callers that want an independent lookup build a new one.
func (a *App) NewPipeline(hooks Hooks) *pipeline.Pipeline {
	logger := hooks.Logger
	if logger == nil {
		logger = a.logger
	}
	deps := pipeline.Deps{
		Archiver: archive.New(archive.Config{TempDir: a.cfg.Archive.TempDir}, a.ids, a.hasher, logger.Named("archive")),
		Authenticator: session.New(session.Config{
			ImportPath: a.cfg.Service.ImportPath,
			CookieName: a.cfg.Service.SessionCookie,
		}, a.client, a.resolver, logger.Named("session")),
		Submitter: submit.New(submit.Config{
			ImportPath: a.cfg.Service.ImportPath,
			UploadURL:  a.cfg.Service.UploadURL,
		}, a.client, a.clock, logger.Named("submit")),
		Clock:   a.clock,
		IDs:     a.ids,
		Emitter: hooks.Emitter,
		Log:     hooks.Log,
		Logger:  logger.Named("pipeline"),
	}
	if a.receipts != nil {
		deps.Recorder = a.receipts
	}
	return pipeline.New(deps)
}

// Clock is the clock handed to every pipeline.
func (a *App) Clock() importer.Clock {
	return a.clock
}

// IDs is the id generator handed to every pipeline.
func (a *App) IDs() importer.IDGenerator {
	return a.ids
}

// Receipts returns the receipt writer, or nil when receipts and notifications are off.
func (a *App) Receipts() *receipt.Writer {
	return a.receipts
}

// Blobs returns the receipt blob store, or nil.
func (a *App) Blobs() importer.BlobStore {
	return a.blobs
}

// Publisher returns the notification publisher, or nil.
func (a *App) Publisher() importer.Publisher {
	return a.pub
}

// Close releases the cloud clients and idle connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if t, ok := a.rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return errors.Join(errs...)
}
