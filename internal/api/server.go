package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/config"
	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/metrics"
	"github.com/JakeFAU/dataimport/internal/middleware"
	"github.com/JakeFAU/dataimport/internal/policy/ratelimit"
	"github.com/JakeFAU/dataimport/internal/queue"
	"github.com/JakeFAU/dataimport/internal/store"
)

const enqueueTimeout = 5 * time.Second

// Enqueuer accepts jobs for the worker, normally a *dispatcher.Dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, item queue.Item) error
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router   chi.Router
	jobStore store.JobStore
	enqueuer Enqueuer
	idGen    importer.IDGenerator
	clock    importer.Clock
	cfg      config.Config
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil, in which
// case the run history endpoints answer 503.
func NewServer(
	jobStore store.JobStore,
	enqueuer Enqueuer,
	idGen importer.IDGenerator,
	clock importer.Clock,
	cfg config.Config,
	logger *zap.Logger,
	runs store.RunRepository,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore: jobStore,
		enqueuer: enqueuer,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.Server.SubmitRPS > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.Server.SubmitRPS, Burst: cfg.Server.SubmitBurst})
	}
	runHandler := NewRunHandler(runs, logger.Named("runs"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(middleware.APIKey(cfg.Auth.APIKey))
		}
		r.Post("/imports", s.submitImport)
		r.Get("/imports/{job_id}", s.getImport)
		r.Get("/runs", runHandler.ListRuns)
		r.Get("/runs/{run_id}", runHandler.GetRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// importRequest is the POST /v1/imports body. Omitted fields fall back to the daemon's
// account and import configuration.
type importRequest struct {
	Organization      *string `json:"organization"`
	UserName          *string `json:"user_name"`
	Password          *string `json:"password"`
	DataFile          *string `json:"data_file"`
	DescriptorFile    *string `json:"descriptor_file"`
	Action            *string `json:"action"`
	RunInBackground   *bool   `json:"run_in_background"`
	NotifyByEmail     *bool   `json:"notify_by_email"`
	ShareWithAllUsers *bool   `json:"share_with_all_users"`
}

func (s *Server) submitImport(w http.ResponseWriter, r *http.Request) {
	var body importRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := s.toImportRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.limiter != nil && !s.limiter.Allow(req.OrganizationID) {
		metrics.SubmissionThrottled()
		writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
		return
	}
	jobID, err := s.enqueueJob(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getImport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) toImportRequest(body importRequest) (importer.ImportRequest, error) {
	req := s.cfg.ImportRequest()
	req.OrganizationID = valueOrDefault(body.Organization, req.OrganizationID)
	req.UserName = valueOrDefault(body.UserName, req.UserName)
	req.Password = valueOrDefault(body.Password, req.Password)
	req.DataFilePath = valueOrDefault(body.DataFile, req.DataFilePath)
	req.DescriptorFilePath = valueOrDefault(body.DescriptorFile, req.DescriptorFilePath)
	req.RunInBackground = valueOrDefault(body.RunInBackground, req.RunInBackground)
	req.NotifyByEmail = valueOrDefault(body.NotifyByEmail, req.NotifyByEmail)
	req.ShareWithAllUsers = valueOrDefault(body.ShareWithAllUsers, req.ShareWithAllUsers)
	if body.Action != nil {
		action, err := importer.ParseAction(*body.Action)
		if err != nil {
			return importer.ImportRequest{}, err
		}
		req.Action = action
	}
	if err := req.Validate(); err != nil {
		return importer.ImportRequest{}, err
	}
	return req, nil
}

func (s *Server) enqueueJob(ctx context.Context, req importer.ImportRequest) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := store.Job{
		ID:        jobID,
		Status:    store.JobQueued,
		Submitted: now,
		Request:   req,
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := queue.Item{
		JobID:     jobID,
		Request:   req,
		Submitted: now,
	}
	if err := s.enqueuer.Enqueue(queueCtx, item); err != nil {
		update := store.JobUpdate{Status: store.JobFailed, ErrorText: "not queued: " + err.Error()}
		if upErr := s.jobStore.UpdateJob(context.WithoutCancel(ctx), jobID, update); upErr != nil {
			s.logger.Warn("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(upErr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("import queued",
		zap.String("job_id", jobID),
		zap.String("organization", req.OrganizationID),
		zap.String("action", string(req.Action)),
	)
	return jobID, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
