package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/dataimport/internal/progress"
)

// PrometheusSink exports import progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running and per-step counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	uploadedBytes prometheus.Counter
	uploads       *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataimport_runs_started_total",
			Help: "Total import runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataimport_runs_completed_total",
			Help: "Total import runs completed partitioned by result and error kind.",
		}, []string{"result", "kind"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dataimport_runs_running",
			Help: "Current number of running imports.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataimport_run_runtime_seconds",
			Help:    "Wall time per completed import run.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataimport_steps_total",
			Help: "Finished pipeline steps partitioned by step and outcome.",
		}, []string{"step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dataimport_step_duration_seconds",
			Help:    "Pipeline step duration partitioned by step.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
		}, []string{"step"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dataimport_uploaded_bytes_total",
			Help: "Archive bytes sent by upload steps.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dataimport_uploads_total",
			Help: "Upload responses partitioned by status class.",
		}, []string{"status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.stepsTotal,
		s.stepDuration,
		s.uploadedBytes,
		s.uploads,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageStepDone:
		s.handleStepEvent(evt)
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success", "").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error", evt.Kind).Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleStepEvent(evt progress.Event) {
	outcome := "ok"
	if evt.Kind != "" {
		outcome = evt.Kind
	}
	s.stepsTotal.WithLabelValues(evt.Step, outcome).Inc()
	if evt.Dur > 0 {
		s.stepDuration.WithLabelValues(evt.Step).Observe(evt.Dur.Seconds())
	}
	if evt.Step != "uploading" {
		return
	}
	if evt.StatusClass != "" {
		s.uploads.WithLabelValues(string(evt.StatusClass)).Inc()
	}
	if evt.Kind == "" && evt.Bytes > 0 {
		s.uploadedBytes.Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
