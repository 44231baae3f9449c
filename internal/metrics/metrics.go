// Package metrics exposes Prometheus collectors for the import daemon.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	jobsQueued                 prometheus.Gauge
	activeUploads              prometheus.Gauge
	jobWaitSeconds             prometheus.Histogram
	submissionsThrottled       prometheus.Counter
	progressEventsDropped      prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataimport_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataimport_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataimport_jobs_total",
				Help: "Total number of import jobs, labeled by final status.",
			},
			[]string{"status"},
		)

		jobsQueued = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataimport_jobs_queued",
				Help: "Number of accepted jobs waiting for the worker.",
			},
		)

		activeUploads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataimport_active_uploads",
				Help: "Number of imports currently running.",
			},
		)

		jobWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dataimport_job_wait_seconds",
				Help:    "Time jobs spend queued before the worker picks them up.",
				Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900},
			},
		)

		submissionsThrottled = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dataimport_submissions_throttled_total",
				Help: "Import submissions rejected by the per-organization rate limit.",
			},
		)

		progressEventsDropped = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dataimport_progress_events_dropped_total",
				Help: "Progress events dropped because the hub buffer was full.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// JobQueued records an accepted job.
func JobQueued() {
	jobsQueued.Inc()
}

// JobStarted moves a job from queued to active and records its wait.
func JobStarted(wait time.Duration) {
	jobsQueued.Dec()
	activeUploads.Inc()
	if wait < 0 {
		wait = 0
	}
	jobWaitSeconds.Observe(wait.Seconds())
}

// JobFinished records a job's final status.
func JobFinished(status string) {
	activeUploads.Dec()
	jobsTotal.WithLabelValues(status).Inc()
}

// SubmissionThrottled records a submission rejected by the rate limit.
func SubmissionThrottled() {
	submissionsThrottled.Inc()
}

// ProgressEventDropped records one progress event lost to backpressure.
func ProgressEventDropped() {
	progressEventsDropped.Inc()
}
