// Package api hosts the import daemon's HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/imports to queue an import and GET /v1/imports/{job_id} to follow it.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via store.RunRepository.
package api
