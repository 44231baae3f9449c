// Package main hosts the import daemon entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, import submission and run history endpoints.
//     Submissions are merged over the configured account and import defaults, validated, stored in the job store
//     with the password stripped, and enqueued.
//   - Dispatcher and queue: jobs flow through a bounded in-memory queue sized by server.queue_depth to exactly one
//     worker, so imports never overlap. Each job gets a fresh pipeline, so no resolved cluster or session outlives it.
//   - Pipeline: archive, resolve, login and upload run in order over one shared HTTP transport. The temporary
//     archive is removed whatever the outcome.
//   - Persistence and fanout: progress events are batched by the progress hub into the run repository (memory or
//     Postgres), Prometheus collectors and the log. A JSON receipt is written to the receipt store (memory, local
//     or GCS) and a notification is published (memory or Pub/Sub) when configured.
//   - Configuration: Viper reads an optional file plus DATAIMPORT_* environment variables; zap provides structured
//     logging; credentials are never logged.
//
// Quick checklist:
//   - Run locally: go run ./cmd/dataimportd -config dataimport.yaml.
//   - Submit: curl -XPOST localhost:8080/v1/imports -d '{"data_file":"sales.csv","descriptor_file":"sales.xml"}'.
//   - Shutdown: SIGINT or SIGTERM stops accepting requests, cancels the running import after recording its final status
//     and closes the cloud clients.
package main
