// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that import pipelines use to report run progress. The hub groups events
// by run and fans them out to pluggable sinks such as Prometheus metrics or the run
// store.
package progress
