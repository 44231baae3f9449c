// Package sinks delivers import progress to the run store, Prometheus and the log.
package sinks
