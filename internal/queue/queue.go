// Package queue defines the job queue between the daemon API and its worker.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/dataimport/internal/importer"
)

// Item is one accepted import waiting for the worker. Request keeps the password, so
// items must never be logged or persisted as-is.
type Item struct {
	JobID     string
	Request   importer.ImportRequest
	Submitted time.Time
}

// Queue moves items from the API to the worker.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")
