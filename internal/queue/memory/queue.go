// Package memory provides the in-process job queue used by the daemon.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/dataimport/internal/queue"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan queue.Item
	closeMu sync.RWMutex
	closed  bool
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan queue.Item, capacity),
	}
}

// Enqueue pushes an item or returns when ctx ends. Enqueue on a closed queue fails.
func (q *Queue) Enqueue(ctx context.Context, item queue.Item) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (queue.Item, error) {
	select {
	case <-ctx.Done():
		return queue.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return queue.Item{}, queue.ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of waiting items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Items already queued can still be
// dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
