// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/JakeFAU/dataimport/internal/queue"
)

// TestDispatcherRunStartsWorker ensures the worker begins processing and stops on cancel.
func TestDispatcherRunStartsWorker(t *testing.T) {
	t.Parallel()

	w := &blockingWorker{started: make(chan struct{}, 1)}
	dispatch := New(&errorQueue{}, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-w.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not start")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	dispatch := New(&errorQueue{err: boom}, nil)

	err := dispatch.Enqueue(context.Background(), queue.Item{JobID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestDispatcherEnqueue(t *testing.T) {
	t.Parallel()

	q := &errorQueue{}
	dispatch := New(q, nil)
	if err := dispatch.Enqueue(context.Background(), queue.Item{JobID: "job"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if len(q.items) != 1 || q.items[0].JobID != "job" {
		t.Fatalf("item not forwarded: %+v", q.items)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dispatch.Run(ctx)
}

type blockingWorker struct {
	started chan struct{}
}

func (w *blockingWorker) Run(ctx context.Context) {
	select {
	case w.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
}

type errorQueue struct {
	err   error
	items []queue.Item
}

func (q *errorQueue) Enqueue(_ context.Context, item queue.Item) error {
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *errorQueue) Dequeue(ctx context.Context) (queue.Item, error) {
	<-ctx.Done()
	return queue.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
}
