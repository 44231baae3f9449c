package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dataimport/internal/importer"
	"github.com/JakeFAU/dataimport/internal/queue"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan queue.Item, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	job := queue.Item{JobID: "job-1", Request: importer.ImportRequest{OrganizationID: "acme"}}
	require.NoError(t, q.Enqueue(context.Background(), job))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.JobID)
		require.Equal(t, "acme", got.Request.OrganizationID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), queue.Item{JobID: "primed"}))
	require.Equal(t, 1, qEnqueue.Len())
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = qEnqueue.Enqueue(ctx, queue.Item{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), queue.Item{JobID: "left"}))
	q.Close()
	// Closing twice should be safe.
	q.Close()

	require.True(t, errors.Is(q.Enqueue(context.Background(), queue.Item{}), queue.ErrClosed))

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "left", item.JobID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
}
