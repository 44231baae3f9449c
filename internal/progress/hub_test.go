package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubFlushesRunOnTerminalEvent verifies a finished run is delivered at once while
// runs still in progress stay pending.
func TestHubFlushesRunOnTerminalEvent(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{FlushInterval: time.Hour}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	finished := uuid.New()
	running := uuid.New()
	hub.Emit(runEvent(finished, StageRunStart))
	hub.Emit(runEvent(running, StageRunStart))
	hub.Emit(runEvent(finished, StageStepDone))
	hub.Emit(runEvent(finished, StageRunDone))

	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	batch := sink.Batches()[0]
	require.Len(t, batch, 3)
	for _, evt := range batch {
		assert.Equal(t, finished, evt.RunUUID())
	}
	assert.Equal(t, []Stage{StageRunStart, StageStepDone, StageRunDone},
		[]Stage{batch[0].Stage, batch[1].Stage, batch[2].Stage})
}

// TestHubFlushesRunErrorImmediately covers the failure terminal stage.
func TestHubFlushesRunErrorImmediately(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{FlushInterval: time.Hour}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	id := uuid.New()
	hub.Emit(runEvent(id, StageRunStart))
	hub.Emit(runEvent(id, StageRunError))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

// TestHubFlushesInProgressRunsOnInterval verifies long uploads still report progress.
func TestHubFlushesInProgressRunsOnInterval(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{FlushInterval: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(runEvent(uuid.New(), StageStepStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubGroupsEventsByRun verifies a size-triggered flush keeps each run contiguous.
func TestHubGroupsEventsByRun(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxPending: 4, FlushInterval: time.Hour}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	first, second := uuid.New(), uuid.New()
	hub.Emit(runEvent(first, StageRunStart))
	hub.Emit(runEvent(second, StageRunStart))
	hub.Emit(runEvent(first, StageStepStart))
	hub.Emit(runEvent(second, StageStepStart))

	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	batch := sink.Batches()[0]
	require.Len(t, batch, 4)
	assert.Equal(t, []uuid.UUID{first, first, second, second},
		[]uuid.UUID{batch[0].RunUUID(), batch[1].RunUUID(), batch[2].RunUUID(), batch[3].RunUUID()})
	assert.Equal(t, StageRunStart, batch[0].Stage)
	assert.Equal(t, StageStepStart, batch[1].Stage)
}

// TestHubCountsDroppedEvents asserts Emit never blocks and reports what it dropped.
func TestHubCountsDroppedEvents(t *testing.T) {
	t.Parallel()

	var drops atomic.Int32
	hub := &Hub{
		cfg:    Config{OnDrop: func() { drops.Add(1) }},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(2), hub.Dropped())
	assert.Equal(t, int32(2), drops.Load())
}

// TestHubFlushOnClose ensures Close drains pending events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{FlushInterval: time.Hour}, sink)

	hub.Emit(sampleEvent(StageRunStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	assert.True(t, sink.Closed())
}

// TestHubDropsInvalidEvents ensures malformed events never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{FlushInterval: time.Hour}, sink)

	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(sampleEvent(StageStepDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.Equal(t, StageStepDone, sink.Batches()[0][0].Stage)
	assert.Zero(t, hub.Dropped())
}

// TestHubEmitAfterCloseIsIgnored covers the closed fast path.
func TestHubEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(StageRunStart))
	require.Empty(t, sink.Batches())

	var nilHub *Hub
	nilHub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, nilHub.Close(context.Background()))
	require.Zero(t, nilHub.Dropped())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func runEvent(id uuid.UUID, stage Stage) Event {
	evt := Event{
		RunID:        UUIDToBytes(id),
		TS:           time.Now(),
		Stage:        stage,
		Organization: "acme",
	}
	switch stage {
	case StageStepStart, StageStepDone:
		evt.Step = "uploading"
	case StageRunError:
		evt.Kind = "upload_failure"
	}
	return evt
}

func sampleEvent(stage Stage) Event {
	return runEvent(uuid.New(), stage)
}
