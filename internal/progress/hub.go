package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and flushing for the Hub.
type Config struct {
	// BufferSize is the capacity of the inbound channel (default 256). Emit drops
	// events once it is full.
	BufferSize int
	// MaxPending flushes once this many events wait, whatever their runs (default 128).
	MaxPending int
	// FlushInterval flushes events of runs that are still in progress (default 1s).
	FlushInterval time.Duration
	// SinkTimeout bounds each sink call (default 10s).
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	// OnDrop is called once per event dropped for backpressure.
	OnDrop func()
	Logger *zap.Logger
}

const (
	defaultBufferSize    = 256
	defaultMaxPending    = 128
	defaultFlushInterval = time.Second
	defaultSinkTimeout   = 10 * time.Second
	dropLogInterval      = 5 * time.Second
)

// Hub collects run events and hands them to sinks. A run's events are flushed as soon
// as its RUN_DONE or RUN_ERROR arrives, so run history is complete when a job is
// reported finished; in-progress runs are flushed on an interval. Within a batch the
// events of one run are contiguous and in emit order. Emit never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	dropLog  rate.Sometimes
	closed   atomic.Bool
	closeMu  sync.Mutex
	closeCtx context.Context
	stopOnce sync.Once
}

// NewHub starts a Hub that delivers to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events are discarded; a full buffer drops the event.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.drop(evt)
	}
}

// Dropped reports how many events were dropped since the hub started.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) drop(evt Event) {
	total := h.dropped.Add(1)
	if h.cfg.OnDrop != nil {
		h.cfg.OnDrop()
	}
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped",
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int64("dropped_total", total),
		)
	})
}

// Close stops intake, flushes whatever is pending, closes the sinks and waits for the
// hub goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.closeMu.Lock()
		h.closeCtx = ctx
		h.closeMu.Unlock()
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	p := newPending()
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case evt := <-h.events:
			h.accept(p, evt)
		case <-ticker.C:
			h.flush(p.takeAll())
		case <-h.stopCh:
			h.drain(p)
			return
		}
	}
}

func (h *Hub) accept(p *pending, evt Event) {
	p.add(evt)
	switch {
	case evt.Stage == StageRunDone || evt.Stage == StageRunError:
		h.flush(p.takeRun(evt.RunID))
	case p.size >= h.cfg.MaxPending:
		h.flush(p.takeAll())
	}
}

func (h *Hub) drain(p *pending) {
	for {
		select {
		case evt := <-h.events:
			p.add(evt)
		default:
			h.flush(p.takeAll())
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	h.closeMu.Lock()
	ctx := h.closeCtx
	h.closeMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// pending holds unflushed events per run, remembering the order runs first appeared.
type pending struct {
	order [][16]byte
	runs  map[[16]byte][]Event
	size  int
}

func newPending() *pending {
	return &pending{runs: map[[16]byte][]Event{}}
}

func (p *pending) add(evt Event) {
	if _, ok := p.runs[evt.RunID]; !ok {
		p.order = append(p.order, evt.RunID)
	}
	p.runs[evt.RunID] = append(p.runs[evt.RunID], evt)
	p.size++
}

func (p *pending) takeRun(id [16]byte) []Event {
	events := p.runs[id]
	delete(p.runs, id)
	for i, runID := range p.order {
		if runID == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.size -= len(events)
	return events
}

func (p *pending) takeAll() []Event {
	if p.size == 0 {
		return nil
	}
	out := make([]Event, 0, p.size)
	for _, id := range p.order {
		out = append(out, p.runs[id]...)
	}
	p.order = p.order[:0]
	clear(p.runs)
	p.size = 0
	return out
}
