// Package dispatcher connects the daemon API to its single import worker.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/dataimport/internal/metrics"
	"github.com/JakeFAU/dataimport/internal/queue"
)

// Runner is the consuming side, normally a *worker.Worker.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the queue and exactly one worker, so imports never overlap.
type Dispatcher struct {
	queue  queue.Queue
	worker Runner
}

// New creates a Dispatcher.
func New(q queue.Queue, worker Runner) *Dispatcher {
	metrics.Init()
	return &Dispatcher{
		queue:  q,
		worker: worker,
	}
}

// Run starts the worker and blocks until the context finishes and the worker returns.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.worker == nil {
		<-ctx.Done()
		return
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.worker.Run(ctx)
	}()
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item queue.Item) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.JobQueued()
	return nil
}
