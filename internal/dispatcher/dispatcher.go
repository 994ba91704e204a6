// Package dispatcher implements the event loop dispatcher: a fixed set of
// worker loops fronted by a round-robin submission cursor and a
// monotonic request-id generator.
package dispatcher

import (
	"context"
	"sync/atomic"

	"github.com/vayu-load/vayu/internal/model"
)

// WorkerLoop is the subset of worker.Loop the dispatcher depends on.
type WorkerLoop interface {
	Start(ctx context.Context)
	Stop(waitForPending bool)
	Submit(tc *model.TransferContext) bool
	ActiveCount() int64
	PendingCount() int
	LocalProcessed() uint64
}

// Dispatcher fans transfers out across N worker loops in round-robin
// order and aggregates their counters. It assigns no ordering guarantee
// across workers; within one worker, completion order matches the
// worker's own completion order, not submission order.
type Dispatcher struct {
	workers []WorkerLoop
	cursor  atomic.Uint64
	nextID  atomic.Uint64
}

// New builds a Dispatcher over workers. workers must be non-empty.
func New(workers []WorkerLoop) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Start starts every worker loop.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, w := range d.workers {
		w.Start(ctx)
	}
}

// Stop stops every worker loop, waiting for in-flight transfers to finish
// when waitForPending is true.
func (d *Dispatcher) Stop(waitForPending bool) {
	for _, w := range d.workers {
		w.Stop(waitForPending)
	}
}

// NextID returns the next monotonic request id, shared across all workers
// this dispatcher fronts.
func (d *Dispatcher) NextID() uint64 {
	return d.nextID.Add(1)
}

// Submit assigns tc a fresh ID if it doesn't already have one and routes
// it to the next worker in round-robin order. It returns false if that
// worker's pending queue is full.
func (d *Dispatcher) Submit(tc *model.TransferContext) bool {
	if tc.ID == 0 {
		tc.ID = d.NextID()
	}
	idx := d.cursor.Add(1) % uint64(len(d.workers))
	return d.workers[idx].Submit(tc)
}

// ActiveCount sums active transfers across every worker.
func (d *Dispatcher) ActiveCount() int64 {
	var total int64
	for _, w := range d.workers {
		total += w.ActiveCount()
	}
	return total
}

// PendingCount sums queued-but-not-started transfers across every worker.
func (d *Dispatcher) PendingCount() int {
	total := 0
	for _, w := range d.workers {
		total += w.PendingCount()
	}
	return total
}

// TotalProcessed sums each worker's local_processed counter.
func (d *Dispatcher) TotalProcessed() uint64 {
	var total uint64
	for _, w := range d.workers {
		total += w.LocalProcessed()
	}
	return total
}

// ExecuteBatch submits every request in requests with a one-shot result
// slot, blocks until all have completed, and returns their outcomes in
// the same order as requests. This is a convenience for closed-loop
// callers that want a synchronous batch rather than a streaming callback.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, requests []*model.Request) []*model.TransferContext {
	out := make([]*model.TransferContext, len(requests))
	doneChans := make([]<-chan struct{}, len(requests))

	for i, req := range requests {
		tc := &model.TransferContext{Request: req}
		doneChans[i] = tc.AwaitDone()
		out[i] = tc
		d.Submit(tc)
	}

	for i, done := range doneChans {
		select {
		case <-done:
		case <-ctx.Done():
			return out[:i]
		}
	}
	return out
}

// Cancel always reports false: the underlying SPSC pending queue has no
// random-access removal, so a request already queued or in flight cannot
// be individually cancelled. It exists to make that limitation an
// explicit, named part of the dispatcher's contract rather than a silent
// no-op.
func (d *Dispatcher) Cancel(requestID uint64) bool {
	return false
}
