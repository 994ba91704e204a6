// Package worker implements the load engine's worker loop: the component
// that owns one pacer, one pending queue and the set of transfers
// currently in flight, and drives each through the transport client to
// completion.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/pacer"
	"github.com/vayu-load/vayu/internal/queue"
	"github.com/vayu-load/vayu/internal/transport"
)

// Transport is the subset of transport.Client the loop depends on, so
// tests can substitute a fake without spinning up real sockets.
type Transport interface {
	Do(ctx context.Context, req *model.Request) (*model.Response, *model.Error)
}

// LoopConfig bounds one worker's concurrency and idle behavior.
type LoopConfig struct {
	MaxConcurrent int
	PollTimeout   time.Duration
	QueueCapacity int
}

// Loop is the spec's worker loop: a pending SPSC queue, a pacer, and a set
// of active transfers, all owned by the single goroutine Start spawns.
// Submit is the only method other goroutines may call concurrently with
// the loop's own goroutine; the active-transfers map and the consumer
// side of the pending queue belong exclusively to that goroutine.
type Loop struct {
	cfg       LoopConfig
	transport Transport
	pacer     pacer.Pacer
	pending   *queue.SPSC
	pushMu    sync.Mutex // serializes Submit's producer-side pushes

	active      map[uint64]*model.TransferContext
	activeCount atomic.Int64
	processed   atomic.Uint64

	completions chan uint64
	results     map[uint64]*transferOutcome
	resultsMu   sync.Mutex

	stopping atomic.Bool
	drained  chan struct{}
	wg       sync.WaitGroup
}

type transferOutcome struct {
	tc       *model.TransferContext
	response *model.Response
	err      *model.Error
}

// New builds a Loop. p paces outbound starts; it is exclusively owned by
// this Loop's goroutine once Start is called.
func New(cfg LoopConfig, t Transport, p pacer.Pacer) *Loop {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 50 * time.Millisecond
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	return &Loop{
		cfg:         cfg,
		transport:   t,
		pacer:       p,
		pending:     queue.New(cfg.QueueCapacity),
		active:      make(map[uint64]*model.TransferContext),
		completions: make(chan uint64, cfg.QueueCapacity),
		results:     make(map[uint64]*transferOutcome),
		drained:     make(chan struct{}),
	}
}

// Submit enqueues tc for this worker. It returns false if the pending
// queue is full; the caller (normally the event loop dispatcher) is
// responsible for retrying against another worker or backing off.
func (l *Loop) Submit(tc *model.TransferContext) bool {
	if l.stopping.Load() {
		return false
	}
	l.pushMu.Lock()
	ok := l.pending.Push(tc)
	l.pushMu.Unlock()
	return ok
}

// ActiveCount returns the number of transfers currently in flight.
func (l *Loop) ActiveCount() int64 { return l.activeCount.Load() }

// PendingCount returns the approximate number of transfers not yet started.
func (l *Loop) PendingCount() int { return l.pending.Size() }

// LocalProcessed returns the number of transfers this worker has fully
// completed (succeeded or failed) since Start.
func (l *Loop) LocalProcessed() uint64 { return l.processed.Load() }

// Start spawns the worker's goroutine and returns immediately.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop requests the loop to exit. If waitForPending is true, the loop
// drains its pending queue and lets in-flight transfers complete before
// exiting. If it is false, the queued-but-not-started entries are flushed
// as ErrCancelled/"request cancelled" outcomes through the normal
// OnComplete/done path. Stop blocks until the goroutine has exited.
func (l *Loop) Stop(waitForPending bool) {
	l.stopping.Store(true)
	if !waitForPending {
		l.drainImmediately()
	}
	l.wg.Wait()
}

func (l *Loop) drainImmediately() {
	l.pushMu.Lock()
	defer l.pushMu.Unlock()
	for {
		v, ok := l.pending.Pop()
		if !ok {
			return
		}
		tc := v.(*model.TransferContext)
		l.completeCancelled(tc)
	}
}

func (l *Loop) completeCancelled(tc *model.TransferContext) {
	tc.Err = &model.Error{Code: model.ErrCancelled, Message: "request cancelled"}
	tc.Response = nil
	l.processed.Add(1)
	if tc.OnComplete != nil {
		tc.OnComplete(tc)
	}
	tc.SignalDone()
}

// run is the 5-step loop iteration: check the exit condition, drain as
// much of the pending queue as the pacer allows, let in-flight transfers
// multiplex via their own goroutines, drain completion signals, and
// otherwise idle-wait for the next thing to do.
func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.drained)

	for {
		if l.stopping.Load() && l.pending.Empty() && l.activeCount.Load() == 0 {
			return
		}

		started := l.drainPending(ctx)
		completed := l.drainCompletions()

		if started == 0 && completed == 0 {
			l.idleWait(ctx)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (l *Loop) drainPending(ctx context.Context) int {
	started := 0
	for int(l.activeCount.Load()) < l.cfg.MaxConcurrent {
		if !l.pacer.TryAcquire() {
			break
		}
		v, ok := l.pending.Pop()
		if !ok {
			break
		}
		tc := v.(*model.TransferContext)
		l.launch(ctx, tc)
		started++
	}
	return started
}

func (l *Loop) launch(ctx context.Context, tc *model.TransferContext) {
	tc.StartedAt = time.Now()
	l.active[tc.ID] = tc
	l.activeCount.Add(1)

	go func() {
		resp, err := l.transport.Do(ctx, tc.Request)
		l.resultsMu.Lock()
		l.results[tc.ID] = &transferOutcome{tc: tc, response: resp, err: err}
		l.resultsMu.Unlock()
		select {
		case l.completions <- tc.ID:
		case <-ctx.Done():
		}
	}()
}

func (l *Loop) drainCompletions() int {
	completed := 0
	for {
		select {
		case id := <-l.completions:
			l.finish(id)
			completed++
		default:
			return completed
		}
	}
}

func (l *Loop) finish(id uint64) {
	l.resultsMu.Lock()
	outcome, ok := l.results[id]
	delete(l.results, id)
	l.resultsMu.Unlock()
	if !ok {
		return
	}

	tc := outcome.tc
	tc.Response = outcome.response
	tc.Err = outcome.err

	delete(l.active, id)
	l.activeCount.Add(-1)
	l.processed.Add(1)

	if tc.OnComplete != nil {
		tc.OnComplete(tc)
	}
	tc.SignalDone()
}

func (l *Loop) idleWait(ctx context.Context) {
	timer := time.NewTimer(l.cfg.PollTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case id := <-l.completions:
		l.finish(id)
	}
}
