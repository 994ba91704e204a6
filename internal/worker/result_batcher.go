package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vayu-load/vayu/internal/model"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultBufferSize    = 10000
)

// ResultSink persists a batch of completed transfer records for a run.
// Implemented by the local store; kept as an interface here so the batcher
// can be tested without a database.
type ResultSink interface {
	InsertResults(ctx context.Context, runID string, records []model.ResultRecord) error
}

// ResultBatcher accumulates ResultRecords off the worker loop's hot path
// and flushes them to a ResultSink in bounded batches, either when a
// run's batch fills or on a fixed tick, whichever comes first.
type ResultBatcher struct {
	sink ResultSink

	buffer      chan batchedResult
	batchSize   int
	flushTicker *time.Ticker
	backoff     backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed       atomic.Bool
	droppedCount atomic.Int64
	flushedCount atomic.Int64
}

type batchedResult struct {
	runID  string
	record model.ResultRecord
}

// NewResultBatcher starts the background flush loop. Callers must call
// Close to drain the buffer and stop the ticker.
func NewResultBatcher(ctx context.Context, sink ResultSink) *ResultBatcher {
	batcherCtx, cancel := context.WithCancel(ctx)

	b := &ResultBatcher{
		sink:        sink,
		buffer:      make(chan batchedResult, defaultBufferSize),
		batchSize:   defaultBatchSize,
		flushTicker: time.NewTicker(defaultFlushInterval),
		backoff:     newFlushBackoff(),
		ctx:         batcherCtx,
		cancel:      cancel,
	}

	b.wg.Add(1)
	go b.run()

	return b
}

func newFlushBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 25 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 10 * time.Second
	return eb
}

// Record enqueues a single completed transfer for the given run. If the
// buffer is full, or the batcher has been closed, the record is dropped
// rather than blocking the caller; the drop count is observable via Stats.
func (b *ResultBatcher) Record(runID string, record model.ResultRecord) {
	if b.closed.Load() {
		b.droppedCount.Add(1)
		return
	}
	select {
	case b.buffer <- batchedResult{runID: runID, record: record}:
	default:
		b.droppedCount.Add(1)
	}
}

func (b *ResultBatcher) run() {
	defer b.wg.Done()

	batches := make(map[string][]model.ResultRecord)

	flush := func() {
		for runID, records := range batches {
			if len(records) > 0 {
				b.flushBatch(runID, records)
			}
		}
		batches = make(map[string][]model.ResultRecord)
	}

	for {
		select {
		case item, ok := <-b.buffer:
			if !ok {
				flush()
				return
			}

			batches[item.runID] = append(batches[item.runID], item.record)
			if len(batches[item.runID]) >= b.batchSize {
				b.flushBatch(item.runID, batches[item.runID])
				delete(batches, item.runID)
			}

		case <-b.flushTicker.C:
			flush()

		case <-b.ctx.Done():
			flush()
			return
		}
	}
}

func (b *ResultBatcher) flushBatch(runID string, records []model.ResultRecord) {
	if len(records) == 0 {
		return
	}

	op := func() error {
		return b.sink.InsertResults(context.Background(), runID, records)
	}

	if err := backoff.Retry(op, b.backoff); err != nil {
		log.Printf("[ResultBatcher] flush failed for run %s after retries: %v", runID, err)
		return
	}

	b.flushedCount.Add(int64(len(records)))
}

// Close drains the buffer, flushes any remaining batches, and stops the
// background loop. Record calls after Close drop the record and count it
// as dropped.
func (b *ResultBatcher) Close() {
	b.closed.Store(true)
	b.flushTicker.Stop()
	close(b.buffer)
	b.wg.Wait()
	b.cancel()
}

// Stats returns the cumulative number of flushed and dropped records.
func (b *ResultBatcher) Stats() (flushed, dropped int64) {
	return b.flushedCount.Load(), b.droppedCount.Load()
}
