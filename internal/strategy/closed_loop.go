package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vayu-load/vayu/internal/model"
)

// ClosedLoop runs exactly Iterations requests, bounded so that no more
// than Concurrency are ever in flight at once: each completion callback
// decrements the in-flight count and permits exactly one more submission.
type ClosedLoop struct {
	Iterations      int
	Concurrency     int
	SlowThresholdMs int64
	SampleResponses bool
}

func (c ClosedLoop) Execute(ctx context.Context, sink Sink, submitter Submitter, request *model.Request) (int64, error) {
	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var submitted atomic.Int64
	var completed atomic.Int64
	var ordinal atomic.Int64
	done := make(chan struct{})
	var closeDone sync.Once
	finish := func() { closeDone.Do(func() { close(done) }) }

	var submitOne func()
	submitOne = func() {
		n := submitted.Add(1)
		if n > int64(c.Iterations) {
			submitted.Add(-1)
			if completed.Load() >= int64(c.Iterations) {
				finish()
			}
			return
		}

		tc := &model.TransferContext{Request: request}
		tc.OnComplete = func(tc *model.TransferContext) {
			recordOutcome(tc, sink, ordinal.Add(1), c.SlowThresholdMs, c.SampleResponses)
			finished := completed.Add(1)
			if finished >= int64(c.Iterations) {
				finish()
				return
			}
			submitOne()
		}

		if !submitter.Submit(tc) {
			go func() {
				select {
				case <-time.After(time.Millisecond):
					submitted.Add(-1)
					submitOne()
				case <-ctx.Done():
					submitted.Add(-1)
				}
			}()
		}
	}

	for i := 0; i < concurrency && i < c.Iterations; i++ {
		submitOne()
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	return completed.Load(), nil
}
