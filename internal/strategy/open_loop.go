package strategy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vayu-load/vayu/internal/model"
)

// OpenLoop runs for a fixed wall-clock duration, submitting as fast as
// the submitter accepts work. Pacing is delegated entirely to the worker
// loops' own pacers: OpenLoop never rate-limits itself, it only stops
// generating new transfers once the duration elapses or ctx is done.
type OpenLoop struct {
	DurationS       float64
	SlowThresholdMs int64
	SampleResponses bool

	// SubmitRetryDelay bounds how long OpenLoop backs off after a Submit
	// that finds every worker's pending queue full, before trying again.
	SubmitRetryDelay time.Duration
}

func (o OpenLoop) Execute(ctx context.Context, sink Sink, submitter Submitter, request *model.Request) (int64, error) {
	retryDelay := o.SubmitRetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Millisecond
	}

	deadline := time.Now().Add(time.Duration(o.DurationS * float64(time.Second)))
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var sent atomic.Int64
	var ordinal atomic.Int64

	for {
		select {
		case <-ctx.Done():
			return sent.Load(), nil
		default:
		}

		tc := &model.TransferContext{Request: request}
		tc.OnComplete = func(tc *model.TransferContext) {
			recordOutcome(tc, sink, ordinal.Add(1), o.SlowThresholdMs, o.SampleResponses)
		}

		if !submitter.Submit(tc) {
			select {
			case <-ctx.Done():
				return sent.Load(), nil
			case <-time.After(retryDelay):
			}
			continue
		}
		sent.Add(1)
	}
}
