package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vayu-load/vayu/internal/model"
)

type fakeSink struct {
	mu        sync.Mutex
	successes int
	errors    int
}

func (f *fakeSink) RecordSuccess(status int, latencyMs int64, trace string) {
	f.mu.Lock()
	f.successes++
	f.mu.Unlock()
}
func (f *fakeSink) RecordError(code model.ErrorCode, message, trace string) {
	f.mu.Lock()
	f.errors++
	f.mu.Unlock()
}
func (f *fakeSink) RecordResponseSample(resp model.Response) {}

func (f *fakeSink) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successes, f.errors
}

// fakeSubmitter completes every TransferContext immediately, synchronously,
// as a successful 200 response.
type fakeSubmitter struct {
	submitted atomic.Int64
}

func (f *fakeSubmitter) Submit(tc *model.TransferContext) bool {
	f.submitted.Add(1)
	tc.Response = &model.Response{StatusCode: 200, Timing: model.Timing{TotalMs: 5}}
	if tc.OnComplete != nil {
		tc.OnComplete(tc)
	}
	return true
}

func TestClosedLoopRunsExactlyIterations(t *testing.T) {
	sink := &fakeSink{}
	sub := &fakeSubmitter{}
	cl := ClosedLoop{Iterations: 50, Concurrency: 5}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	completed, err := cl.Execute(ctx, sink, sub, &model.Request{Method: "GET", URL: "http://x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completed != 50 {
		t.Fatalf("expected 50 completions, got %d", completed)
	}
	successes, _ := sink.counts()
	if successes != 50 {
		t.Fatalf("expected 50 recorded successes, got %d", successes)
	}
}

func TestOpenLoopStopsAtDeadline(t *testing.T) {
	sink := &fakeSink{}
	sub := &fakeSubmitter{}
	ol := OpenLoop{DurationS: 0.05}

	ctx := context.Background()
	sent, err := ol.Execute(ctx, sink, sub, &model.Request{Method: "GET", URL: "http://x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent <= 0 {
		t.Fatal("expected at least one request to have been sent")
	}
}

func TestInterpolateHoldsEndpoints(t *testing.T) {
	points := []model.RampPoint{{AtS: 0, TargetRPS: 10}, {AtS: 10, TargetRPS: 100}}
	if got := interpolate(points, -1); got != 10 {
		t.Fatalf("expected 10 before start, got %v", got)
	}
	if got := interpolate(points, 20); got != 100 {
		t.Fatalf("expected 100 after end, got %v", got)
	}
	if got := interpolate(points, 5); got != 55 {
		t.Fatalf("expected midpoint 55, got %v", got)
	}
}
