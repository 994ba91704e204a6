package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/pacer"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeTransport) Do(ctx context.Context, req *model.Request) (*model.Response, *model.Error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, &model.Error{Code: model.ErrConnectionFailed, Message: "boom"}
	}
	return &model.Response{StatusCode: 200, StatusText: "OK"}, nil
}

func newUnlockedPacer(t *testing.T, rps float64) pacer.Pacer {
	t.Helper()
	p, err := pacer.NewUnlocked(rps)
	if err != nil {
		t.Fatalf("NewUnlocked: %v", err)
	}
	return p
}

func TestLoopSubmitAndCompleteInvokesCallback(t *testing.T) {
	ft := &fakeTransport{}
	l := New(LoopConfig{MaxConcurrent: 10, PollTimeout: 5 * time.Millisecond}, ft, newUnlockedPacer(t, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	var mu sync.Mutex
	var got *model.TransferContext
	done := make(chan struct{})
	tc := &model.TransferContext{ID: 1, Request: &model.Request{Method: "GET", URL: "http://example.com"}}
	tc.OnComplete = func(t *model.TransferContext) {
		mu.Lock()
		got = t
		mu.Unlock()
		close(done)
	}

	if !l.Submit(tc) {
		t.Fatal("expected submit to succeed")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	l.Stop(true)

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Response == nil || got.Response.StatusCode != 200 {
		t.Fatalf("expected completed response, got %+v", got)
	}
	if l.LocalProcessed() != 1 {
		t.Fatalf("expected LocalProcessed=1, got %d", l.LocalProcessed())
	}
}

func TestLoopStopWithoutWaitCancelsPending(t *testing.T) {
	ft := &fakeTransport{}
	l := New(LoopConfig{MaxConcurrent: 0 /* default */}, ft, newUnlockedPacer(t, 1))

	// Exhaust the pacer's burst by acquiring its tokens directly so
	// drainPending never starts the queued transfer before Stop runs.
	for l.pacer.TryAcquire() {
	}

	tc := &model.TransferContext{ID: 1, Request: &model.Request{Method: "GET", URL: "http://example.com"}}
	done := tc.AwaitDone()
	if !l.Submit(tc) {
		t.Fatal("expected submit to succeed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	l.Stop(false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	if tc.Err == nil || tc.Err.Code != model.ErrCancelled {
		t.Fatalf("expected cancelled error, got %+v", tc.Err)
	}
}

func TestLoopActiveAndPendingCounts(t *testing.T) {
	ft := &fakeTransport{}
	l := New(LoopConfig{MaxConcurrent: 10}, ft, newUnlockedPacer(t, 0))

	if l.PendingCount() != 0 || l.ActiveCount() != 0 {
		t.Fatalf("expected zero counts on a fresh loop")
	}
}
