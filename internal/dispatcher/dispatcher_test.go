package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vayu-load/vayu/internal/model"
)

type fakeWorker struct {
	mu        sync.Mutex
	submitted []*model.TransferContext
	active    atomic.Int64
	processed atomic.Uint64
}

func (f *fakeWorker) Start(ctx context.Context) {}
func (f *fakeWorker) Stop(waitForPending bool)  {}

func (f *fakeWorker) Submit(tc *model.TransferContext) bool {
	f.mu.Lock()
	f.submitted = append(f.submitted, tc)
	f.mu.Unlock()
	tc.Response = &model.Response{StatusCode: 200}
	f.processed.Add(1)
	tc.SignalDone()
	return true
}

func (f *fakeWorker) ActiveCount() int64      { return f.active.Load() }
func (f *fakeWorker) PendingCount() int       { return 0 }
func (f *fakeWorker) LocalProcessed() uint64  { return f.processed.Load() }

func TestSubmitRoundRobinsAcrossWorkers(t *testing.T) {
	w1, w2 := &fakeWorker{}, &fakeWorker{}
	d := New([]WorkerLoop{w1, w2})

	for i := 0; i < 4; i++ {
		d.Submit(&model.TransferContext{Request: &model.Request{Method: "GET", URL: "http://x"}})
	}

	if len(w1.submitted) != 2 || len(w2.submitted) != 2 {
		t.Fatalf("expected 2/2 split, got %d/%d", len(w1.submitted), len(w2.submitted))
	}
}

func TestSubmitAssignsMonotonicIDs(t *testing.T) {
	w1 := &fakeWorker{}
	d := New([]WorkerLoop{w1})

	d.Submit(&model.TransferContext{Request: &model.Request{}})
	d.Submit(&model.TransferContext{Request: &model.Request{}})

	if w1.submitted[0].ID == 0 || w1.submitted[1].ID == 0 || w1.submitted[0].ID == w1.submitted[1].ID {
		t.Fatalf("expected distinct non-zero IDs, got %d and %d", w1.submitted[0].ID, w1.submitted[1].ID)
	}
}

func TestExecuteBatchCollectsAllOutcomes(t *testing.T) {
	w1 := &fakeWorker{}
	d := New([]WorkerLoop{w1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reqs := []*model.Request{{Method: "GET", URL: "http://a"}, {Method: "GET", URL: "http://b"}}
	out := d.ExecuteBatch(ctx, reqs)

	if len(out) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(out))
	}
	for _, tc := range out {
		if tc.Response == nil || tc.Response.StatusCode != 200 {
			t.Fatalf("expected populated response, got %+v", tc.Response)
		}
	}
}

func TestCancelAlwaysReturnsFalse(t *testing.T) {
	d := New([]WorkerLoop{&fakeWorker{}})
	if d.Cancel(1) {
		t.Fatal("expected Cancel to always report false")
	}
}
