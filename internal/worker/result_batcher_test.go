package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/vayu-load/vayu/internal/model"
)

type fakeSink struct {
	mu      sync.Mutex
	inserts map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{inserts: make(map[string]int)}
}

func (f *fakeSink) InsertResults(ctx context.Context, runID string, records []model.ResultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts[runID] += len(records)
	return nil
}

func (f *fakeSink) count(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts[runID]
}

func TestResultBatcherCloseFlushesBufferedRecords(t *testing.T) {
	sink := newFakeSink()
	batcher := NewResultBatcher(context.Background(), sink)

	batcher.Record("run-1", model.ResultRecord{StatusCode: 200})
	batcher.Record("run-1", model.ResultRecord{StatusCode: 404})
	batcher.Close()

	flushed, dropped := batcher.Stats()
	if dropped != 0 {
		t.Fatalf("expected dropped=0, got %d", dropped)
	}
	if flushed != 2 {
		t.Fatalf("expected flushed=2, got %d", flushed)
	}
	if got := sink.count("run-1"); got != 2 {
		t.Fatalf("expected sink to receive 2 records, got %d", got)
	}
}

func TestResultBatcherFlushesAtBatchSize(t *testing.T) {
	sink := newFakeSink()
	batcher := NewResultBatcher(context.Background(), sink)
	batcher.batchSize = 3

	for i := 0; i < 3; i++ {
		batcher.Record("run-1", model.ResultRecord{StatusCode: 200})
	}
	batcher.Close()

	if got := sink.count("run-1"); got != 3 {
		t.Fatalf("expected sink to receive 3 records, got %d", got)
	}
}

func TestResultBatcherRecordAfterCloseDrops(t *testing.T) {
	sink := newFakeSink()
	batcher := NewResultBatcher(context.Background(), sink)
	batcher.Close()

	batcher.Record("run-1", model.ResultRecord{StatusCode: 200})

	_, dropped := batcher.Stats()
	if dropped != 1 {
		t.Fatalf("expected dropped=1 after recording on a closed batcher, got %d", dropped)
	}
}
