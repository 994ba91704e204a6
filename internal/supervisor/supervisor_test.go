package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	statuses []string
	metrics  []store.Metric
	results  []model.ResultRecord
}

func (f *fakeStore) UpdateRunStatus(ctx context.Context, runID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) UpdateRunEndTime(ctx context.Context, runID string, endTimeMs int64) error {
	return nil
}

func (f *fakeStore) AddMetricsBatch(ctx context.Context, metrics []store.Metric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, metrics...)
	return nil
}

func (f *fakeStore) InsertResults(ctx context.Context, runID string, records []model.ResultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, records...)
	return nil
}

func (f *fakeStore) GetConfigInt(key string, def int) int {
	if key == "statsInterval" {
		return 20
	}
	if key == "workers" {
		return 2
	}
	return def
}

func (f *fakeStore) lastStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeRegistry struct {
	unregistered string
}

func (f *fakeRegistry) Unregister(runID string) { f.unregistered = runID }

func TestExecuteClosedLoopReachesCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	rawConfig := []byte(fmt.Sprintf(`{"schema_version":"run-config/v1","request":{"method":"GET","url":%q},"mode":"iterations","iterations":10,"concurrency":2}`, srv.URL))
	cfg, err := model.ParseRunConfig(rawConfig)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	rc := New("run-1", rawConfig, cfg)
	if !rc.IsRunning() {
		t.Fatal("expected is_running=true immediately after construction")
	}

	db := &fakeStore{}
	reg := &fakeRegistry{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.Execute(ctx, db, reg); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if rc.IsRunning() {
		t.Fatal("expected is_running=false after Execute returns")
	}
	if db.lastStatus() != statusCompleted {
		t.Fatalf("expected terminal status Completed, got %q", db.lastStatus())
	}
	if reg.unregistered != "run-1" {
		t.Fatalf("expected run to deregister itself, got %q", reg.unregistered)
	}

	foundCompletedSentinel := false
	for _, m := range db.metrics {
		if m.Name == "completed" && m.Value == 1 {
			foundCompletedSentinel = true
		}
	}
	if !foundCompletedSentinel {
		t.Fatal("expected a completed=1 sentinel metric")
	}
}

func TestExecuteRejectsBlockedURL(t *testing.T) {
	rawConfig := []byte(`{"schema_version":"run-config/v1","request":{"method":"GET","url":"http://169.254.169.254/latest/meta-data"},"mode":"iterations","iterations":1}`)
	cfg, err := model.ParseRunConfig(rawConfig)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	rc := New("run-2", rawConfig, cfg)
	db := &fakeStore{}
	reg := &fakeRegistry{}

	if err := rc.Execute(context.Background(), db, reg); err == nil {
		t.Fatal("expected SSRF rejection to surface as an error")
	}
	if db.lastStatus() != statusFailed {
		t.Fatalf("expected terminal status Failed, got %q", db.lastStatus())
	}
}

func TestRequestStopYieldsStoppedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rawConfig := []byte(fmt.Sprintf(`{"schema_version":"run-config/v1","request":{"method":"GET","url":%q},"mode":"duration","duration":"5s"}`, srv.URL))
	cfg, err := model.ParseRunConfig(rawConfig)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	rc := New("run-3", rawConfig, cfg)
	rc.RequestStop()

	db := &fakeStore{}
	reg := &fakeRegistry{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.Execute(ctx, db, reg); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if db.lastStatus() != statusStopped {
		t.Fatalf("expected terminal status Stopped, got %q", db.lastStatus())
	}
}
