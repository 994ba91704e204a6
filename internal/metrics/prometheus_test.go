package metrics

import (
	"strings"
	"testing"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}
	if c.runCounts == nil {
		t.Error("runCounts not initialized")
	}
	if c.requestCounts == nil {
		t.Error("requestCounts not initialized")
	}
}

func TestRecordRunCreated(t *testing.T) {
	c := NewCollector()
	c.RecordRunCreated("completed")
	c.RecordRunCreated("completed")
	c.RecordRunCreated("failed")

	if c.runCounts["completed"] != 2 {
		t.Errorf("expected 2 completed runs, got %d", c.runCounts["completed"])
	}
	if c.runCounts["failed"] != 1 {
		t.Errorf("expected 1 failed run, got %d", c.runCounts["failed"])
	}
}

func TestRecordRunDuration(t *testing.T) {
	c := NewCollector()
	c.RecordRunDuration("completed", 5.0)
	c.RecordRunDuration("completed", 3.0)

	d := c.runDurations["completed"]
	if d.count != 2 {
		t.Errorf("expected count 2, got %d", d.count)
	}
	if d.sum != 8.0 {
		t.Errorf("expected sum 8.0, got %v", d.sum)
	}
}

func TestRecordRequest(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("GET", 200, 12)
	c.RecordRequest("GET", 404, 8)
	c.RecordRequest("GET", 0, 30)

	key2xx := requestKey{method: "GET", statusClass: "2xx"}
	key4xx := requestKey{method: "GET", statusClass: "4xx"}
	keyErr := requestKey{method: "GET", statusClass: "err"}

	if c.requestCounts[key2xx] != 1 {
		t.Errorf("expected 1 2xx request, got %d", c.requestCounts[key2xx])
	}
	if c.requestCounts[key4xx] != 1 {
		t.Errorf("expected 1 4xx request, got %d", c.requestCounts[key4xx])
	}
	if c.requestCounts[keyErr] != 1 {
		t.Errorf("expected 1 err-class request, got %d", c.requestCounts[keyErr])
	}
}

func TestRecordRequestError(t *testing.T) {
	c := NewCollector()
	c.RecordRequestError("timeout")
	c.RecordRequestError("timeout")
	c.RecordRequestError("dns_error")

	if c.requestErrors["timeout"] != 2 {
		t.Errorf("expected 2 timeout errors, got %d", c.requestErrors["timeout"])
	}
	if c.requestErrors["dns_error"] != 1 {
		t.Errorf("expected 1 dns_error, got %d", c.requestErrors["dns_error"])
	}
}

func TestUpdateHostHealth(t *testing.T) {
	c := NewCollector()
	c.UpdateHostHealth(42.5, 128*1024*1024, 4)

	if c.hostHealth.cpuPercent != 42.5 {
		t.Errorf("expected cpuPercent 42.5, got %v", c.hostHealth.cpuPercent)
	}
	if c.hostHealth.memoryMB != 128 {
		t.Errorf("expected memoryMB 128, got %v", c.hostHealth.memoryMB)
	}
	if c.hostHealth.workers != 4 {
		t.Errorf("expected workers 4, got %d", c.hostHealth.workers)
	}
}

func TestExposeContainsAllMetricFamilies(t *testing.T) {
	c := NewCollector()
	c.RecordRunCreated("completed")
	c.RecordRunDuration("completed", 2.5)
	c.RecordRequest("POST", 200, 15)
	c.RecordRequestError("timeout")
	c.UpdateHostHealth(10, 1024*1024, 2)

	out := c.Expose()

	for _, want := range []string{
		"vayu_runs_total",
		"vayu_run_duration_seconds",
		"vayu_requests_total",
		"vayu_request_duration_seconds",
		"vayu_request_errors_total",
		"vayu_host_cpu_percent",
		"vayu_host_memory_mb",
		"vayu_active_workers",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected Expose() output to contain %q", want)
		}
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()
	c.RecordRunCreated("completed")
	c.RecordRequest("GET", 200, 10)
	c.RecordRequestError("timeout")

	c.Reset()

	if len(c.runCounts) != 0 || len(c.requestCounts) != 0 || len(c.requestErrors) != 0 {
		t.Error("expected Reset to clear all maps")
	}
}
