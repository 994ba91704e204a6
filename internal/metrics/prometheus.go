// Package metrics provides the run-time metrics collector and its
// Prometheus text-format exposition.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector exposes aggregate run/request counters in Prometheus text
// format. Thread-safe for concurrent access.
//
// Lock Strategy: Collector uses a single RWMutex for thread-safety. While this creates some lock
// contention under high load, it's necessary because Go maps are not atomic-safe. Alternative
// approaches (sync.Map, sharded maps) add complexity without clear benefit for our access patterns.
// The RWMutex allows concurrent reads via Expose() while serializing writes from hot-path methods
// like RecordRequest(). This is a reasonable trade-off between simplicity and performance.
type Collector struct {
	mu sync.RWMutex

	runCounts    map[string]int64          // status -> count
	runDurations map[string]*histogramData // status -> histogram
	requestCounts map[requestKey]int64     // (method, status_class) -> count
	requestDurations map[requestKey]*histogramData
	requestErrors map[string]int64 // error_code -> count
	hostHealth   *hostHealthData

	nowFunc func() time.Time
}

type requestKey struct {
	method      string
	statusClass string
}

// histogramData holds histogram data for Prometheus exposition.
type histogramData struct {
	sum   float64
	count int64
}

// hostHealthData holds process-wide resource usage metrics.
type hostHealthData struct {
	cpuPercent float64
	memoryMB   float64
	workers    int
}

// NewCollector creates a new metrics Collector.
func NewCollector() *Collector {
	return &Collector{
		runCounts:        make(map[string]int64),
		runDurations:     make(map[string]*histogramData),
		requestCounts:    make(map[requestKey]int64),
		requestDurations: make(map[requestKey]*histogramData),
		requestErrors:    make(map[string]int64),
		hostHealth:       &hostHealthData{},
		nowFunc:          time.Now,
	}
}

// RecordRunCreated records a new run entering the given terminal status
// (or "running" while still in flight).
func (c *Collector) RecordRunCreated(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCounts[status]++
}

// RecordRunDuration records a completed run's wall-clock duration.
func (c *Collector) RecordRunDuration(status string, durationSeconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runDurations[status] == nil {
		c.runDurations[status] = &histogramData{}
	}
	c.runDurations[status].sum += durationSeconds
	c.runDurations[status].count++
}

// statusClass buckets an HTTP status code into "2xx".."5xx", or "err" for a
// transfer that never produced a status code.
func statusClass(statusCode int) string {
	if statusCode <= 0 {
		return "err"
	}
	return fmt.Sprintf("%dxx", statusCode/100)
}

// RecordRequest records one completed transfer.
func (c *Collector) RecordRequest(method string, statusCode int, durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := requestKey{method: method, statusClass: statusClass(statusCode)}
	c.requestCounts[key]++

	if c.requestDurations[key] == nil {
		c.requestDurations[key] = &histogramData{}
	}
	c.requestDurations[key].sum += float64(durationMs) / 1000.0
	c.requestDurations[key].count++
}

// RecordRequestError records a transfer that failed with the given error code.
func (c *Collector) RecordRequestError(errorCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestErrors[errorCode]++
}

// UpdateHostHealth updates process-wide CPU/memory/active-worker gauges,
// typically sourced from gopsutil on a periodic ticker.
func (c *Collector) UpdateHostHealth(cpuPercent float64, memBytes int64, workers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostHealth = &hostHealthData{
		cpuPercent: cpuPercent,
		memoryMB:   float64(memBytes) / (1024 * 1024),
		workers:    workers,
	}
}

// Expose returns the metrics in Prometheus text exposition format.
func (c *Collector) Expose() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	timestamp := c.nowFunc().UnixMilli()

	c.writeRunsTotal(&sb, timestamp)
	c.writeRunDuration(&sb, timestamp)
	c.writeRequestsTotal(&sb, timestamp)
	c.writeRequestDuration(&sb, timestamp)
	c.writeRequestErrors(&sb, timestamp)
	c.writeHostHealth(&sb, timestamp)

	return sb.String()
}

func (c *Collector) writeRunsTotal(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP vayu_runs_total Total number of runs by terminal status\n")
	sb.WriteString("# TYPE vayu_runs_total counter\n")

	keys := make([]string, 0, len(c.runCounts))
	for k := range c.runCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, status := range keys {
		count := c.runCounts[status]
		fmt.Fprintf(sb, "vayu_runs_total{status=%q} %d %d\n", status, count, timestamp)
	}
}

func (c *Collector) writeRunDuration(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP vayu_run_duration_seconds Duration of runs in seconds\n")
	sb.WriteString("# TYPE vayu_run_duration_seconds histogram\n")

	keys := make([]string, 0, len(c.runDurations))
	for k := range c.runDurations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, status := range keys {
		data := c.runDurations[status]
		fmt.Fprintf(sb, "vayu_run_duration_seconds_sum{status=%q} %.6f %d\n", status, data.sum, timestamp)
		fmt.Fprintf(sb, "vayu_run_duration_seconds_count{status=%q} %d %d\n", status, data.count, timestamp)
	}
}

func (c *Collector) writeRequestsTotal(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP vayu_requests_total Total number of transfers by method and status class\n")
	sb.WriteString("# TYPE vayu_requests_total counter\n")

	keys := make([]requestKey, 0, len(c.requestCounts))
	for k := range c.requestCounts {
		keys = append(keys, k)
	}
	sortRequestKeys(keys)
	for _, k := range keys {
		count := c.requestCounts[k]
		fmt.Fprintf(sb, "vayu_requests_total{method=%q,status_class=%q} %d %d\n", k.method, k.statusClass, count, timestamp)
	}
}

func (c *Collector) writeRequestDuration(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP vayu_request_duration_seconds Duration of transfers in seconds\n")
	sb.WriteString("# TYPE vayu_request_duration_seconds histogram\n")

	keys := make([]requestKey, 0, len(c.requestDurations))
	for k := range c.requestDurations {
		keys = append(keys, k)
	}
	sortRequestKeys(keys)
	for _, k := range keys {
		data := c.requestDurations[k]
		fmt.Fprintf(sb, "vayu_request_duration_seconds_sum{method=%q,status_class=%q} %.6f %d\n", k.method, k.statusClass, data.sum, timestamp)
		fmt.Fprintf(sb, "vayu_request_duration_seconds_count{method=%q,status_class=%q} %d %d\n", k.method, k.statusClass, data.count, timestamp)
	}
}

func (c *Collector) writeRequestErrors(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP vayu_request_errors_total Total number of transfer errors by error code\n")
	sb.WriteString("# TYPE vayu_request_errors_total counter\n")

	keys := make([]string, 0, len(c.requestErrors))
	for k := range c.requestErrors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, errorCode := range keys {
		count := c.requestErrors[errorCode]
		fmt.Fprintf(sb, "vayu_request_errors_total{error_code=%q} %d %d\n", errorCode, count, timestamp)
	}
}

func (c *Collector) writeHostHealth(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP vayu_host_cpu_percent Process-wide CPU usage percentage\n")
	sb.WriteString("# TYPE vayu_host_cpu_percent gauge\n")
	fmt.Fprintf(sb, "vayu_host_cpu_percent %.2f %d\n", c.hostHealth.cpuPercent, timestamp)

	sb.WriteString("# HELP vayu_host_memory_mb Process-wide memory usage in MB\n")
	sb.WriteString("# TYPE vayu_host_memory_mb gauge\n")
	fmt.Fprintf(sb, "vayu_host_memory_mb %.2f %d\n", c.hostHealth.memoryMB, timestamp)

	sb.WriteString("# HELP vayu_active_workers Number of worker loops currently running\n")
	sb.WriteString("# TYPE vayu_active_workers gauge\n")
	fmt.Fprintf(sb, "vayu_active_workers %d %d\n", c.hostHealth.workers, timestamp)
}

func sortRequestKeys(keys []requestKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].statusClass < keys[j].statusClass
	})
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runCounts = make(map[string]int64)
	c.runDurations = make(map[string]*histogramData)
	c.requestCounts = make(map[requestKey]int64)
	c.requestDurations = make(map[requestKey]*histogramData)
	c.requestErrors = make(map[string]int64)
	c.hostHealth = &hostHealthData{}
}
