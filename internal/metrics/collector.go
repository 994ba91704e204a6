package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vayu-load/vayu/internal/model"
)

// Config bounds the memory a RunCollector may use, and controls how
// aggressively it samples successes and responses for deferred use.
type Config struct {
	ExpectedRequests  int
	MaxLatencies      int
	MaxErrors         int
	MaxSuccessResults int
	SuccessSampleRate int // 1 = every success, k = 1-in-k
	StoreSuccessTrace bool
	MaxResponseSamples int
	ResponseSampleRate int // 1 = every response, k = 1-in-k
}

// DefaultConfig returns the spec's default bounds, suitable when the
// run configuration does not override them.
func DefaultConfig(expected int) Config {
	return Config{
		ExpectedRequests:   expected,
		MaxLatencies:       100000,
		MaxErrors:          10000,
		MaxSuccessResults:  10000,
		SuccessSampleRate:  100,
		StoreSuccessTrace:  true,
		MaxResponseSamples: 1000,
		ResponseSampleRate: 100,
	}
}

func reserve(explicit, fallback int) int {
	if explicit > 0 {
		return explicit
	}
	return fallback
}

// responseSample pairs a reconstructed Response with the moment it was
// captured, feeding the script validator after quiescence.
type responseSample struct {
	response  model.Response
	timestamp time.Time
}

// StatusCounts tallies completed requests by HTTP status class.
type StatusCounts struct {
	Class2xx int64
	Class3xx int64
	Class4xx int64
	Class5xx int64
}

// Stats is a point-in-time snapshot of a RunCollector, used both for the
// sampler's periodic tick payload and for the final report.
type Stats struct {
	TotalRequests int64
	TotalErrors   int64
	ErrorRatePct  float64
	MeanLatencyMs float64
	CurrentRPS    float64
	Active        int64
	ElapsedS      float64
	Status        StatusCounts
}

// Percentiles holds a latency distribution snapshot, all in milliseconds.
type Percentiles struct {
	Min, Max           float64
	P50, P75, P90, P95, P99, P999 float64
}

// RunCollector is the per-run metrics sink: lock-free atomic counters for
// real-time readouts, bounded mutex-guarded vectors for post-run analysis.
// Every atomic update uses relaxed ordering except the final snapshot taken
// at quiescence, which callers should read only after the worker loop and
// sampler have both stopped.
type RunCollector struct {
	cfg Config

	totalRequests    atomic.Int64
	totalErrors      atomic.Int64
	totalLatencyBits atomic.Uint64 // math.Float64bits accumulator, CAS loop
	class2xx         atomic.Int64
	class3xx         atomic.Int64
	class4xx         atomic.Int64
	class5xx         atomic.Int64
	successSampleCtr atomic.Int64
	responseSampleCtr atomic.Int64

	latMu     sync.Mutex
	latencies []float64

	errMu  sync.Mutex
	errors []model.ResultRecord

	succMu   sync.Mutex
	successes []model.ResultRecord

	respMu    sync.Mutex
	responses []responseSample

	statusMu sync.Mutex
	byCode   map[int]int64
}

// NewRunCollector allocates a RunCollector with buffers pre-reserved
// according to cfg, to avoid reallocation churn on the hot path.
func NewRunCollector(cfg Config) *RunCollector {
	latCap := cfg.ExpectedRequests
	if cfg.MaxLatencies > 0 && cfg.MaxLatencies < latCap {
		latCap = cfg.MaxLatencies
	}
	errCap := reserve(cfg.MaxErrors, max(cfg.ExpectedRequests/20, 10000))
	succCap := cfg.MaxSuccessResults
	if succCap == 0 && cfg.SuccessSampleRate > 0 && cfg.ExpectedRequests > 0 {
		succCap = cfg.ExpectedRequests / cfg.SuccessSampleRate
	}
	respCap := cfg.MaxResponseSamples

	return &RunCollector{
		cfg:       cfg,
		latencies: make([]float64, 0, latCap),
		errors:    make([]model.ResultRecord, 0, errCap),
		successes: make([]model.ResultRecord, 0, succCap),
		responses: make([]responseSample, 0, respCap),
		byCode:    make(map[int]int64),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func addFloat64(acc *atomic.Uint64, delta float64) {
	for {
		old := acc.Load()
		newVal := math.Float64frombits(old) + delta
		if acc.CompareAndSwap(old, math.Float64bits(newVal)) {
			return
		}
	}
}

func loadFloat64(acc *atomic.Uint64) float64 {
	return math.Float64frombits(acc.Load())
}

// RecordSuccess records a completed transfer that produced a Response.
// trace is an opaque, caller-supplied encoding of the timing breakdown,
// stored alongside sampled success records for the external reporter.
func (c *RunCollector) RecordSuccess(status int, latencyMs int64, trace string) {
	c.totalRequests.Add(1)
	addFloat64(&c.totalLatencyBits, float64(latencyMs))

	switch status / 100 {
	case 2:
		c.class2xx.Add(1)
	case 3:
		c.class3xx.Add(1)
	case 4:
		c.class4xx.Add(1)
	case 5:
		c.class5xx.Add(1)
	}

	c.latMu.Lock()
	if c.cfg.MaxLatencies == 0 || len(c.latencies) < c.cfg.MaxLatencies {
		c.latencies = append(c.latencies, float64(latencyMs))
	}
	c.latMu.Unlock()

	c.statusMu.Lock()
	c.byCode[status]++
	c.statusMu.Unlock()

	if c.cfg.StoreSuccessTrace {
		n := c.successSampleCtr.Add(1)
		rate := c.cfg.SuccessSampleRate
		if rate <= 0 {
			rate = 1
		}
		if n%int64(rate) == 0 {
			c.succMu.Lock()
			if c.cfg.MaxSuccessResults == 0 || len(c.successes) < c.cfg.MaxSuccessResults {
				c.successes = append(c.successes, model.ResultRecord{
					Timestamp:  time.Now(),
					StatusCode: status,
					LatencyMs:  latencyMs,
					BodySample: trace,
				})
			}
			c.succMu.Unlock()
		}
	}
}

// RecordError records a completed transfer that failed. Errors are never
// sampled; the first MaxErrors are always preserved, oversubscription is
// capped rather than decimated.
func (c *RunCollector) RecordError(code model.ErrorCode, message, trace string) {
	c.totalRequests.Add(1)
	c.totalErrors.Add(1)

	c.errMu.Lock()
	if c.cfg.MaxErrors == 0 || len(c.errors) < c.cfg.MaxErrors {
		c.errors = append(c.errors, model.ResultRecord{
			Timestamp:  time.Now(),
			StatusCode: 0,
			LatencyMs:  0,
			Error:      &model.Error{Code: code, Message: message},
			BodySample: trace,
		})
	}
	c.errMu.Unlock()
}

// RecordLatency records a bare latency sample outside the success/error
// path (used by callers that already recorded the outcome separately).
func (c *RunCollector) RecordLatency(latencyMs int64) {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	if c.cfg.MaxLatencies == 0 || len(c.latencies) < c.cfg.MaxLatencies {
		c.latencies = append(c.latencies, float64(latencyMs))
	}
}

// RecordResponseSample stores a reconstructed Response for deferred script
// validation, subject to 1-in-k sampling and the MaxResponseSamples cap.
func (c *RunCollector) RecordResponseSample(resp model.Response) {
	rate := c.cfg.ResponseSampleRate
	if rate <= 0 {
		rate = 1
	}
	n := c.responseSampleCtr.Add(1)
	if n%int64(rate) != 0 {
		return
	}
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if c.cfg.MaxResponseSamples == 0 || len(c.responses) < c.cfg.MaxResponseSamples {
		c.responses = append(c.responses, responseSample{response: resp, timestamp: time.Now()})
	}
}

// CalculatePercentiles snapshots the latency vector and computes the
// standard percentile ladder using nearest-rank indexing. An empty sample
// yields all zeros.
func (c *RunCollector) CalculatePercentiles() Percentiles {
	c.latMu.Lock()
	snapshot := make([]float64, len(c.latencies))
	copy(snapshot, c.latencies)
	c.latMu.Unlock()

	if len(snapshot) == 0 {
		return Percentiles{}
	}
	sort.Float64s(snapshot)
	n := len(snapshot)

	rank := func(p float64) float64 {
		idx := int(p * float64(n))
		if idx >= n {
			idx = n - 1
		}
		return snapshot[idx]
	}

	return Percentiles{
		Min:  snapshot[0],
		Max:  snapshot[n-1],
		P50:  rank(0.50),
		P75:  rank(0.75),
		P90:  rank(0.90),
		P95:  rank(0.95),
		P99:  rank(0.99),
		P999: rank(0.999),
	}
}

// GetCurrentStats returns a lock-free snapshot of totals, rates, and
// per-class status counts. active and elapsedS are supplied by the caller
// (the worker dispatcher and the run clock, respectively).
func (c *RunCollector) GetCurrentStats(active int64, elapsedS float64) Stats {
	total := c.totalRequests.Load()
	totalErrs := c.totalErrors.Load()
	latSum := loadFloat64(&c.totalLatencyBits)

	success := total - totalErrs
	var meanLatency float64
	if success > 0 {
		meanLatency = latSum / float64(success)
	}

	var errRate float64
	if total > 0 {
		errRate = float64(totalErrs) / float64(total) * 100
	}

	var rps float64
	if elapsedS > 0 {
		rps = float64(total) / elapsedS
	}

	return Stats{
		TotalRequests: total,
		TotalErrors:   totalErrs,
		ErrorRatePct:  errRate,
		MeanLatencyMs: meanLatency,
		CurrentRPS:    rps,
		Active:        active,
		ElapsedS:      elapsedS,
		Status: StatusCounts{
			Class2xx: c.class2xx.Load(),
			Class3xx: c.class3xx.Load(),
			Class4xx: c.class4xx.Load(),
			Class5xx: c.class5xx.Load(),
		},
	}
}

// StatusCodeCounts returns a snapshot of the per-code status map, used to
// build the status_codes metric's JSON label.
func (c *RunCollector) StatusCodeCounts() map[int]int64 {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	out := make(map[int]int64, len(c.byCode))
	for k, v := range c.byCode {
		out[k] = v
	}
	return out
}

// ResponseSamples returns a copy of the captured response samples, for the
// script validator to evaluate after quiescence.
func (c *RunCollector) ResponseSamples() []model.Response {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	out := make([]model.Response, len(c.responses))
	for i, s := range c.responses {
		out[i] = s.response
	}
	return out
}

// Flush moves all error records and all sampled success records into a
// single batch, for a single hand-off to the persistence sink.
func (c *RunCollector) Flush() []model.ResultRecord {
	c.errMu.Lock()
	errs := make([]model.ResultRecord, len(c.errors))
	copy(errs, c.errors)
	c.errMu.Unlock()

	c.succMu.Lock()
	succ := make([]model.ResultRecord, len(c.successes))
	copy(succ, c.successes)
	c.succMu.Unlock()

	batch := make([]model.ResultRecord, 0, len(errs)+len(succ))
	batch = append(batch, errs...)
	batch = append(batch, succ...)
	return batch
}
