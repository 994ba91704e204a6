// Package supervisor implements the run supervisor: the component that
// owns one run end-to-end, from config resolution through quiescence to
// its single terminal status write, wiring together the event loop
// dispatcher, load strategy, metrics collector and script validator.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/vayu-load/vayu/internal/dispatcher"
	"github.com/vayu-load/vayu/internal/dnscache"
	"github.com/vayu-load/vayu/internal/metrics"
	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/pacer"
	"github.com/vayu-load/vayu/internal/store"
	"github.com/vayu-load/vayu/internal/strategy"
	"github.com/vayu-load/vayu/internal/transport"
	"github.com/vayu-load/vayu/internal/validation"
	"github.com/vayu-load/vayu/internal/validator"
	"github.com/vayu-load/vayu/internal/worker"
)

const (
	statusPending   = "Pending"
	statusRunning   = "Running"
	statusCompleted = "Completed"
	statusStopped   = "Stopped"
	statusFailed    = "Failed"
)

// Store is the persistence sink a run writes through. Satisfied by
// *store.Store; declared here so the supervisor can be tested against a
// fake.
type Store interface {
	UpdateRunStatus(ctx context.Context, runID, status string) error
	UpdateRunEndTime(ctx context.Context, runID string, endTimeMs int64) error
	AddMetricsBatch(ctx context.Context, metrics []store.Metric) error
	InsertResults(ctx context.Context, runID string, records []model.ResultRecord) error
	GetConfigInt(key string, def int) int
}

// Registry is the subset of registry.Registry the supervisor needs to
// deregister itself once it reaches a terminal status.
type Registry interface {
	Unregister(runID string)
}

// RunContext is one run's full lifecycle: it satisfies registry.RunHandle
// so the run registry can track and stop it without importing this
// package's concrete type.
type RunContext struct {
	runID       string
	config      *model.RunConfig
	rawConfig   []byte
	startTimeMs int64

	isRunning  atomic.Bool
	shouldStop atomic.Bool
	verbose    bool

	collector *metrics.RunCollector
}

// New constructs a RunContext for runID from its raw control-plane JSON
// config. is_running is set true here, before Execute spawns any thread,
// so a racing stop_run or sampler tick never observes a half-started run.
func New(runID string, rawConfig []byte, cfg *model.RunConfig) *RunContext {
	rc := &RunContext{
		runID:     runID,
		config:    cfg,
		rawConfig: rawConfig,
		verbose:   cfg.Verbose,
	}
	rc.isRunning.Store(true)
	return rc
}

// RunID implements registry.RunHandle.
func (rc *RunContext) RunID() string { return rc.runID }

// IsRunning implements registry.RunHandle.
func (rc *RunContext) IsRunning() bool { return rc.isRunning.Load() }

// RequestStop implements registry.RunHandle: a monotonic cooperative flag,
// observed by the load strategy (via ctx cancellation) and the sampler.
func (rc *RunContext) RequestStop() { rc.shouldStop.Store(true) }

// Execute drives the run's entire lifecycle and returns once a terminal
// status has been durably written and the run deregistered. It is meant
// to be called once, from the goroutine the registry spawns for this run.
func (rc *RunContext) Execute(ctx context.Context, db Store, reg Registry) error {
	defer reg.Unregister(rc.runID)

	if report := validateURL(rc.rawConfig); !report.OK {
		return rc.fail(ctx, db, fmt.Errorf("config rejected: %s", report.String()))
	}

	if err := db.UpdateRunStatus(ctx, rc.runID, statusRunning); err != nil {
		slog.Error("failed to mark run running", "run_id", rc.runID, "error", err)
	}
	rc.startTimeMs = time.Now().UnixMilli()

	elc := rc.resolveEventLoopConfig(db)
	dnsCache := dnscache.New(time.Duration(elc.DNSCacheTTLS) * time.Second)
	transportOpts := transport.Options{
		UserAgent:       elc.UserAgent,
		VerifySSL:       rc.config.Request.VerifySSL,
		FollowRedirects: rc.config.Request.FollowRedirects,
		MaxRedirects:    rc.config.Request.MaxRedirects,
		ProxyURL:        parseProxyURL(elc.ProxyURL),
		DNSCache:        dnsCache,
		RebindGuard:     validation.NewDNSRebindingValidator(loopbackAllowed),
		KeepAlive:       30 * time.Second,
		DefaultTimeout:  time.Duration(rc.config.Request.TimeoutMs) * time.Millisecond,
	}

	sharedPacers, workers := rc.buildWorkers(elc, transportOpts)
	disp := dispatcher.New(workers)
	disp.Start(ctx)

	rc.collector = metrics.NewRunCollector(collectorConfig(rc.config))

	stopSampler := make(chan struct{})
	samplerDone := make(chan struct{})
	statsIntervalMs := db.GetConfigInt("statsInterval", 100)
	go rc.runSampler(db, disp, time.Duration(statsIntervalMs)*time.Millisecond, stopSampler, samplerDone)

	strat := rc.buildStrategy(elc, sharedPacers)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		for runCtx.Err() == nil && !rc.shouldStop.Load() {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()
	sent, err := strat.Execute(runCtx, rc.collector, disp, rc.config.Request)
	cancel()
	if err != nil {
		slog.Error("load strategy returned error", "run_id", rc.runID, "error", err)
	}

	disp.Stop(true) // quiescence barrier: let in-flight transfers finish

	endTimeMs := time.Now().UnixMilli()
	if err := db.UpdateRunEndTime(ctx, rc.runID, endTimeMs); err != nil {
		slog.Error("failed to stamp run end time", "run_id", rc.runID, "error", err)
	}

	rc.isRunning.Store(false)
	close(stopSampler)
	<-samplerDone

	rc.publishFinalMetrics(ctx, db, endTimeMs, sent)

	if err := db.InsertResults(ctx, rc.runID, rc.collector.Flush()); err != nil {
		slog.Error("failed to flush results", "run_id", rc.runID, "error", err)
	}

	rc.runScriptValidation(ctx, db)

	status := statusCompleted
	if rc.shouldStop.Load() {
		status = statusStopped
	}
	return rc.writeTerminalStatus(ctx, db, status)
}

func (rc *RunContext) fail(ctx context.Context, db Store, cause error) error {
	slog.Error("run failed during config resolution", "run_id", rc.runID, "error", cause)
	rc.isRunning.Store(false)
	_ = db.UpdateRunStatus(ctx, rc.runID, statusFailed)
	_ = db.UpdateRunEndTime(ctx, rc.runID, time.Now().UnixMilli())
	return cause
}

// writeTerminalStatus retries the final status write with bounded
// exponential backoff: every started run must reach exactly one terminal
// status, so a transient store failure here must not silently strand the
// run in Running.
func (rc *RunContext) writeTerminalStatus(ctx context.Context, db Store, status string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 15 * time.Second

	op := func() error { return db.UpdateRunStatus(ctx, rc.runID, status) }
	if err := backoff.Retry(op, eb); err != nil {
		slog.Error("terminal status write exhausted retries", "run_id", rc.runID, "status", status, "error", err)
		return err
	}
	return nil
}

// loopbackAllowed is the default SSRF allowlist: a load generator's whole
// purpose is driving traffic at an operator-supplied target, which is
// routinely a service under test running on the same host, so loopback
// stays open while every other private/metadata range stays blocked.
var loopbackAllowed = []string{"127.0.0.0/8", "::1/128"}

func validateURL(rawConfig []byte) *validation.ValidationReport {
	v := validation.NewSSRFValidator(loopbackAllowed)
	return v.Validate(rawConfig)
}

func parseProxyURL(raw string) *url.URL {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

// eventLoopConfig is the resolved form of model.EventLoopConfig, with
// auto-detected worker count and store-backed defaults applied.
type eventLoopConfig struct {
	NumWorkers    int
	MaxConcurrent int
	MaxPerHost    int
	UserAgent     string
	ProxyURL      string
	DNSCacheTTLS  int64
}

func (rc *RunContext) resolveEventLoopConfig(db Store) eventLoopConfig {
	workers := rc.config.Workers
	if workers <= 0 {
		workers = db.GetConfigInt("workers", 0)
	}
	if workers <= 0 {
		workers = autoWorkerCount()
	}

	return eventLoopConfig{
		NumWorkers:    workers,
		MaxConcurrent: db.GetConfigInt("eventLoopMaxConcurrent", 1000),
		MaxPerHost:    db.GetConfigInt("eventLoopMaxPerHost", 0),
		UserAgent:     "vayu-loadgen/1",
		DNSCacheTTLS:  int64(db.GetConfigInt("dnsCacheTimeout", 300)),
	}
}

// autoWorkerCount resolves a NumWorkers=0 "auto" request to the host's
// logical core count, falling back to runtime.NumCPU if the platform
// counter is unavailable.
func autoWorkerCount() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// buildWorkers constructs one worker.Loop per configured worker, each
// with its own transport.Client and its own pacer. When the run uses a
// ramp load profile, every pacer is a *pacer.Shared so the Ramp strategy
// can retarget them at runtime; otherwise each worker gets a cheaper
// single-goroutine-owned *pacer.Unlocked.
func (rc *RunContext) buildWorkers(elc eventLoopConfig, opts transport.Options) ([]*pacer.Shared, []dispatcher.WorkerLoop) {
	perWorkerRPS := rc.config.TargetRPS / float64(max1(elc.NumWorkers))
	useRamp := len(rc.config.Ramp) > 0

	workers := make([]dispatcher.WorkerLoop, 0, elc.NumWorkers)
	var shared []*pacer.Shared

	for i := 0; i < elc.NumWorkers; i++ {
		var p pacer.Pacer
		if useRamp {
			sp, _ := pacer.NewShared(interpolateStart(rc.config.Ramp))
			shared = append(shared, sp)
			p = sp
		} else {
			up, _ := pacer.NewUnlocked(perWorkerRPS)
			p = up
		}

		client := transport.NewClient(opts)
		traced := newTracingTransport(client, rc.runID, fmt.Sprintf("worker-%d", i))
		loop := worker.New(worker.LoopConfig{MaxConcurrent: elc.MaxConcurrent}, traced, p)
		workers = append(workers, loop)
	}

	return shared, workers
}

func interpolateStart(points []model.RampPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	return points[0].TargetRPS
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func collectorConfig(cfg *model.RunConfig) metrics.Config {
	expected := cfg.Iterations
	c := metrics.DefaultConfig(expected)
	c.SuccessSampleRate = cfg.SuccessSampleRate
	c.StoreSuccessTrace = cfg.SaveTimingBreakdown
	c.MaxResponseSamples = cfg.MaxResponseSamples
	c.ResponseSampleRate = cfg.ResponseSampleRate
	return c
}

// buildStrategy selects the load strategy variant per the run's mode:
// a ramp profile always wins (it is an open-loop run with a time-varying
// rate), then iterations-mode selects ClosedLoop, and duration-mode
// selects OpenLoop.
func (rc *RunContext) buildStrategy(elc eventLoopConfig, sharedPacers []*pacer.Shared) strategy.Strategy {
	cfg := rc.config
	switch {
	case len(cfg.Ramp) > 0:
		return strategy.Ramp{
			DurationS:       cfg.DurationS,
			Points:          cfg.Ramp,
			Pacers:          sharedPacers,
			SlowThresholdMs: cfg.SlowThresholdMs,
			SampleResponses: cfg.Tests != "",
		}
	case cfg.Mode == model.ModeIterations:
		concurrency := cfg.Concurrency
		if concurrency <= 0 {
			concurrency = elc.NumWorkers
		}
		return strategy.ClosedLoop{
			Iterations:      cfg.Iterations,
			Concurrency:     concurrency,
			SlowThresholdMs: cfg.SlowThresholdMs,
			SampleResponses: cfg.Tests != "",
		}
	default:
		return strategy.OpenLoop{
			DurationS:       cfg.DurationS,
			SlowThresholdMs: cfg.SlowThresholdMs,
			SampleResponses: cfg.Tests != "",
		}
	}
}

// runSampler emits the run's periodic telemetry: every interval, it
// batch-inserts the current rps/error-rate/active-connection/requests
// snapshot. It exits as soon as stop is closed, which Execute does right
// after is_running flips false, so the last tick it can observe is the
// one immediately preceding quiescence.
func (rc *RunContext) runSampler(db Store, disp *dispatcher.Dispatcher, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if rc.shouldStop.Load() {
				return
			}
			elapsed := time.Since(start).Seconds()
			stats := rc.collector.GetCurrentStats(disp.ActiveCount(), elapsed)
			now := time.Now().UnixMilli()
			batch := []store.Metric{
				{RunID: rc.runID, TimestampMs: now, Name: "rps", Value: stats.CurrentRPS},
				{RunID: rc.runID, TimestampMs: now, Name: "error_rate", Value: stats.ErrorRatePct},
				{RunID: rc.runID, TimestampMs: now, Name: "connections_active", Value: float64(stats.Active)},
				{RunID: rc.runID, TimestampMs: now, Name: "requests_sent", Value: float64(stats.TotalRequests)},
			}
			if err := db.AddMetricsBatch(context.Background(), batch); err != nil {
				slog.Warn("sampler metrics flush failed", "run_id", rc.runID, "error", err)
			}
		}
	}
}

// publishFinalMetrics computes the run's closing statistics and persists
// them in a single batch, including the completed=1 sentinel every
// started run must eventually emit exactly once.
func (rc *RunContext) publishFinalMetrics(ctx context.Context, db Store, endTimeMs int64, sent int64) {
	elapsed := float64(endTimeMs-rc.startTimeMs) / 1000
	stats := rc.collector.GetCurrentStats(0, elapsed)
	pct := rc.collector.CalculatePercentiles()

	statusCodes, _ := json.Marshal(rc.collector.StatusCodeCounts())

	batch := []store.Metric{
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "total_requests", Value: float64(stats.TotalRequests)},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "error_rate", Value: stats.ErrorRatePct},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "latency_avg", Value: stats.MeanLatencyMs},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "latency_p50", Value: pct.P50},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "latency_p75", Value: pct.P75},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "latency_p90", Value: pct.P90},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "latency_p95", Value: pct.P95},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "latency_p99", Value: pct.P99},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "latency_p999", Value: pct.P999},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "rps", Value: float64(sent) / max1f(elapsed)},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "test_duration", Value: elapsed},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "requests_sent", Value: float64(sent)},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "status_codes", Value: 0, Labels: string(statusCodes)},
		{RunID: rc.runID, TimestampMs: endTimeMs, Name: "completed", Value: 1},
	}
	if err := db.AddMetricsBatch(ctx, batch); err != nil {
		slog.Error("failed to publish final metrics", "run_id", rc.runID, "error", err)
	}
}

func max1f(f float64) float64 {
	if f <= 0 {
		return 1
	}
	return f
}

// runScriptValidation replays the run's sampled responses against its
// test script, if one was configured and at least one sample survived
// the collector's sampling rate, and persists the aggregate verdict as a
// final set of metrics plus one result record carrying any failures.
func (rc *RunContext) runScriptValidation(ctx context.Context, db Store) {
	script := rc.config.Tests
	if script == "" {
		return
	}
	samples := rc.collector.ResponseSamples()
	if len(samples) == 0 {
		return
	}

	now := time.Now().UnixMilli()
	_ = db.AddMetricsBatch(ctx, []store.Metric{
		{RunID: rc.runID, TimestampMs: now, Name: "tests_validating", Value: 1},
		{RunID: rc.runID, TimestampMs: now, Name: "tests_sampled", Value: float64(len(samples))},
	})

	summary := validator.Validate(rc.config.Request, script, samples, 0)

	batch := []store.Metric{
		{RunID: rc.runID, TimestampMs: now, Name: "tests_passed", Value: float64(summary.TestsPassed)},
		{RunID: rc.runID, TimestampMs: now, Name: "tests_failed", Value: float64(summary.TestsFailed)},
	}
	if err := db.AddMetricsBatch(ctx, batch); err != nil {
		slog.Error("failed to publish script validation metrics", "run_id", rc.runID, "error", err)
	}

	if summary.TestsFailed > 0 {
		trace, _ := json.Marshal(summary.Failures)
		record := model.ResultRecord{
			RunID:      rc.runID,
			Timestamp:  time.Now(),
			StatusCode: 0,
			Error:      &model.Error{Code: model.ErrScript, Message: "script validation failures"},
			BodySample: string(trace),
		}
		if err := db.InsertResults(ctx, rc.runID, []model.ResultRecord{record}); err != nil {
			slog.Error("failed to persist script validation failures", "run_id", rc.runID, "error", err)
		}
	}
}
