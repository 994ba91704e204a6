package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RunMode selects the load strategy a run executes.
type RunMode string

const (
	ModeDuration   RunMode = "duration"
	ModeIterations RunMode = "iterations"
)

// RampPoint is one piecewise-linear breakpoint in a ramp load profile:
// at elapsed second AtS, the target rate becomes TargetRPS.
type RampPoint struct {
	AtS       float64
	TargetRPS float64
}

// EventLoopConfig configures one run's worker pool: how many workers to
// run, how each worker paces and bounds its own concurrency, and the
// ambient transport settings shared by every worker.
type EventLoopConfig struct {
	NumWorkers        int // 0 = auto (host core count)
	MaxConcurrent     int
	MaxPerHost        int
	UserAgent         string
	Verbose           bool
	ProxyURL          string
	PollTimeoutMs     int64
	DNSCacheTTLS      int64
	TargetRPS         float64 // 0 = unlimited
	BurstSize         int     // 0 = 2x TargetRPS; the worker pacers always use 2x TargetRPS and do not read this field
}

// RunConfig is the deserialized form of the JSON control-plane document
// passed to start_run, matching schemas/run-config/v1.json.
type RunConfig struct {
	Request             *Request
	Mode                RunMode
	DurationS           float64
	Iterations          int
	TargetRPS           float64
	Concurrency         int
	Workers             int
	SuccessSampleRate   int
	SaveTimingBreakdown bool
	SlowThresholdMs     int64
	MaxResponseSamples  int
	ResponseSampleRate  int
	Tests               string
	Verbose              bool
	Ramp                 []RampPoint
}

type rawBody struct {
	Mode    string `json:"mode"`
	Content string `json:"content"`
}

type rawRequest struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers"`
	Body            rawBody           `json:"body"`
	Timeout         float64           `json:"timeout"`
	FollowRedirects *bool             `json:"followRedirects"`
	MaxRedirects    *int              `json:"maxRedirects"`
	VerifySSL       *bool             `json:"verifySSL"`
	Tests           string            `json:"tests"`
}

type rawRampPoint struct {
	AtS       float64 `json:"at_s"`
	TargetRPS float64 `json:"target_rps"`
}

type rawRunConfig struct {
	Request              rawRequest     `json:"request"`
	Mode                 string         `json:"mode"`
	Duration             string         `json:"duration"`
	Iterations           int            `json:"iterations"`
	RPS                  *float64       `json:"rps"`
	TargetRPS            *float64       `json:"targetRps"`
	Concurrency          int            `json:"concurrency"`
	Timeout              float64        `json:"timeout"`
	Workers              int            `json:"workers"`
	SuccessSampleRate    int            `json:"success_sample_rate"`
	SaveTimingBreakdown  bool           `json:"save_timing_breakdown"`
	SlowThresholdMs      int64          `json:"slow_threshold_ms"`
	MaxResponseSamples   int            `json:"max_response_samples"`
	ResponseSampleRate   int            `json:"response_sample_rate"`
	Tests                string         `json:"tests"`
	Verbose              bool           `json:"verbose"`
	Ramp                 *struct {
		Points []rawRampPoint `json:"points"`
	} `json:"ramp"`
}

// ParseRunConfig deserializes the control plane's JSON run configuration,
// applying the spec's field defaults. Callers are expected to have already
// schema-validated data; ParseRunConfig returns an error only when a field
// it needs is itself malformed (e.g. an unparsable duration suffix).
func ParseRunConfig(data []byte) (*RunConfig, error) {
	var raw rawRunConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse run config: %w", err)
	}

	req := &Request{
		Method:          strings.ToUpper(raw.Request.Method),
		URL:             raw.Request.URL,
		Headers:         Headers(raw.Request.Headers),
		TimeoutMs:       int64(raw.Request.Timeout * 1000),
		FollowRedirects: true,
		MaxRedirects:    10,
		VerifySSL:       true,
		Tests:           raw.Request.Tests,
	}
	if raw.Request.Body.Mode != "" {
		req.Body = Body{Mode: BodyMode(raw.Request.Body.Mode), Content: raw.Request.Body.Content}
	}
	if raw.Request.FollowRedirects != nil {
		req.FollowRedirects = *raw.Request.FollowRedirects
	}
	if raw.Request.MaxRedirects != nil {
		req.MaxRedirects = *raw.Request.MaxRedirects
	}
	if raw.Request.VerifySSL != nil {
		req.VerifySSL = *raw.Request.VerifySSL
	}
	if raw.Timeout > 0 {
		req.TimeoutMs = int64(raw.Timeout * 1000)
	}

	tests := raw.Tests
	if tests == "" {
		tests = req.Tests
	}

	cfg := &RunConfig{
		Request:             req,
		Mode:                ModeDuration,
		Iterations:          raw.Iterations,
		Concurrency:         raw.Concurrency,
		Workers:             raw.Workers,
		SuccessSampleRate:   100,
		SaveTimingBreakdown: raw.SaveTimingBreakdown,
		SlowThresholdMs:     1000,
		MaxResponseSamples:  1000,
		ResponseSampleRate:  100,
		Tests:               tests,
		Verbose:             raw.Verbose,
	}

	if raw.Mode != "" {
		cfg.Mode = RunMode(raw.Mode)
	} else if raw.Iterations > 0 {
		cfg.Mode = ModeIterations
	}

	if raw.SuccessSampleRate > 0 {
		cfg.SuccessSampleRate = raw.SuccessSampleRate
	}
	if raw.SlowThresholdMs > 0 {
		cfg.SlowThresholdMs = raw.SlowThresholdMs
	}
	if raw.MaxResponseSamples > 0 {
		cfg.MaxResponseSamples = raw.MaxResponseSamples
	}
	if raw.ResponseSampleRate > 0 {
		cfg.ResponseSampleRate = raw.ResponseSampleRate
	}

	switch {
	case raw.TargetRPS != nil:
		cfg.TargetRPS = *raw.TargetRPS
	case raw.RPS != nil:
		cfg.TargetRPS = *raw.RPS
	}

	if raw.Duration != "" {
		seconds, err := parseDurationSeconds(raw.Duration)
		if err != nil {
			return nil, err
		}
		cfg.DurationS = seconds
	}

	if raw.Ramp != nil {
		for _, p := range raw.Ramp.Points {
			cfg.Ramp = append(cfg.Ramp, RampPoint{AtS: p.AtS, TargetRPS: p.TargetRPS})
		}
	}

	return cfg, nil
}

// parseDurationSeconds accepts the control plane's "<N>s" duration
// encoding and returns N as seconds.
func parseDurationSeconds(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "s") {
		s = strings.TrimSuffix(s, "s")
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return seconds, nil
}

// GetConfigInt implements the control plane's get_config_int(key, default)
// contract against ambient event-loop tuning keys that do not appear in
// the run config body itself.
func GetConfigInt(settings map[string]int, key string, def int) int {
	if settings == nil {
		return def
	}
	if v, ok := settings[key]; ok {
		return v
	}
	return def
}
