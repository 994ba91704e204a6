package model

import "time"

// TestResult is the outcome of a single named assertion evaluated against a
// completed transfer by the script validator.
type TestResult struct {
	Name         string
	Passed       bool
	ErrorMessage string
}

// ScriptResult is the full output of running a transfer's test script: the
// pass/fail verdict for each assertion. The script environment has no
// print/log builtin, and the script validator leaves ConsoleOutput empty.
type ScriptResult struct {
	Success       bool
	Tests         []TestResult
	ConsoleOutput []string
	ErrorMessage  string
}

// ResultRecord is one completed transfer as persisted by the metrics
// sampler / store, combining the transfer outcome with its script
// validation (if any tests were configured).
type ResultRecord struct {
	RunID       string
	Timestamp   time.Time
	SequenceNum uint64
	StatusCode  int
	LatencyMs   int64
	Timing      Timing
	Error       *Error
	Script      *ScriptResult
	BodySample  string
}
