// Package strategy implements the load strategy component: the single
// execute(ctx, sink, request) operation the run supervisor invokes to
// drive traffic, in its open-loop, closed-loop and ramp variants.
package strategy

import (
	"context"
	"encoding/json"

	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/pacer"
)

// Sink is the subset of metrics.RunCollector the load strategy's transfer
// callback reports into. It must be safe to call concurrently from any
// worker goroutine.
type Sink interface {
	RecordSuccess(status int, latencyMs int64, trace string)
	RecordError(code model.ErrorCode, message, trace string)
	RecordResponseSample(resp model.Response)
}

// Submitter is the subset of dispatcher.Dispatcher a strategy needs to
// push transfers into the worker pool.
type Submitter interface {
	Submit(tc *model.TransferContext) bool
}

// Strategy is the load strategy's single operation.
type Strategy interface {
	Execute(ctx context.Context, sink Sink, submitter Submitter, request *model.Request) (sent int64, err error)
}

type successTrace struct {
	DNSMs       int64 `json:"dns_ms"`
	ConnectMs   int64 `json:"connect_ms"`
	TLSMs       int64 `json:"tls_ms"`
	FirstByteMs int64 `json:"first_byte_ms"`
	DownloadMs  int64 `json:"download_ms"`
	TotalMs     int64 `json:"total_ms"`
	Slow        bool  `json:"slow"`
}

type errorTrace struct {
	Code    string `json:"code"`
	Label   string `json:"label"`
	Message string `json:"message"`
	Ordinal int64  `json:"ordinal"`
}

// recordOutcome is the shared callback contract every strategy variant
// wires onto a TransferContext's OnComplete: it reports the outcome to
// sink, building the opaque trace content the spec assigns to each
// terminal state, and optionally captures a response sample for the
// script validator.
func recordOutcome(tc *model.TransferContext, sink Sink, ordinal int64, slowThresholdMs int64, sampleResponses bool) {
	if tc.Err != nil {
		trace, _ := json.Marshal(errorTrace{
			Code:    string(tc.Err.Code),
			Label:   string(tc.Err.Code),
			Message: tc.Err.Message,
			Ordinal: ordinal,
		})
		sink.RecordError(tc.Err.Code, tc.Err.Message, string(trace))
		return
	}

	resp := tc.Response
	slow := slowThresholdMs > 0 && resp.Timing.TotalMs >= slowThresholdMs
	trace, _ := json.Marshal(successTrace{
		DNSMs:       resp.Timing.DNSMs,
		ConnectMs:   resp.Timing.ConnectMs,
		TLSMs:       resp.Timing.TLSMs,
		FirstByteMs: resp.Timing.FirstByteMs,
		DownloadMs:  resp.Timing.DownloadMs,
		TotalMs:     resp.Timing.TotalMs,
		Slow:        slow,
	})
	sink.RecordSuccess(resp.StatusCode, resp.Timing.TotalMs, string(trace))

	if sampleResponses {
		sink.RecordResponseSample(*resp)
	}
}

// sharedPacers lets the ramp variant reach into each worker's rate
// limiter; it is satisfied by a slice of *pacer.Shared built by the run
// supervisor when the run config carries ramp points.
type sharedPacers []*pacer.Shared

func (p sharedPacers) setTargetRPS(rps float64) {
	for _, s := range p {
		s.UpdateTargetRPS(rps)
	}
}
