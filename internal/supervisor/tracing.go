package supervisor

import (
	"context"
	"time"

	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/otel"
	"github.com/vayu-load/vayu/internal/worker"
)

// tracingTransport wraps a worker.Transport with the process-wide OpenTelemetry
// tracer and metrics, both of which are no-ops until the entrypoint enables
// them. Every transfer gets a client-kind span plus a latency/error recording,
// regardless of whether an exporter is actually attached.
type tracingTransport struct {
	next     worker.Transport
	runID    string
	workerID string
}

func newTracingTransport(next worker.Transport, runID string, workerID string) *tracingTransport {
	return &tracingTransport{next: next, runID: runID, workerID: workerID}
}

func (t *tracingTransport) Do(ctx context.Context, req *model.Request) (*model.Response, *model.Error) {
	tracer := otel.GetGlobalTracer()
	metricsSink := otel.GetGlobalMetrics()

	spanCtx, span := tracer.StartOperationSpan(ctx, otel.OperationSpanOptions{
		RunID:     t.runID,
		WorkerID:  t.workerID,
		Operation: "request",
		Method:    req.Method,
	})

	start := time.Now()
	resp, errInfo := t.next.Do(spanCtx, req)
	latencyMs := float64(time.Since(start).Milliseconds())

	success := errInfo == nil
	if !success {
		otel.RecordError(span, errorFor(errInfo), string(errInfo.Code), false)
		metricsSink.RecordError(ctx, string(errInfo.Code))
	}
	metricsSink.RecordOperationLatency(ctx, "request", req.Method, latencyMs, success)
	span.End()

	return resp, errInfo
}

func errorFor(e *model.Error) error {
	return &transferError{e}
}

type transferError struct{ e *model.Error }

func (t *transferError) Error() string { return t.e.Message }
