package strategy

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/vayu-load/vayu/internal/model"
	"github.com/vayu-load/vayu/internal/pacer"
)

// tickInterval is how often Ramp re-evaluates its piecewise-linear curve
// and pushes the interpolated rate down to the workers' pacers. Coarse
// relative to a single request, fine relative to the ramp's own points.
const tickInterval = 250 * time.Millisecond

// Ramp drives an open-loop run whose target rate follows a piecewise
// linear curve over elapsed time, rather than a single fixed rate. It
// updates every worker's Shared pacer at each tick rather than gating
// submission itself, so in-flight pacing stays where the worker loop
// owns it.
type Ramp struct {
	DurationS       float64
	Points          []model.RampPoint // sorted by AtS ascending
	Pacers          []*pacer.Shared
	SlowThresholdMs int64
	SampleResponses bool
}

func (r Ramp) Execute(ctx context.Context, sink Sink, submitter Submitter, request *model.Request) (int64, error) {
	points := append([]model.RampPoint(nil), r.Points...)
	sort.Slice(points, func(i, j int) bool { return points[i].AtS < points[j].AtS })

	deadline := time.Now().Add(time.Duration(r.DurationS * float64(time.Second)))
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var sent atomic.Int64
	var ordinal atomic.Int64
	pacers := sharedPacers(r.Pacers)

	submitOnce := func() {
		tc := &model.TransferContext{Request: request}
		tc.OnComplete = func(tc *model.TransferContext) {
			recordOutcome(tc, sink, ordinal.Add(1), r.SlowThresholdMs, r.SampleResponses)
		}
		if submitter.Submit(tc) {
			sent.Add(1)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return sent.Load(), nil
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			pacers.setTargetRPS(interpolate(points, elapsed))
		default:
			submitOnce()
		}
	}
}

// interpolate returns the target rate at elapsed seconds along points, a
// piecewise-linear curve. Before the first point it holds the first
// point's rate; after the last, it holds the last point's rate.
func interpolate(points []model.RampPoint, elapsed float64) float64 {
	if len(points) == 0 {
		return 0
	}
	if elapsed <= points[0].AtS {
		return points[0].TargetRPS
	}
	last := points[len(points)-1]
	if elapsed >= last.AtS {
		return last.TargetRPS
	}
	for i := 1; i < len(points); i++ {
		if elapsed <= points[i].AtS {
			prev := points[i-1]
			span := points[i].AtS - prev.AtS
			if span <= 0 {
				return points[i].TargetRPS
			}
			frac := (elapsed - prev.AtS) / span
			return prev.TargetRPS + frac*(points[i].TargetRPS-prev.TargetRPS)
		}
	}
	return last.TargetRPS
}
