package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vk/stagegrid/internal/run"
)

// Recorder records run lifecycle metrics.
type Recorder struct {
	submitted metric.Int64Counter
	finished  metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewRecorder creates the run instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	submitted, err := meter.Int64Counter("stagegrid.runs.submitted",
		metric.WithDescription("Runs queued, by stage."))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create submitted counter: %w", err)
	}
	finished, err := meter.Int64Counter("stagegrid.runs.finished",
		metric.WithDescription("Runs that reached a terminal state, by stage and status."))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create finished counter: %w", err)
	}
	duration, err := meter.Float64Histogram("stagegrid.run.duration",
		metric.WithDescription("Time runs spent running."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create duration histogram: %w", err)
	}
	return &Recorder{submitted: submitted, finished: finished, duration: duration}, nil
}

func (r *Recorder) RunSubmitted(ctx context.Context, stageID string) {
	r.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stageID)))
}

func (r *Recorder) RunFinished(ctx context.Context, rr run.Run) {
	attrs := metric.WithAttributes(
		attribute.String("stage", rr.Stage),
		attribute.String("status", string(rr.Status)),
	)
	r.finished.Add(ctx, 1, attrs)
	if d := rr.Duration(); d > 0 {
		r.duration.Record(ctx, d.Seconds(), attrs)
	}
}
