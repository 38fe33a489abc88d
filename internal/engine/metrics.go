package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/rideon/internal/ir"
)

// instrumentationName scopes every meter and tracer this package creates.
const instrumentationName = "github.com/roach88/rideon/internal/engine"

type instruments struct {
	processed metric.Int64Counter
	completed metric.Int64Counter
	retries   metric.Int64Counter
	discarded metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments(m metric.Meter) (*instruments, error) {
	processed, err := m.Int64Counter("rideon.events.processed",
		metric.WithDescription("Observations handled, by kind and outcome"))
	if err != nil {
		return nil, err
	}
	completed, err := m.Int64Counter("rideon.visits.completed",
		metric.WithDescription("Visits finalized after every sink accepted them"))
	if err != nil {
		return nil, err
	}
	retries, err := m.Int64Counter("rideon.step.retries",
		metric.WithDescription("Step attempts that failed and were scheduled again"))
	if err != nil {
		return nil, err
	}
	discarded, err := m.Int64Counter("rideon.events.discarded",
		metric.WithDescription("Observations dropped because the entity is tombstoned"))
	if err != nil {
		return nil, err
	}
	duration, err := m.Float64Histogram("rideon.step.duration",
		metric.WithDescription("Wall time of a step including retries"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &instruments{
		processed: processed,
		completed: completed,
		retries:   retries,
		discarded: discarded,
		duration:  duration,
	}, nil
}

func (in *instruments) record(ctx context.Context, kind ir.Kind, outcome Outcome, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("outcome", outcome.String()),
	)
	in.processed.Add(ctx, 1, attrs)
	in.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)

	switch outcome {
	case OutcomeCompleted:
		in.completed.Add(ctx, 1)
	case OutcomeDiscarded:
		in.discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	}
}

func (in *instruments) retried(ctx context.Context, kind ir.Kind) {
	in.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}
