package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/rideon/internal/emit"
	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/retry"
	"github.com/roach88/rideon/internal/saga"
	"github.com/roach88/rideon/internal/store"
)

// DefaultTombstoneTTL is how long a finalized entity keeps discarding late
// duplicates before a new observation starts a fresh visit.
const DefaultTombstoneTTL = 10 * time.Minute

// Outcome classifies what a step did with an observation.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	// OutcomeTracked means the record was persisted and is still waiting.
	OutcomeTracked
	// OutcomeCompleted means the visit was emitted to every sink and finalized.
	OutcomeCompleted
	// OutcomeDiscarded means the entity was tombstoned and nothing changed.
	OutcomeDiscarded
	// OutcomeRejected means the observation was malformed.
	OutcomeRejected
	// OutcomeFailed means the retry schedule ran out or the context ended.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTracked:
		return "tracked"
	case OutcomeCompleted:
		return "completed"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes one handled observation.
type Result struct {
	// Seq numbers steps in the order Handle was entered.
	Seq      int64
	Outcome  Outcome
	Attempts int

	// Visit is set when the step finalized a visit.
	Visit *ir.VisitCompleted
}

// Engine applies observations to visit records and performs the effects the
// state machine asks for.
//
// Handle is safe to call from many goroutines, but two concurrent calls for
// the same entity race on the record version and one of them spends retries
// on ErrVersionConflict. The Router avoids that by giving every entity a
// single lane.
type Engine struct {
	visits       store.VisitStore
	tombstones   store.TombstoneStore
	emitter      *emit.Emitter
	retry        retry.Policy
	tombstoneTTL time.Duration
	now          func() time.Time
	logger       *slog.Logger
	meter        metric.Meter
	tracer       trace.Tracer
	metrics      *instruments
	seq          atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy replaces the default 20/50/100/1000/5000ms schedule.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithTombstoneTTL sets how long finalized entities are remembered.
// Zero disables tombstones: a late duplicate then starts a new visit.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.tombstoneTTL = ttl
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMeter sets the meter used for step metrics. Default: the global provider.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) {
		e.meter = m
	}
}

// WithTracer sets the tracer used for step spans. Default: the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithClock sets the wall clock stamped into VisitRecord.UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine. tombstones may be nil, which behaves like a zero TTL.
func New(visits store.VisitStore, tombstones store.TombstoneStore, emitter *emit.Emitter, opts ...Option) (*Engine, error) {
	if visits == nil {
		return nil, errors.New("engine: visit store is required")
	}
	if emitter == nil {
		return nil, errors.New("engine: emitter is required")
	}

	e := &Engine{
		visits:       visits,
		tombstones:   tombstones,
		emitter:      emitter,
		retry:        retry.Default(),
		tombstoneTTL: DefaultTombstoneTTL,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.meter == nil {
		e.meter = otel.Meter(instrumentationName)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	m, err := newInstruments(e.meter)
	if err != nil {
		return nil, fmt.Errorf("engine: create instruments: %w", err)
	}
	e.metrics = m

	return e, nil
}

// Handle runs one step for obs under the retry policy.
//
// A malformed observation fails immediately with ErrCodeMalformedEvent. A
// step that keeps failing returns ErrCodeRetriesExhausted once the schedule
// is spent. A nil error means the observation is durably applied: it is
// either tracked, finalized or discarded as a duplicate.
func (e *Engine) Handle(ctx context.Context, obs ir.Observation) (Result, error) {
	res := Result{Seq: e.seq.Add(1)}
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "rideon.step", trace.WithAttributes(
		attribute.String("rideon.entity_id", string(obs.EntityID)),
		attribute.String("rideon.kind", obs.Kind.String()),
		attribute.Int64("rideon.seq", res.Seq),
	))
	defer span.End()

	if err := obs.Validate(); err != nil {
		res.Outcome = OutcomeRejected
		rerr := NewMalformedError(obs, err)
		e.finishStep(ctx, span, obs, res, rerr, start)
		return res, rerr
	}

	policy := e.retry
	policy.Notify = func(attempt int, err error, wait time.Duration) {
		e.metrics.retried(ctx, obs.Kind)
		e.logger.Warn("step attempt failed",
			"entity_id", obs.EntityID,
			"kind", obs.Kind,
			"attempt", attempt,
			"retry_in", wait,
			"error", err)
	}

	// emitted is the visit an earlier attempt delivered, kept so that a retry
	// which only finds the tombstone still reports the completion.
	var emitted *ir.VisitCompleted
	err := policy.Do(ctx, func(ctx context.Context) error {
		res.Attempts++
		outcome, visit, err := e.step(ctx, obs)
		if visit != nil {
			emitted = visit
		}
		if outcome == OutcomeDiscarded && emitted != nil {
			outcome, visit = OutcomeCompleted, emitted
		}
		if err != nil {
			visit = nil
		}
		res.Outcome, res.Visit = outcome, visit
		return err
	})

	if err != nil {
		res.Visit = nil
		switch {
		case retry.IsExhausted(err):
			res.Outcome = OutcomeFailed
			err = NewExhaustedError(obs, res.Attempts, err)
		case IsMalformed(err):
			res.Outcome = OutcomeRejected
		default:
			res.Outcome = OutcomeFailed
			err = fmt.Errorf("handle %s for %s: %w", obs.Kind, obs.EntityID, err)
		}
	}

	e.finishStep(ctx, span, obs, res, err, start)
	return res, err
}

// step is one attempt: load, transition, persist, emit and finalize.
// Every attempt starts from the stored record so a retry never works on a
// stale version.
func (e *Engine) step(ctx context.Context, obs ir.Observation) (Outcome, *ir.VisitCompleted, error) {
	var current *saga.VisitRecord
	rec, err := e.visits.Load(ctx, obs.EntityID)
	switch {
	case err == nil:
		current = &rec
	case errors.Is(err, store.ErrNotFound):
	default:
		return OutcomeFailed, nil, newStoreError("load", obs.EntityID, err)
	}

	if e.tombstones != nil {
		dead, err := e.tombstones.Has(ctx, obs.EntityID)
		if err != nil {
			return OutcomeFailed, nil, newStoreError("tombstone lookup", obs.EntityID, err)
		}
		if dead {
			// A record under a live tombstone is a finalize that stopped
			// before Remove succeeded.
			if current == nil || !current.PendingCompletion() {
				return OutcomeDiscarded, nil, nil
			}
			return e.finishPending(ctx, *current)
		}
	}

	next, effects, err := saga.Apply(current, obs, e.now())
	if err != nil {
		return OutcomeRejected, nil, retry.Permanent(NewMalformedError(obs, err))
	}

	if _, ok := saga.HasEffect(effects, saga.EffectPersist); ok {
		if err := e.visits.Save(ctx, next); err != nil {
			return OutcomeFailed, nil, newStoreError("save", obs.EntityID, err)
		}
	}

	emitEffect, ok := saga.HasEffect(effects, saga.EffectEmit)
	if !ok {
		e.logger.Debug("observation tracked",
			"entity_id", obs.EntityID,
			"kind", obs.Kind,
			"status", next.Status,
			"version", next.Version)
		return OutcomeTracked, nil, nil
	}

	visit := emitEffect.Visit
	if err := e.complete(ctx, next, visit); err != nil {
		return OutcomeFailed, &visit, err
	}
	return OutcomeCompleted, &visit, nil
}

// finishPending completes rec without applying the observation.
func (e *Engine) finishPending(ctx context.Context, rec saga.VisitRecord) (Outcome, *ir.VisitCompleted, error) {
	visit, err := rec.Visit()
	if err != nil {
		return OutcomeFailed, nil, retry.Permanent(fmt.Errorf("rebuild visit for %s: %w", rec.EntityID, err))
	}
	if err := e.complete(ctx, rec, visit); err != nil {
		return OutcomeFailed, &visit, err
	}
	return OutcomeCompleted, &visit, nil
}

// complete delivers visit to every sink missing from rec.Delivered and then
// finalizes the entity.
//
// Progress is saved after every partial delivery so a retry, a duplicate or a
// restart only calls the sinks that have not accepted the visit yet.
func (e *Engine) complete(ctx context.Context, rec saga.VisitRecord, visit ir.VisitCompleted) error {
	if !e.emitter.Done(rec.Delivered) {
		delivered, emitErr := e.emitter.Emit(ctx, visit, rec.Delivered)
		if len(delivered) != len(rec.Delivered) {
			rec.Delivered = delivered
			rec.Version++
			rec.UpdatedAt = e.now()
			if err := e.visits.Save(ctx, rec); err != nil {
				return newStoreError("save delivered", rec.EntityID, errors.Join(err, emitErr))
			}
		}
		if emitErr != nil {
			return newEmitError(rec.EntityID, delivered, emitErr)
		}
	}
	return e.finalize(ctx, rec.EntityID, visit)
}

// finalize tombstones the entity and removes its record. The tombstone is
// written first so a crash between the two calls cannot reopen the visit.
func (e *Engine) finalize(ctx context.Context, id ir.EntityID, visit ir.VisitCompleted) error {
	if e.tombstones != nil && e.tombstoneTTL > 0 {
		if err := e.tombstones.Mark(ctx, id, e.tombstoneTTL); err != nil {
			return newStoreError("tombstone", id, err)
		}
	}
	if err := e.visits.Remove(ctx, id); err != nil {
		return newStoreError("remove", id, err)
	}

	e.logger.Info("visit completed",
		"entity_id", id,
		"visit_id", visit.VisitID,
		"entered", ir.FormatTime(visit.Entered),
		"left", ir.FormatTime(visit.Left),
		"duration", visit.Duration())
	return nil
}

func (e *Engine) finishStep(ctx context.Context, span trace.Span, obs ir.Observation, res Result, err error, start time.Time) {
	span.SetAttributes(
		attribute.String("rideon.outcome", res.Outcome.String()),
		attribute.Int("rideon.attempts", res.Attempts),
	)
	e.metrics.record(ctx, obs.Kind, res.Outcome, time.Since(start))

	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var re *RuntimeError
	if errors.As(err, &re) {
		e.logger.Error("observation processing failed",
			"entity_id", obs.EntityID,
			"kind", obs.Kind,
			"delivery_id", obs.DeliveryID,
			"code", re.Code,
			"attempts", res.Attempts,
			"error", err)
		return
	}
	e.logger.Error("observation processing failed",
		"entity_id", obs.EntityID,
		"kind", obs.Kind,
		"delivery_id", obs.DeliveryID,
		"error", err)
}
