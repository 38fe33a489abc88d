package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/rideon/internal/emit"
	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/partition"
	"github.com/roach88/rideon/internal/retry"
	"github.com/roach88/rideon/internal/store"
	"github.com/roach88/rideon/internal/testutil"
)

// drainTimeout bounds the router shutdown at the end of a scenario.
const drainTimeout = 5 * time.Second

// Harness is the test execution engine.
// It runs one scenario against a fresh in-memory store with a deterministic
// clock, so the same scenario always produces the same trace.
type Harness struct {
	scenario *Scenario
	clock    *testutil.Clock
	mem      *store.Memory
	store    *testutil.FlakyStore
	sinks    []*testutil.FlakySink
	part     *partition.Partitioner
	router   *engine.Router
	logger   *slog.Logger
}

// Policy is the default retry schedule scaled from milliseconds down to
// microseconds. It keeps the attempt count of production while letting
// scenarios that exhaust retries finish quickly.
func Policy() retry.Policy {
	intervals := retry.DefaultIntervals()
	for i := range intervals {
		intervals[i] /= 1000
	}
	return retry.Policy{Intervals: intervals}
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory store for isolation.
//
// Execution flow:
// 1. Create the store, sinks, engine and router
// 2. Inject the scenario's faults
// 3. Process deliveries one at a time, recording the trace
// 4. Drain the router and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}

	if err := h.router.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start router: %w", err)
	}

	result := NewResult()
	result.Sinks = append(result.Sinks, scenario.sinkNames()...)
	runErr := h.deliver(ctx, result)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := h.router.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to drain router: %w", err)
	}
	if runErr != nil {
		return nil, runErr
	}

	for _, id := range h.mem.IDs() {
		result.Open = append(result.Open, string(id))
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	clock := testutil.NewClock(testutil.Epoch)
	mem := store.NewMemory(store.WithClock(clock.Now))
	flaky := testutil.NewFlakyStore(mem)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &Harness{
		scenario: scenario,
		clock:    clock,
		mem:      mem,
		store:    flaky,
		logger:   logger,
	}

	failures := make(map[string]int)
	for _, f := range scenario.Failures {
		if f.Sink != "" {
			if f.Times < 0 || failures[f.Sink] < 0 {
				failures[f.Sink] = -1
			} else {
				failures[f.Sink] += f.Times
			}
			continue
		}
		op, _ := testutil.ParseOp(f.Op)
		flaky.Inject(testutil.Fault{
			Op:         op,
			Entity:     ir.EntityID(f.Entity),
			Times:      f.Times,
			AfterWrite: f.AfterWrite,
		})
	}

	sinks := make([]emit.Sink, 0, len(scenario.sinkNames()))
	for _, name := range scenario.sinkNames() {
		s := testutil.NewFlakySink(name, failures[name])
		h.sinks = append(h.sinks, s)
		sinks = append(sinks, s)
	}
	emitter, err := emit.New(sinks...)
	if err != nil {
		return nil, fmt.Errorf("failed to create emitter: %w", err)
	}

	opts := []engine.Option{
		engine.WithRetryPolicy(Policy()),
		engine.WithClock(clock.Now),
		engine.WithLogger(logger),
	}
	if scenario.TombstoneTTL != "" {
		opts = append(opts, engine.WithTombstoneTTL(offset(scenario.TombstoneTTL)))
	}
	eng, err := engine.New(flaky, flaky, emitter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	parts := scenario.Partitions
	if parts == 0 {
		parts = partition.DefaultCount
	}
	h.part = partition.MustNew(parts)
	h.router = engine.NewRouter(eng, h.part, engine.WithRouterLogger(logger))

	return h, nil
}

// deliver processes every delivery and appends its events to result.
func (h *Harness) deliver(ctx context.Context, result *Result) error {
	seen := make([]int, len(h.sinks))

	for i, d := range h.scenario.Deliveries {
		if d.Advance != "" {
			h.clock.Advance(offset(d.Advance))
		}

		kind, _ := ir.ParseKind(d.Kind)
		obs := ir.Observation{
			EntityID:   ir.EntityID(d.Entity),
			Kind:       kind,
			Timestamp:  testutil.Epoch.Add(offset(d.At)),
			DeliveryID: fmt.Sprintf("%s-%d", h.scenario.Name, i+1),
		}

		res, err := h.router.Process(ctx, obs)
		if err != nil && (errors.Is(err, engine.ErrRouterClosed) || ctx.Err() != nil) {
			return fmt.Errorf("delivery %d: %w", i, err)
		}

		seq := int64(i + 1)
		event := TraceEvent{
			Type:      EventDelivery,
			Seq:       seq,
			Entity:    d.Entity,
			Kind:      kind.String(),
			At:        ir.FormatTime(obs.Timestamp),
			Partition: h.part.PartitionOf(obs.EntityID),
			Outcome:   res.Outcome.String(),
			Attempts:  res.Attempts,
		}
		var re *engine.RuntimeError
		if errors.As(err, &re) {
			event.Code = string(re.Code)
		}
		result.Trace = append(result.Trace, event)

		for j, s := range h.sinks {
			visits := s.Visits()
			for _, v := range visits[seen[j]:] {
				result.Trace = append(result.Trace, TraceEvent{
					Type:       EventEmission,
					Seq:        seq,
					Entity:     string(v.EntityID),
					Partition:  h.part.PartitionOf(v.EntityID),
					Sink:       s.Name(),
					Entered:    ir.FormatTime(v.Entered),
					Left:       ir.FormatTime(v.Left),
					DurationMS: v.Duration().Milliseconds(),
				})
			}
			seen[j] = len(visits)
		}
	}
	return nil
}
