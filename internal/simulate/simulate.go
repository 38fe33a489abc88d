// Package simulate generates patron traffic: every patron enters now and
// leaves up to an hour later, and both observations are published
// concurrently so they reach the engine in either order.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/rideon/internal/ir"
)

// DefaultConcurrency bounds in-flight publishes per loop.
const DefaultConcurrency = 16

// maxStay is the exclusive upper bound on a simulated visit, in minutes.
const maxStay = 60

// Ingress accepts observations. natsjs.Client implements it; IngressFunc
// adapts anything else, such as an in-process router.
type Ingress interface {
	PublishObservation(ctx context.Context, obs ir.Observation) error
}

// IngressFunc adapts a function to Ingress.
type IngressFunc func(ctx context.Context, obs ir.Observation) error

// PublishObservation implements Ingress.
func (f IngressFunc) PublishObservation(ctx context.Context, obs ir.Observation) error {
	return f(ctx, obs)
}

// Generator publishes simulated visits.
type Generator struct {
	Ingress Ingress

	// Limiter paces publishes. Nil means unlimited.
	Limiter *rate.Limiter

	// Concurrency bounds in-flight publishes. Zero means DefaultConcurrency.
	Concurrency int

	// Now stamps Entered observations. Nil means time.Now.
	Now func() time.Time

	// Rand picks stay lengths. Nil means a time-seeded source.
	Rand *rand.Rand

	// IDs names patrons and deliveries. Nil means UUIDv7.
	IDs IDGenerator

	Logger *slog.Logger

	randMu sync.Mutex
}

// Report summarizes a Run.
type Report struct {
	Loops        int
	Patrons      int
	Published    int64
	Failed       int64
	FaultedLoops int
	Elapsed      time.Duration
}

// Run publishes loops passes of patrons visits each. A loop in which any
// publish fails is logged and counted, and the next loop still runs. Run only
// returns early when ctx ends.
func (g *Generator) Run(ctx context.Context, patrons, loops int) (Report, error) {
	if g.Ingress == nil {
		return Report{}, errors.New("simulate: ingress is required")
	}
	if patrons < 1 || loops < 1 {
		return Report{}, fmt.Errorf("simulate: patrons and loops must be positive (got %d, %d)", patrons, loops)
	}

	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("running simulation", "loops", loops, "patrons", patrons)

	report := Report{Loops: loops, Patrons: patrons}
	start := time.Now()

	var published, failed atomic.Int64
	for pass := 0; pass < loops; pass++ {
		if err := ctx.Err(); err != nil {
			report.Published, report.Failed = published.Load(), failed.Load()
			report.Elapsed = time.Since(start)
			return report, err
		}
		if err := g.loop(ctx, patrons, &published, &failed); err != nil {
			if ctx.Err() != nil {
				report.Published, report.Failed = published.Load(), failed.Load()
				report.Elapsed = time.Since(start)
				return report, ctx.Err()
			}
			report.FaultedLoops++
			logger.Error("loop faulted", "loop", pass+1, "error", err)
		}
	}

	report.Published, report.Failed = published.Load(), failed.Load()
	report.Elapsed = time.Since(start)
	logger.Info("simulation finished",
		"published", report.Published,
		"failed", report.Failed,
		"faulted_loops", report.FaultedLoops,
		"elapsed", report.Elapsed)
	return report, nil
}

func (g *Generator) loop(ctx context.Context, patrons int, published, failed *atomic.Int64) error {
	ids := g.IDs
	if ids == nil {
		ids = UUIDv7{}
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	limit := g.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for i := 0; i < patrons; i++ {
		id := ir.EntityID(ids.Generate())
		enteredAt := now()
		leftAt := enteredAt.Add(time.Duration(g.stay()) * time.Minute)

		for _, obs := range []ir.Observation{
			{EntityID: id, Kind: ir.KindEntered, Timestamp: enteredAt, DeliveryID: ids.Generate()},
			{EntityID: id, Kind: ir.KindLeft, Timestamp: leftAt, DeliveryID: ids.Generate()},
		} {
			eg.Go(func() error {
				if g.Limiter != nil {
					if err := g.Limiter.Wait(ctx); err != nil {
						return err
					}
				}
				if err := g.Ingress.PublishObservation(ctx, obs); err != nil {
					failed.Add(1)
					return fmt.Errorf("publish %s for %s: %w", obs.Kind, obs.EntityID, err)
				}
				published.Add(1)
				return nil
			})
		}
	}
	return eg.Wait()
}

// stay returns a stay length in [0, maxStay) minutes.
func (g *Generator) stay() int {
	g.randMu.Lock()
	defer g.randMu.Unlock()
	if g.Rand == nil {
		g.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return g.Rand.Intn(maxStay)
}

// ParsePrompt reads "patrons" or "patrons,loops" from an interactive line.
// Unparseable numbers count as 1. ok is false for a blank line, which ends
// the prompt loop.
func ParsePrompt(line string) (patrons, loops int, ok bool) {
	if strings.TrimSpace(line) == "" {
		return 0, 0, false
	}

	atoiOr1 := func(s string) int {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 1
		}
		return n
	}

	loops = 1
	segments := strings.Split(line, ",")
	if len(segments) == 2 {
		return atoiOr1(segments[0]), atoiOr1(segments[1]), true
	}
	return atoiOr1(line), loops, true
}
