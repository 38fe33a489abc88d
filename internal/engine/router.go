package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/partition"
)

// ErrRouterClosed is returned for observations submitted after Shutdown, and
// for queued observations abandoned when the drain window ran out.
var ErrRouterClosed = errors.New("router is shut down")

// Handler applies a single observation. *Engine implements it.
type Handler interface {
	Handle(ctx context.Context, obs ir.Observation) (Result, error)
}

// Router fans observations out to one lane per partition.
//
// Every entity hashes to exactly one lane and every lane is served by exactly
// one goroutine, so observations for an entity are handled one at a time in
// submission order while unrelated entities proceed in parallel. A slow or
// retrying entity only delays the entities sharing its lane.
//
// Thread-safety model:
//   - Submit(), Process(), Stats(): safe from any goroutine
//   - Start(), Shutdown(): call once each
type Router struct {
	handler Handler
	part    *partition.Partitioner
	lanes   []*lane
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type lane struct {
	id        int
	queue     *laneQueue
	processed atomic.Int64
	failed    atomic.Int64
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Lane      int
	Depth     int
	Processed int64
	Failed    int64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the structured logger. Default: slog.Default().
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter creates a router with p.Count() lanes in front of h.
func NewRouter(h Handler, p *partition.Partitioner, opts ...RouterOption) *Router {
	r := &Router{
		handler: h,
		part:    p,
		lanes:   make([]*lane, p.Count()),
		logger:  slog.Default(),
	}
	for i := range r.lanes {
		r.lanes[i] = &lane{id: i, queue: newLaneQueue()}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches one goroutine per lane. Observations submitted before Start
// wait in their lane.
//
// Cancelling ctx stops every lane immediately and fails whatever is still
// queued. Use Shutdown for a graceful drain.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("router already started")
	}
	if r.closed {
		return ErrRouterClosed
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.logger.Info("router starting", "lanes", len(r.lanes))
	for _, l := range r.lanes {
		r.wg.Add(1)
		go r.run(runCtx, l)
	}
	return nil
}

// Submit queues obs on its entity's lane. done, if non-nil, is called from
// the lane goroutine with the step outcome. Submit returns false once the
// router is shutting down.
func (r *Router) Submit(obs ir.Observation, done func(Result, error)) bool {
	l := r.lanes[r.part.PartitionOf(obs.EntityID)]
	return l.queue.Enqueue(job{obs: obs, done: done, enqueued: time.Now()})
}

// Process submits obs and waits for its outcome or for ctx to end.
// The observation keeps its place in the lane even if ctx ends first.
func (r *Router) Process(ctx context.Context, obs ir.Observation) (Result, error) {
	type reply struct {
		res Result
		err error
	}
	ch := make(chan reply, 1)
	if !r.Submit(obs, func(res Result, err error) { ch <- reply{res, err} }) {
		return Result{}, ErrRouterClosed
	}
	select {
	case rp := <-ch:
		return rp.res, rp.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Shutdown stops accepting observations and waits for every lane to finish
// what is already queued. When ctx ends first the in-flight steps are
// cancelled, the remaining observations fail with ErrRouterClosed and the
// context error is returned.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	for _, l := range r.lanes {
		l.queue.Close()
	}

	if !started {
		for _, l := range r.lanes {
			r.abandon(l, ErrRouterClosed)
		}
		return nil
	}

	r.logger.Info("router draining", "queued", r.Queued())

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("router stopped")
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		r.logger.Warn("router drain timed out", "error", ctx.Err())
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}

// Stats returns a snapshot of every lane, in lane order.
func (r *Router) Stats() []LaneStats {
	out := make([]LaneStats, len(r.lanes))
	for i, l := range r.lanes {
		out[i] = LaneStats{
			Lane:      l.id,
			Depth:     l.queue.Len(),
			Processed: l.processed.Load(),
			Failed:    l.failed.Load(),
		}
	}
	return out
}

// Queued is the number of observations waiting across all lanes.
func (r *Router) Queued() int {
	n := 0
	for _, l := range r.lanes {
		n += l.queue.Len()
	}
	return n
}

// run is the lane loop. It processes jobs in FIFO order until the queue is
// closed and empty, or ctx is cancelled.
func (r *Router) run(ctx context.Context, l *lane) {
	defer r.wg.Done()

	for {
		if j, ok := l.queue.TryDequeue(); ok {
			r.process(ctx, l, j)
			continue
		}

		select {
		case <-ctx.Done():
			r.abandon(l, fmt.Errorf("%w: %w", ErrRouterClosed, ctx.Err()))
			return
		case _, open := <-l.queue.Wait():
			if !open && l.queue.Len() == 0 {
				return
			}
		}
	}
}

func (r *Router) process(ctx context.Context, l *lane, j job) {
	if err := ctx.Err(); err != nil {
		j.finish(Result{Outcome: OutcomeFailed}, fmt.Errorf("%w: %w", ErrRouterClosed, err))
		l.failed.Add(1)
		return
	}

	res, err := r.handler.Handle(ctx, j.obs)
	l.processed.Add(1)
	if err != nil {
		l.failed.Add(1)
	}
	r.logger.Debug("lane step done",
		"lane", l.id,
		"entity_id", j.obs.EntityID,
		"outcome", res.Outcome,
		"queued_for", time.Since(j.enqueued))
	j.finish(res, err)
}

// abandon fails every job still queued on l.
func (r *Router) abandon(l *lane, cause error) {
	jobs := l.queue.Drain()
	for _, j := range jobs {
		l.failed.Add(1)
		j.finish(Result{Outcome: OutcomeFailed}, cause)
	}
	if len(jobs) > 0 {
		r.logger.Warn("abandoned queued observations", "lane", l.id, "count", len(jobs))
	}
}
