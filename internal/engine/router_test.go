package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rideon/internal/emit"
	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/partition"
	"github.com/roach88/rideon/internal/store"
	"github.com/roach88/rideon/internal/testutil"
)

// recordingHandler checks that no entity is ever handled concurrently and
// remembers the order each entity's observations arrived in.
type recordingHandler struct {
	delay time.Duration

	mu       sync.Mutex
	inFlight map[ir.EntityID]int
	overlap  bool
	order    map[ir.EntityID][]string
	handled  atomic.Int64
}

func newRecordingHandler(delay time.Duration) *recordingHandler {
	return &recordingHandler{
		delay:    delay,
		inFlight: make(map[ir.EntityID]int),
		order:    make(map[ir.EntityID][]string),
	}
}

func (h *recordingHandler) Handle(ctx context.Context, obs ir.Observation) (Result, error) {
	h.mu.Lock()
	h.inFlight[obs.EntityID]++
	if h.inFlight[obs.EntityID] > 1 {
		h.overlap = true
	}
	h.order[obs.EntityID] = append(h.order[obs.EntityID], obs.DeliveryID)
	h.mu.Unlock()

	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
		}
	}

	h.mu.Lock()
	h.inFlight[obs.EntityID]--
	h.mu.Unlock()
	h.handled.Add(1)

	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	return Result{Outcome: OutcomeTracked}, nil
}

func newTestRouter(t *testing.T, h Handler, lanes int) *Router {
	t.Helper()
	p, err := partition.New(lanes)
	require.NoError(t, err)
	return NewRouter(h, p, WithRouterLogger(quietLogger()))
}

func TestRouter_PerEntityOrderAndExclusion(t *testing.T) {
	h := newRecordingHandler(100 * time.Microsecond)
	r := newTestRouter(t, h, 8)
	require.NoError(t, r.Start(context.Background()))

	const entities, perEntity = 40, 25
	var wg sync.WaitGroup
	for e := 0; e < entities; e++ {
		id := ir.EntityID(fmt.Sprintf("patron-%d", e))
		for i := 0; i < perEntity; i++ {
			wg.Add(1)
			obs := ir.Observation{EntityID: id, Kind: ir.KindEntered, Timestamp: epoch, DeliveryID: fmt.Sprintf("%03d", i)}
			require.True(t, r.Submit(obs, func(Result, error) { wg.Done() }))
		}
	}
	wg.Wait()
	require.NoError(t, r.Shutdown(context.Background()))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.False(t, h.overlap, "an entity was handled on two goroutines at once")
	for id, got := range h.order {
		for i, d := range got {
			assert.Equal(t, fmt.Sprintf("%03d", i), d, "entity %s out of order", id)
		}
	}
}

func TestRouter_IsolationAcrossTenThousandEntities(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 10k entity run in short mode")
	}

	sink := testutil.NewRecordingSink("log")
	mem := store.NewMemory()
	e, err := New(mem, mem, emit.MustNew(sink), WithLogger(quietLogger()), WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	r := NewRouter(e, partition.MustNew(partition.DefaultCount), WithRouterLogger(quietLogger()))
	require.NoError(t, r.Start(context.Background()))

	const n = 10000
	obs := make([]ir.Observation, 0, 2*n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("patron-%05d", i)
		obs = append(obs,
			entered(id, time.Duration(i)*time.Second),
			left(id, time.Duration(i)*time.Second+time.Duration(i%60+1)*time.Minute),
		)
	}
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(obs), func(i, j int) { obs[i], obs[j] = obs[j], obs[i] })

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	const producers = 16
	chunk := len(obs) / producers
	for p := 0; p < producers; p++ {
		part := obs[p*chunk : (p+1)*chunk]
		wg.Add(len(part))
		go func() {
			for _, o := range part {
				r.Submit(o, func(_ Result, err error) {
					if err != nil {
						failed.Add(1)
					}
					wg.Done()
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, r.Shutdown(context.Background()))

	assert.Equal(t, int64(0), failed.Load())
	visits := sink.Visits()
	require.Len(t, visits, n)

	seen := make(map[ir.EntityID]bool, n)
	for _, v := range visits {
		var i int
		_, err := fmt.Sscanf(string(v.EntityID), "patron-%05d", &i)
		require.NoError(t, err)
		assert.False(t, seen[v.EntityID], "duplicate visit for %s", v.EntityID)
		seen[v.EntityID] = true

		wantEntered := at(time.Duration(i) * time.Second)
		wantLeft := wantEntered.Add(time.Duration(i%60+1) * time.Minute)
		assert.True(t, v.Entered.Equal(wantEntered), "entered for %s", v.EntityID)
		assert.True(t, v.Left.Equal(wantLeft), "left for %s", v.EntityID)
	}
	assert.Equal(t, 0, mem.Len())
}

func TestRouter_ProcessReturnsResult(t *testing.T) {
	sink := testutil.NewRecordingSink("log")
	mem := store.NewMemory()
	e, err := New(mem, mem, emit.MustNew(sink), WithLogger(quietLogger()))
	require.NoError(t, err)

	r := NewRouter(e, partition.MustNew(4), WithRouterLogger(quietLogger()))
	require.NoError(t, r.Start(context.Background()))
	defer r.Shutdown(context.Background())

	ctx := context.Background()
	res, err := r.Process(ctx, entered("A", 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTracked, res.Outcome)

	res, err = r.Process(ctx, left("A", 45*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, sink.Count())
}

func TestRouter_ShutdownDrainsQueuedWork(t *testing.T) {
	h := newRecordingHandler(2 * time.Millisecond)
	r := newTestRouter(t, h, 2)
	require.NoError(t, r.Start(context.Background()))

	const jobs = 30
	var errs atomic.Int64
	for i := 0; i < jobs; i++ {
		r.Submit(entered(fmt.Sprintf("p-%d", i), 0), func(_ Result, err error) {
			if err != nil {
				errs.Add(1)
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, int64(jobs), h.handled.Load())
	assert.Equal(t, int64(0), errs.Load())
	assert.False(t, r.Submit(entered("late", 0), nil), "submit after shutdown")

	_, err := r.Process(context.Background(), entered("late", 0))
	assert.ErrorIs(t, err, ErrRouterClosed)
}

func TestRouter_ShutdownTimeoutCancelsRemaining(t *testing.T) {
	h := newRecordingHandler(time.Hour)
	r := newTestRouter(t, h, 1)
	require.NoError(t, r.Start(context.Background()))

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		r.Submit(entered("same", time.Duration(i)), func(_ Result, err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			wg.Done()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wg.Wait()
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.Error(t, err)
	}
	assert.ErrorIs(t, errs[1], ErrRouterClosed)
	assert.ErrorIs(t, errs[2], ErrRouterClosed)
}

func TestRouter_ShutdownBeforeStartFailsQueued(t *testing.T) {
	r := newTestRouter(t, newRecordingHandler(0), 4)

	var got error
	require.True(t, r.Submit(entered("p", 0), func(_ Result, err error) { got = err }))
	require.NoError(t, r.Shutdown(context.Background()))

	assert.ErrorIs(t, got, ErrRouterClosed)
	assert.ErrorIs(t, r.Start(context.Background()), ErrRouterClosed)
}

func TestRouter_StartTwice(t *testing.T) {
	r := newTestRouter(t, newRecordingHandler(0), 2)
	require.NoError(t, r.Start(context.Background()))
	defer r.Shutdown(context.Background())

	assert.Error(t, r.Start(context.Background()))
}

func TestRouter_Stats(t *testing.T) {
	h := newRecordingHandler(0)
	p := partition.MustNew(4)
	r := NewRouter(h, p, WithRouterLogger(quietLogger()))

	r.Submit(entered("a", 0), nil)
	r.Submit(entered("a", 0), nil)
	lane := p.PartitionOf("a")

	stats := r.Stats()
	require.Len(t, stats, 4)
	assert.Equal(t, 2, stats[lane].Depth)
	assert.Equal(t, 2, r.Queued())

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))

	stats = r.Stats()
	assert.Equal(t, 0, stats[lane].Depth)
	assert.Equal(t, int64(2), stats[lane].Processed)
	assert.Equal(t, int64(0), stats[lane].Failed)
}
