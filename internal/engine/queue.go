package engine

import (
	"sync"
	"time"

	"github.com/roach88/rideon/internal/ir"
)

// job is one observation waiting in a lane, plus the callback that receives
// its outcome.
type job struct {
	obs      ir.Observation
	done     func(Result, error)
	enqueued time.Time
}

// finish reports the outcome to the submitter, if it asked for one.
func (j job) finish(res Result, err error) {
	if j.done != nil {
		j.done(res, err)
	}
}

// laneQueue is a thread-safe FIFO queue feeding a single lane.
//
// The queue is unbounded so transports never block on a busy lane; back
// pressure comes from the transport's own flow control (NATS max ack pending,
// HTTP 503 after Shutdown).
//
// The queue uses a channel for signaling to enable context-aware waiting in
// the lane loop.
type laneQueue struct {
	mu     sync.Mutex
	jobs   []job
	closed bool
	signal chan struct{} // buffered, size 1
}

func newLaneQueue() *laneQueue {
	return &laneQueue{
		jobs:   make([]job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed.
func (q *laneQueue) Enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.jobs = append(q.jobs, j)

	// buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (job{}, false) if the queue is empty.
func (q *laneQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}

	j := q.jobs[0]

	// Clear the slot so the callback closure can be collected.
	q.jobs[0] = job{}

	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}

	return j, true
}

// Wait returns a channel that signals when jobs may be available.
// The channel is closed once the queue is closed.
func (q *laneQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *laneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs. Jobs already queued can still be dequeued.
func (q *laneQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Drain removes and returns every queued job.
func (q *laneQueue) Drain() []job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.jobs
	q.jobs = nil
	return out
}
