// Package retry re-runs a failed correlation step on a fixed schedule.
//
// A step is attempted once, then once more after each interval of the
// schedule. Each attempt starts from scratch; nothing is carried between
// attempts. Errors marked Permanent stop the schedule immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultIntervals is the redelivery schedule: 20ms, 50ms, 100ms, 1s, 5s.
func DefaultIntervals() []time.Duration {
	return []time.Duration{
		20 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		1000 * time.Millisecond,
		5000 * time.Millisecond,
	}
}

// Policy is a bounded fixed-interval retry schedule.
type Policy struct {
	Intervals []time.Duration

	// Notify, when set, is called before each wait with the 1-based number
	// of the attempt that just failed.
	Notify func(attempt int, err error, wait time.Duration)
}

// Default returns the policy with DefaultIntervals.
func Default() Policy {
	return Policy{Intervals: DefaultIntervals()}
}

// MaxAttempts is the initial attempt plus one per interval.
func (p Policy) MaxAttempts() int {
	return len(p.Intervals) + 1
}

// Total is the sum of every wait in the schedule.
func (p Policy) Total() time.Duration {
	var total time.Duration
	for _, d := range p.Intervals {
		total += d
	}
	return total
}

// ExhaustedError is returned when every attempt of the schedule failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsExhausted reports whether err came from a schedule that ran out.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Do runs op until it succeeds, returns a permanent error, the schedule runs
// out, or ctx is done.
//
// Returns nil on success, the unwrapped error for a permanent failure,
// *ExhaustedError when every attempt failed, or the context cause when the
// context ended while waiting.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := 0
	var last error

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := op(ctx)
		last = err
		return struct{}{}, err
	},
		backoff.WithBackOff(&schedule{intervals: p.Intervals}),
		backoff.WithMaxTries(uint(p.MaxAttempts())),
		// Elapsed time is bounded by the schedule itself.
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.Notify != nil {
				p.Notify(attempts, err, wait)
			}
		}),
	)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if errors.As(last, &perm) {
		return perm.Err
	}
	if ctxErr := context.Cause(ctx); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return &ExhaustedError{Attempts: attempts, Err: err}
}

// schedule is a backoff.BackOff that walks a fixed list of intervals once.
type schedule struct {
	intervals []time.Duration
	next      int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.next >= len(s.intervals) {
		return backoff.Stop
	}
	d := s.intervals[s.next]
	s.next++
	return d
}

func (s *schedule) Reset() {
	s.next = 0
}
