package testutil

import (
	"sync"
	"time"
)

// Epoch is the fixed instant every deterministic test clock starts from.
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Clock is a thread-safe wall clock that only moves when told to.
//
// Pass Clock.Now wherever production code takes a func() time.Time so
// records and tombstone expiry are reproducible.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

// NewClock creates a clock reading start. A zero start means Epoch.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{start: start, now: start}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Reset returns the clock to its start reading.
//
// Used for test reuse.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
