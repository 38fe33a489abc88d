package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// testClock is a manually advanced time source for tombstone expiry.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: epoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// createTestSQLite creates a SQLite store in a temp directory.
func createTestSQLite(t *testing.T, opts ...Option) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path, opts...)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tracking builds a record that has seen only an Entered observation.
func tracking(id string, version int64) saga.VisitRecord {
	return saga.VisitRecord{
		EntityID:  ir.EntityID(id),
		State:     saga.StateTracking,
		Status:    saga.EnteredObserved,
		EnteredAt: epoch,
		Version:   version,
		UpdatedAt: epoch,
	}
}

// completed builds a record that has seen both observations.
func completed(id string, version int64) saga.VisitRecord {
	rec := tracking(id, version)
	rec.State = saga.StateCompleted
	rec.Status = saga.Required
	rec.LeftAt = epoch.Add(17*time.Minute + 250*time.Millisecond)
	return rec
}

func assertSameRecord(t *testing.T, want, got saga.VisitRecord) {
	t.Helper()
	if want.EntityID != got.EntityID || want.State != got.State || want.Status != got.Status || want.Version != got.Version {
		t.Fatalf("record mismatch:\nwant %+v\ngot  %+v", want, got)
	}
	if !want.EnteredAt.Equal(got.EnteredAt) || !want.LeftAt.Equal(got.LeftAt) || !want.UpdatedAt.Equal(got.UpdatedAt) {
		t.Fatalf("timestamp mismatch:\nwant %+v\ngot  %+v", want, got)
	}
	if len(want.Delivered) != len(got.Delivered) {
		t.Fatalf("delivered = %v, want %v", got.Delivered, want.Delivered)
	}
	for i := range want.Delivered {
		if want.Delivered[i] != got.Delivered[i] {
			t.Fatalf("delivered = %v, want %v", got.Delivered, want.Delivered)
		}
	}
}
