package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/rideon/internal/ir"
)

// RecordingSink remembers every visit published to it.
//
// Thread-safety: all methods are safe for concurrent use.
type RecordingSink struct {
	name string

	mu     sync.Mutex
	visits []ir.VisitCompleted
}

// NewRecordingSink creates a sink reporting name.
func NewRecordingSink(name string) *RecordingSink {
	return &RecordingSink{name: name}
}

// Name implements emit.Sink.
func (s *RecordingSink) Name() string { return s.name }

// Publish implements emit.Sink.
func (s *RecordingSink) Publish(ctx context.Context, visit ir.VisitCompleted) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = append(s.visits, visit)
	return nil
}

// Visits returns a copy of every published visit in publish order.
func (s *RecordingSink) Visits() []ir.VisitCompleted {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ir.VisitCompleted, len(s.visits))
	copy(out, s.visits)
	return out
}

// Count returns how many visits were published.
func (s *RecordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visits)
}

// CountFor returns how many visits were published for id.
func (s *RecordingSink) CountFor(id ir.EntityID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.visits {
		if v.EntityID == id {
			n++
		}
	}
	return n
}

// FlakySink records visits like RecordingSink but rejects the first
// failures publishes. A negative count rejects every publish.
type FlakySink struct {
	*RecordingSink

	mu        sync.Mutex
	remaining int
	calls     int
}

// NewFlakySink creates a sink that fails failures times before succeeding.
func NewFlakySink(name string, failures int) *FlakySink {
	return &FlakySink{RecordingSink: NewRecordingSink(name), remaining: failures}
}

// Publish implements emit.Sink.
func (s *FlakySink) Publish(ctx context.Context, visit ir.VisitCompleted) error {
	s.mu.Lock()
	s.calls++
	fail := s.remaining != 0
	if s.remaining > 0 {
		s.remaining--
	}
	s.mu.Unlock()

	if fail {
		return fmt.Errorf("sink %s: %w", s.Name(), ErrInjected)
	}
	return s.RecordingSink.Publish(ctx, visit)
}

// Calls returns how many publishes were attempted, failed or not.
func (s *FlakySink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
