package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
	"github.com/roach88/rideon/internal/store"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// Op names a store call that can fail.
type Op string

const (
	OpLoad      Op = "load"
	OpSave      Op = "save"
	OpRemove    Op = "remove"
	OpTombstone Op = "tombstone"
	OpHas       Op = "has"
)

// ParseOp converts a scenario op name to an Op.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpLoad, OpSave, OpRemove, OpTombstone, OpHas:
		return op, nil
	default:
		return "", fmt.Errorf("unknown store op %q", s)
	}
}

// Fault describes calls that should fail.
type Fault struct {
	Op Op

	// Entity restricts the fault to one entity. Empty matches every entity.
	Entity ir.EntityID

	// Times is how many matching calls fail. Negative fails forever.
	Times int

	// AfterWrite performs the call before failing, like a write whose
	// acknowledgement was lost.
	AfterWrite bool

	// Err is returned instead of ErrInjected when set.
	Err error
}

// FlakyStore wraps a store.Store and fails selected calls.
//
// Thread-safety: all methods are safe for concurrent use.
type FlakyStore struct {
	store.Store

	mu       sync.Mutex
	faults   []*Fault
	calls    map[Op]int
	failures map[Op]int
}

// NewFlakyStore wraps inner. With no faults registered it is transparent.
func NewFlakyStore(inner store.Store) *FlakyStore {
	return &FlakyStore{
		Store:    inner,
		calls:    make(map[Op]int),
		failures: make(map[Op]int),
	}
}

// Fail makes the next times calls of op for entity return ErrInjected.
func (s *FlakyStore) Fail(op Op, entity ir.EntityID, times int) {
	s.Inject(Fault{Op: op, Entity: entity, Times: times})
}

// Inject registers f. Faults are matched in registration order.
func (s *FlakyStore) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// Calls returns how many times op was called.
func (s *FlakyStore) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Failures returns how many calls of op were failed on purpose.
func (s *FlakyStore) Failures(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

// match records a call and returns the fault to apply, if any.
func (s *FlakyStore) match(op Op, id ir.EntityID) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[op]++
	for _, f := range s.faults {
		if f.Op != op || f.Times == 0 {
			continue
		}
		if f.Entity != "" && f.Entity != id {
			continue
		}
		if f.Times > 0 {
			f.Times--
		}
		s.failures[op]++
		return f
	}
	return nil
}

func faultErr(f *Fault, op Op, id ir.EntityID) error {
	err := f.Err
	if err == nil {
		err = ErrInjected
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

// Load implements store.VisitStore.
func (s *FlakyStore) Load(ctx context.Context, id ir.EntityID) (saga.VisitRecord, error) {
	f := s.match(OpLoad, id)
	if f == nil {
		return s.Store.Load(ctx, id)
	}
	return saga.VisitRecord{}, faultErr(f, OpLoad, id)
}

// Save implements store.VisitStore.
func (s *FlakyStore) Save(ctx context.Context, rec saga.VisitRecord) error {
	f := s.match(OpSave, rec.EntityID)
	if f == nil {
		return s.Store.Save(ctx, rec)
	}
	if f.AfterWrite {
		if err := s.Store.Save(ctx, rec); err != nil {
			return err
		}
	}
	return faultErr(f, OpSave, rec.EntityID)
}

// Remove implements store.VisitStore.
func (s *FlakyStore) Remove(ctx context.Context, id ir.EntityID) error {
	f := s.match(OpRemove, id)
	if f == nil {
		return s.Store.Remove(ctx, id)
	}
	if f.AfterWrite {
		if err := s.Store.Remove(ctx, id); err != nil {
			return err
		}
	}
	return faultErr(f, OpRemove, id)
}

// Mark implements store.TombstoneStore.
func (s *FlakyStore) Mark(ctx context.Context, id ir.EntityID, ttl time.Duration) error {
	f := s.match(OpTombstone, id)
	if f == nil {
		return s.Store.Mark(ctx, id, ttl)
	}
	if f.AfterWrite {
		if err := s.Store.Mark(ctx, id, ttl); err != nil {
			return err
		}
	}
	return faultErr(f, OpTombstone, id)
}

// Has implements store.TombstoneStore.
func (s *FlakyStore) Has(ctx context.Context, id ir.EntityID) (bool, error) {
	f := s.match(OpHas, id)
	if f == nil {
		return s.Store.Has(ctx, id)
	}
	return false, faultErr(f, OpHas, id)
}
