package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
)

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	visits     map[ir.EntityID]saga.VisitRecord
	tombstones map[ir.EntityID]time.Time
	now        func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		visits:     make(map[ir.EntityID]saga.VisitRecord),
		tombstones: make(map[ir.EntityID]time.Time),
		now:        o.now,
	}
}

func (m *Memory) Load(ctx context.Context, id ir.EntityID) (saga.VisitRecord, error) {
	if err := ctx.Err(); err != nil {
		return saga.VisitRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.visits[id]
	if !ok {
		return saga.VisitRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, rec saga.VisitRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored int64
	if cur, ok := m.visits[rec.EntityID]; ok {
		stored = cur.Version
	}
	if rec.Version != stored+1 {
		return ErrVersionConflict
	}
	m.visits[rec.EntityID] = rec.Clone()
	return nil
}

func (m *Memory) Remove(ctx context.Context, id ir.EntityID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.visits, id)
	return nil
}

func (m *Memory) Mark(ctx context.Context, id ir.EntityID, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tombstones[id] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Has(ctx context.Context, id ir.EntityID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	expires, ok := m.tombstones[id]
	return ok && m.now().Before(expires), nil
}

// Pending returns completed but unfinalized records ordered by entity ID.
func (m *Memory) Pending(ctx context.Context) ([]saga.VisitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []saga.VisitRecord
	for _, rec := range m.visits {
		if rec.PendingCompletion() {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b saga.VisitRecord) int {
		return strings.Compare(string(a.EntityID), string(b.EntityID))
	})
	return out, nil
}

func (m *Memory) Sweep(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for id, expires := range m.tombstones {
		if !now.Before(expires) {
			delete(m.tombstones, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of open visit records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.visits)
}

// IDs returns the entity IDs with open records, sorted.
func (m *Memory) IDs() []ir.EntityID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]ir.EntityID, 0, len(m.visits))
	for id := range m.visits {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
