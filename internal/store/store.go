package store

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
)

var (
	// ErrNotFound is returned by Load when no record exists for the entity.
	ErrNotFound = errors.New("visit record not found")

	// ErrVersionConflict is returned by Save when the stored version is not
	// exactly one less than the record being saved.
	ErrVersionConflict = errors.New("visit record version conflict")
)

// VisitStore persists one VisitRecord per entity.
type VisitStore interface {
	// Load returns the record for id or ErrNotFound.
	Load(ctx context.Context, id ir.EntityID) (saga.VisitRecord, error)

	// Save writes rec. rec.Version must be the stored version plus one;
	// a record that does not exist yet is saved with Version 1.
	Save(ctx context.Context, rec saga.VisitRecord) error

	// Remove deletes the record for id. Removing an absent record is not an error.
	Remove(ctx context.Context, id ir.EntityID) error
}

// TombstoneStore remembers entities whose visit has been finalized so that
// late duplicates can be discarded instead of starting a new visit.
type TombstoneStore interface {
	// Mark records a tombstone for id that expires after ttl.
	// A non-positive ttl is a no-op.
	Mark(ctx context.Context, id ir.EntityID, ttl time.Duration) error

	// Has reports whether an unexpired tombstone exists for id.
	Has(ctx context.Context, id ir.EntityID) (bool, error)
}

// Scanner lists records that reached completion but were never finalized.
// The engine uses it to finish interrupted steps at startup.
type Scanner interface {
	Pending(ctx context.Context) ([]saga.VisitRecord, error)
}

// Sweeper deletes expired tombstones and reports how many were removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Store is the full contract every backend in this package satisfies.
type Store interface {
	VisitStore
	TombstoneStore
	Scanner
	Sweeper
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	prefix string
}

func defaultOptions() options {
	return options{now: time.Now, prefix: "rideon:"}
}

// WithClock sets the time source used for tombstone expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithKeyPrefix sets the key namespace used by the Redis backend.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
