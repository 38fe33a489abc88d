package engine

// # Recovery and Idempotency
//
// Idempotency here is STRUCTURAL, not a special "recovery mode". The same
// complete/finalize path handles a live step, a retried attempt, a late
// duplicate and a restart.
//
// Three mechanisms enforce it:
//
// 1. Versioned Save
//
//	Save(rec) succeeds only when the stored version is rec.Version-1.
//
// A retried attempt always reloads first, so it never overwrites progress
// made by an earlier attempt.
//
// 2. Persisted Delivery Set
//
//	VisitRecord.Delivered lists the sinks that accepted the visit.
//
// It is saved after every partial delivery. Emitter.Emit never calls a sink
// that is already in the set.
//
// 3. Content-Addressed Visit ID
//
//	visitID := ir.VisitID(entity, entered, left)
//
// A sink that sees the same visit twice (crash after publish, before the
// delivery set was saved) receives the same ID and can deduplicate on it.
//
// ## Why Restart is Safe
//
//	Scenario: two sinks, crash after the first accepted
//
//	Before Crash:
//	  [Left observed] → Save(Completed, delivered=[])
//	                  → Emit → log ok, nats fails
//	                  → Save(delivered=[log])
//	                  → CRASH
//
//	After Restart:
//	  Recover → Pending() returns the Completed record
//	          → Emit → log skipped, nats ok
//	          → Save(delivered=[log nats]) → Mark → Remove

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/retry"
	"github.com/roach88/rideon/internal/store"
)

// Recover finishes every visit that reached completion but was never
// finalized, for example because the process stopped between emit and
// remove. It returns how many visits were finalized.
//
// Recover must run before the Router starts so no lane races it for the same
// entity. Stores that cannot list pending records are skipped.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	scanner, ok := e.visits.(store.Scanner)
	if !ok {
		e.logger.Debug("visit store cannot scan; skipping recovery")
		return 0, nil
	}

	pending, err := scanner.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending visits: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	e.logger.Info("recovering pending visits", "count", len(pending))

	var (
		finalized int
		errs      []error
	)
	for _, rec := range pending {
		err := e.retry.Do(ctx, func(ctx context.Context) error {
			return e.resume(ctx, rec.EntityID)
		})
		if err != nil {
			if ctx.Err() != nil {
				return finalized, err
			}
			errs = append(errs, fmt.Errorf("recover %s: %w", rec.EntityID, err))
			continue
		}
		finalized++
	}
	return finalized, errors.Join(errs...)
}

// resume reloads the record for id and completes it if it is still pending.
func (e *Engine) resume(ctx context.Context, id ir.EntityID) error {
	rec, err := e.visits.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newStoreError("load", id, err)
	}
	if !rec.PendingCompletion() {
		return nil
	}
	visit, err := rec.Visit()
	if err != nil {
		return retry.Permanent(err)
	}
	return e.complete(ctx, rec, visit)
}
