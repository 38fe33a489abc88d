// Package engine correlates patron observations into completed visits.
//
// ARCHITECTURE:
//
// Partitioned Lanes:
// The Router hashes every entity onto one of N lanes (partition.Partitioner).
// Each lane is a FIFO queue drained by a single goroutine. This ensures:
// - Observations for one entity are never handled concurrently
// - Per-entity order is the submission order
// - Unrelated entities proceed in parallel
//
// Step Flow (Engine.Handle):
// 1. Reject malformed observations (never retried)
// 2. Load the VisitRecord (absent means a new visit)
// 3. Under a live tombstone, discard, or finish a completed record whose
//    remove failed
// 4. saga.Apply computes the next record and its effects as data
// 5. EffectPersist: versioned Save
// 6. EffectEmit: publish to undelivered sinks, save progress, tombstone, remove
//
// The whole step runs under retry.Policy. Each attempt reloads the record, so
// an attempt never works from a stale version.
//
// CRITICAL PATTERNS:
//
// Single Emission:
// A visit is finalized only after every sink accepted it. Delivered sinks
// are recorded in the VisitRecord and never called again for that visit.
//
// Tombstone Before Remove:
// finalize marks the tombstone first, then removes the record. A crash in
// between leaves a tombstoned, still pending record that Recover finishes.
//
// Drain:
// Shutdown closes every lane, lets queued work finish within the drain
// window, then cancels whatever is still running.
package engine
