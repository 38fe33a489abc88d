// Package store provides the Visit State Store and the tombstone set.
//
// Every backend implements the same contract:
//   - VisitStore: Load, Save (optimistic version check) and Remove of one
//     visit record per entity
//   - TombstoneStore: Mark and Has for entities whose visit was finalized
//
// Backends:
//   - Memory: maps guarded by a mutex, for tests and single-process runs
//   - SQLite: WAL-mode database file (mattn/go-sqlite3)
//   - Postgres: shared relational store (lib/pq)
//   - Redis: hashes with a Lua compare-and-set (go-redis)
//
// # Concurrency
//
// Within one process the engine routes every entity to a single lane, so
// Load/Save/Remove for one entity never overlap. Save still checks the
// stored version so that two processes sharing a backend cannot lose
// updates: a stale Save returns ErrVersionConflict and the step is retried.
//
// # Time encoding
//
// Timestamps are stored as UTC RFC 3339 text with nanoseconds, which keeps
// the zero time and sub-second precision intact on every backend.
package store
