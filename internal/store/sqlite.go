package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added indexes on visits.status and tombstones.expires_at
const currentSchemaVersion = 1

// SQLite is a durable Store backed by a single SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, now: o.now}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the indexes used by Pending and Sweep.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_visits_status ON visits(status);
		CREATE INDEX IF NOT EXISTS idx_tombstones_expires ON tombstones(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, id ir.EntityID) (saga.VisitRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, state, status, entered_at, left_at, delivered, version, updated_at
		FROM visits
		WHERE entity_id = ?
	`, string(id))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.VisitRecord{}, ErrNotFound
	}
	if err != nil {
		return saga.VisitRecord{}, fmt.Errorf("load visit %s: %w", id, err)
	}
	return rec, nil
}

// Save inserts a fresh record or updates an existing one guarded by version.
// Zero affected rows means another writer got there first.
func (s *SQLite) Save(ctx context.Context, rec saga.VisitRecord) error {
	delivered, err := marshalDelivered(rec.Delivered)
	if err != nil {
		return fmt.Errorf("save visit %s: %w", rec.EntityID, err)
	}

	var res sql.Result
	if rec.Version == 1 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO visits
			(entity_id, state, status, entered_at, left_at, delivered, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO NOTHING
		`,
			string(rec.EntityID),
			int64(rec.State),
			int64(rec.Status),
			formatTime(rec.EnteredAt),
			formatTime(rec.LeftAt),
			delivered,
			rec.Version,
			formatTime(rec.UpdatedAt),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE visits
			SET state = ?, status = ?, entered_at = ?, left_at = ?, delivered = ?, version = ?, updated_at = ?
			WHERE entity_id = ? AND version = ?
		`,
			int64(rec.State),
			int64(rec.Status),
			formatTime(rec.EnteredAt),
			formatTime(rec.LeftAt),
			delivered,
			rec.Version,
			formatTime(rec.UpdatedAt),
			string(rec.EntityID),
			rec.Version-1,
		)
	}
	if err != nil {
		return fmt.Errorf("save visit %s: %w", rec.EntityID, err)
	}

	return checkAffected(res, rec.EntityID)
}

func (s *SQLite) Remove(ctx context.Context, id ir.EntityID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM visits WHERE entity_id = ?`, string(id)); err != nil {
		return fmt.Errorf("remove visit %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Mark(ctx context.Context, id ir.EntityID, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tombstones (entity_id, expires_at)
		VALUES (?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET expires_at = excluded.expires_at
	`, string(id), s.now().Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("mark tombstone %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Has(ctx context.Context, id ir.EntityID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM tombstones WHERE entity_id = ? AND expires_at > ?
	`, string(id), s.now().UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check tombstone %s: %w", id, err)
	}
	return true, nil
}

// Pending returns completed but unfinalized records ordered by entity ID.
func (s *SQLite) Pending(ctx context.Context) ([]saga.VisitRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, state, status, entered_at, left_at, delivered, version, updated_at
		FROM visits
		WHERE status = ?
		ORDER BY entity_id ASC
	`, int64(saga.Required))
	if err != nil {
		return nil, fmt.Errorf("query pending visits: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tombstones WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep tombstones: %w", err)
	}
	return res.RowsAffected()
}

var _ Store = (*SQLite)(nil)
