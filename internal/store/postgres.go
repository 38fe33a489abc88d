package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS visits (
		entity_id  TEXT PRIMARY KEY,
		state      SMALLINT NOT NULL,
		status     SMALLINT NOT NULL,
		entered_at TEXT NOT NULL DEFAULT '',
		left_at    TEXT NOT NULL DEFAULT '',
		delivered  TEXT NOT NULL DEFAULT '[]',
		version    BIGINT NOT NULL CHECK (version > 0),
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tombstones (
		entity_id  TEXT PRIMARY KEY,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_visits_status ON visits(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tombstones_expires ON tombstones(expires_at)`,
}

// Postgres is a Store backed by PostgreSQL, for deployments where several
// processes share correlation state.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// OpenPostgres connects to dsn and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	p := NewPostgres(db, opts...)
	if err := p.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing connection pool. The caller owns schema
// creation (see Init).
func NewPostgres(db *sql.DB, opts ...Option) *Postgres {
	o := buildOptions(opts)
	return &Postgres{db: db, now: o.now}
}

// Init creates the tables and indexes. It is idempotent.
func (p *Postgres) Init(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply postgres schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) Load(ctx context.Context, id ir.EntityID) (saga.VisitRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT entity_id, state, status, entered_at, left_at, delivered, version, updated_at
		FROM visits
		WHERE entity_id = $1
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

func (p *Postgres) Save(ctx context.Context, rec saga.VisitRecord) error {
	delivered, err := marshalDelivered(rec.Delivered)
	if err != nil {
		return fmt.Errorf("save visit %s: %w", rec.EntityID, err)
	}

	var res sql.Result
	if rec.Version == 1 {
		res, err = p.db.ExecContext(ctx, `
			INSERT INTO visits
			(entity_id, state, status, entered_at, left_at, delivered, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (entity_id) DO NOTHING
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
		res, err = p.db.ExecContext(ctx, `
			UPDATE visits
			SET state = $1, status = $2, entered_at = $3, left_at = $4, delivered = $5, version = $6, updated_at = $7
			WHERE entity_id = $8 AND version = $9
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

func (p *Postgres) Remove(ctx context.Context, id ir.EntityID) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM visits WHERE entity_id = $1`, string(id)); err != nil {
		return fmt.Errorf("remove visit %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Mark(ctx context.Context, id ir.EntityID, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tombstones (entity_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (entity_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, string(id), p.now().Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("mark tombstone %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Has(ctx context.Context, id ir.EntityID) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `
		SELECT 1 FROM tombstones WHERE entity_id = $1 AND expires_at > $2
	`, string(id), p.now().UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check tombstone %s: %w", id, err)
	}
	return true, nil
}

func (p *Postgres) Pending(ctx context.Context) ([]saga.VisitRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT entity_id, state, status, entered_at, left_at, delivered, version, updated_at
		FROM visits
		WHERE status = $1
		ORDER BY entity_id ASC
	`, int64(saga.Required))
	if err != nil {
		return nil, fmt.Errorf("query pending visits: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (p *Postgres) Sweep(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tombstones WHERE expires_at <= $1`, p.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep tombstones: %w", err)
	}
	return res.RowsAffected()
}

var _ Store = (*Postgres)(nil)
