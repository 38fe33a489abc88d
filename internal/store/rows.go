package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (saga.VisitRecord, error) {
	var (
		id, entered, left, delivered, updated string
		state, status, version                int64
	)
	if err := row.Scan(&id, &state, &status, &entered, &left, &delivered, &version, &updated); err != nil {
		return saga.VisitRecord{}, err
	}

	names, err := unmarshalDelivered(delivered)
	if err != nil {
		return saga.VisitRecord{}, err
	}
	return decodeRecord(id, state, status, entered, left, names, version, updated)
}

func scanRecords(rows *sql.Rows) ([]saga.VisitRecord, error) {
	var out []saga.VisitRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visits: %w", err)
	}
	return out, nil
}

func checkAffected(res sql.Result, id ir.EntityID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save visit %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}
