package atom

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Version log states. Every reference-count transition appends a row
// with a validity interval; history is append-only and survives the
// atom's deletion for audit.
const (
	versionStateCreated    = "created"
	versionStateReferenced = "referenced"
	versionStateReleased   = "released"
	versionStateCollected  = "collected"
)

// Version is one interval in an atom's history.
type Version struct {
	AtomID    int64
	State     string
	RefCount  int64
	ValidFrom time.Time
	ValidTo   time.Time // zero when still current
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// appendVersion closes the atom's current interval and opens a new one.
// Timestamps are nanosecond unix integers so "as of" queries are exact.
func appendVersion(ctx context.Context, tx execQuerier, atomID int64, state string, refCount int64, at time.Time) error {
	ts := at.UnixNano()
	if _, err := tx.ExecContext(ctx,
		"UPDATE atom_versions SET valid_to = ? WHERE atom_id = ? AND valid_to IS NULL", ts, atomID); err != nil {
		return fmt.Errorf("failed to close version interval: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO atom_versions (atom_id, state, ref_count, valid_from) VALUES (?, ?, ?, ?)",
		atomID, state, refCount, ts); err != nil {
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

// AsOf returns the atom's state at the given instant, or ErrNotFound if
// the atom did not exist yet.
func (s *Store) AsOf(ctx context.Context, atomID int64, at time.Time) (*Version, error) {
	const op = "asOf"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	ts := at.UnixNano()
	var v Version
	var validFrom int64
	var validTo sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT atom_id, state, ref_count, valid_from, valid_to
		FROM atom_versions
		WHERE atom_id = ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY valid_from DESC LIMIT 1
	`, atomID, ts, ts).Scan(&v.AtomID, &v.State, &v.RefCount, &validFrom, &validTo)
	if err == sql.ErrNoRows {
		return nil, wrapError(op, ErrNotFound)
	}
	if err != nil {
		return nil, wrapError(op, err)
	}
	v.ValidFrom = time.Unix(0, validFrom)
	if validTo.Valid {
		v.ValidTo = time.Unix(0, validTo.Int64)
	}
	return &v, nil
}

// History returns an atom's full version log, oldest first.
func (s *Store) History(ctx context.Context, atomID int64) ([]Version, error) {
	const op = "history"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT atom_id, state, ref_count, valid_from, valid_to
		FROM atom_versions WHERE atom_id = ? ORDER BY valid_from, id
	`, atomID)
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Version
	for rows.Next() {
		var v Version
		var validFrom int64
		var validTo sql.NullInt64
		if err := rows.Scan(&v.AtomID, &v.State, &v.RefCount, &validFrom, &validTo); err != nil {
			return nil, wrapError(op, err)
		}
		v.ValidFrom = time.Unix(0, validFrom)
		if validTo.Valid {
			v.ValidTo = time.Unix(0, validTo.Int64)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
