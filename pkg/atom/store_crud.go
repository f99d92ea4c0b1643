package atom

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"github.com/lithicdb/lithic/internal/encoding"
)

// Digest computes the content digest used as the dedup key.
func Digest(content []byte) []byte {
	sum := sha256.Sum256(content)
	return sum[:]
}

// fingerprint builds the fixed-size inline value for overflowed content:
// the first half of the digest followed by a prefix of the content,
// exactly InlineLimit bytes.
func fingerprint(digest, content []byte) []byte {
	fp := make([]byte, 0, InlineLimit)
	fp = append(fp, digest[:fingerprintDigestBytes]...)
	prefix := content
	if len(prefix) > fingerprintPrefixBytes {
		prefix = prefix[:fingerprintPrefixBytes]
	}
	fp = append(fp, prefix...)
	// Content shorter than the prefix window cannot occur: overflow
	// implies len(content) > InlineLimit.
	return fp
}

// GetOrCreate stores content for a tenant, deduplicating by digest.
// The insert-or-bump is a single conditional upsert so concurrent
// producers hashing the same content race safely: exactly one row is
// created and every caller observes the bumped reference count.
// Returns the atom and whether this call deduplicated into an existing
// one.
func (s *Store) GetOrCreate(ctx context.Context, tenantID, modality, subtype string, content []byte, metadata map[string]string) (*Atom, bool, error) {
	const op = "getOrCreate"
	if err := s.checkOpen(op); err != nil {
		return nil, false, err
	}
	if tenantID == "" {
		return nil, false, wrapError(op, ErrTenantRequired)
	}
	if len(content) == 0 {
		return nil, false, wrapError(op, ErrEmptyContent)
	}
	if len(content) > s.config.MaxContentSize {
		return nil, false, wrapError(op, fmt.Errorf("%w: %d bytes, limit %d", ErrContentTooLarge, len(content), s.config.MaxContentSize))
	}

	digest := Digest(content)
	var inline, overflowPayload []byte
	overflow := len(content) > InlineLimit
	if overflow {
		inline = fingerprint(digest, content)
		overflowPayload = content
	} else {
		inline = content
	}

	metaJSON, err := encoding.EncodeMetadata(metadata)
	if err != nil {
		return nil, false, wrapError(op, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, wrapError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var id, refCount int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO atoms (tenant_id, digest, inline_value, overflow_payload, overflow, modality, subtype, metadata, ref_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (tenant_id, digest) DO UPDATE SET ref_count = ref_count + 1, released_at = NULL
		RETURNING id, ref_count
	`, tenantID, digest, inline, overflowPayload, boolInt(overflow), modality, subtype, metaJSON).Scan(&id, &refCount)
	if err != nil {
		return nil, false, wrapError(op, err)
	}

	state := versionStateCreated
	if refCount > 1 {
		state = versionStateReferenced
	}
	if err := appendVersion(ctx, tx, id, state, refCount, time.Now()); err != nil {
		return nil, false, wrapError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, wrapError(op, err)
	}

	atom := &Atom{
		ID:              id,
		TenantID:        tenantID,
		Digest:          digest,
		InlineValue:     inline,
		OverflowPayload: overflowPayload,
		Overflow:        overflow,
		Modality:        modality,
		Subtype:         subtype,
		RefCount:        refCount,
		Metadata:        metadata,
	}
	return atom, refCount > 1, nil
}

// Get loads an atom by id.
func (s *Store) Get(ctx context.Context, id int64) (*Atom, error) {
	const op = "get"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, digest, inline_value, overflow_payload, overflow,
		       modality, subtype, ref_count, coord, curve_key, metadata, created_at
		FROM atoms WHERE id = ?
	`, id)
	return scanAtom(op, row)
}

// GetByDigest loads an atom by tenant and content digest.
func (s *Store) GetByDigest(ctx context.Context, tenantID string, digest []byte) (*Atom, error) {
	const op = "getByDigest"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, digest, inline_value, overflow_payload, overflow,
		       modality, subtype, ref_count, coord, curve_key, metadata, created_at
		FROM atoms WHERE tenant_id = ? AND digest = ?
	`, tenantID, digest)
	return scanAtom(op, row)
}

func scanAtom(op string, row *sql.Row) (*Atom, error) {
	var a Atom
	var overflow int
	var overflowPayload []byte
	var coordBytes []byte
	var curveKey sql.NullInt64
	var metaJSON string
	err := row.Scan(&a.ID, &a.TenantID, &a.Digest, &a.InlineValue, &overflowPayload, &overflow,
		&a.Modality, &a.Subtype, &a.RefCount, &coordBytes, &curveKey, &metaJSON, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, wrapError(op, ErrNotFound)
	}
	if err != nil {
		return nil, wrapError(op, err)
	}
	a.OverflowPayload = overflowPayload
	a.Overflow = overflow != 0
	if coordBytes != nil {
		coord, err := encoding.DecodeVector(coordBytes)
		if err != nil {
			return nil, wrapError(op, err)
		}
		a.Coord = coord
		a.HasCoord = true
	}
	if curveKey.Valid {
		a.CurveKey = curveKey.Int64
	}
	meta, err := encoding.DecodeMetadata(metaJSON)
	if err != nil {
		return nil, wrapError(op, err)
	}
	a.Metadata = meta
	return &a, nil
}

// SetCoordinate attaches a projected coordinate and its curve key to an
// atom that could be spatially indexed.
func (s *Store) SetCoordinate(ctx context.Context, id int64, coord []float32, curveKey uint64) error {
	const op = "setCoordinate"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	coordBytes, err := encoding.EncodeVector(coord)
	if err != nil {
		return wrapError(op, err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE atoms SET coord = ?, curve_key = ? WHERE id = ?",
		coordBytes, int64(curveKey), id)
	if err != nil {
		return wrapError(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapError(op, ErrNotFound)
	}
	return nil
}

// Release decrements an atom's reference count. At zero the atom is
// marked released and becomes eligible for asynchronous garbage
// collection after the retention window; nothing is deleted inline.
// Returns the remaining reference count.
func (s *Store) Release(ctx context.Context, id int64) (int64, error) {
	const op = "release"
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	var refCount int64
	err = tx.QueryRowContext(ctx, `
		UPDATE atoms
		SET ref_count = ref_count - 1,
		    released_at = CASE WHEN ref_count - 1 = 0 THEN ? ELSE released_at END
		WHERE id = ? AND ref_count > 0
		RETURNING ref_count
	`, now.UnixNano(), id).Scan(&refCount)
	if err == sql.ErrNoRows {
		// Distinguish a missing atom from one already at zero.
		var exists int
		lookupErr := tx.QueryRowContext(ctx, "SELECT 1 FROM atoms WHERE id = ?", id).Scan(&exists)
		if lookupErr == sql.ErrNoRows {
			return 0, wrapError(op, ErrNotFound)
		}
		if lookupErr != nil {
			return 0, wrapError(op, lookupErr)
		}
		return 0, wrapError(op, ErrNotReferenced)
	}
	if err != nil {
		return 0, wrapError(op, err)
	}

	state := versionStateReferenced
	if refCount == 0 {
		state = versionStateReleased
	}
	if err := appendVersion(ctx, tx, id, state, refCount, now); err != nil {
		return 0, wrapError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapError(op, err)
	}
	return refCount, nil
}

// Coordinate is one projected atom, as needed to rebuild the spatial
// index without loading payloads.
type Coordinate struct {
	ID       int64
	Coord    []float32
	CurveKey int64
}

// Coordinates returns every atom that has a projected coordinate,
// ordered by curve key so a bulk load walks the curve.
func (s *Store) Coordinates(ctx context.Context) ([]Coordinate, error) {
	const op = "coordinates"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, coord, curve_key FROM atoms WHERE coord IS NOT NULL ORDER BY curve_key")
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Coordinate
	for rows.Next() {
		var c Coordinate
		var coordBytes []byte
		var curveKey sql.NullInt64
		if err := rows.Scan(&c.ID, &coordBytes, &curveKey); err != nil {
			return nil, wrapError(op, err)
		}
		coord, err := encoding.DecodeVector(coordBytes)
		if err != nil {
			return nil, wrapError(op, err)
		}
		c.Coord = coord
		c.CurveKey = curveKey.Int64
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(op, err)
	}
	return out, nil
}

// Count returns the number of atoms stored for a tenant.
func (s *Store) Count(ctx context.Context, tenantID string) (int64, error) {
	const op = "count"
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM atoms WHERE tenant_id = ?", tenantID).Scan(&n)
	if err != nil {
		return 0, wrapError(op, err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
