package projector

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lithicdb/lithic/internal/encoding"
)

// Registry persists landmark bases in SQLite. Bases are written once at
// model-onboarding time and never updated; a new model version gets a
// new basis row set.
type Registry struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*Basis
}

// NewRegistry creates a registry over an open database handle.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, cache: make(map[string]*Basis)}
}

// InitSchema creates the landmark basis table if it does not exist.
func (r *Registry) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS landmark_bases (
		model_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		axis_idx INTEGER NOT NULL,
		label TEXT NOT NULL,
		vector BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (model_id, version, axis_idx)
	);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create landmark basis table: %w", err)
	}
	return nil
}

func basisKey(modelID string, version int) string {
	return fmt.Sprintf("%s@%d", modelID, version)
}

// Create stores a new basis. It fails if any rows already exist for the
// model id and version: bases are immutable after onboarding.
func (r *Registry) Create(ctx context.Context, b *Basis) error {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM landmark_bases WHERE model_id = ? AND version = ?",
		b.ModelID, b.Version).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check existing basis: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("basis %s/v%d already exists and is immutable", b.ModelID, b.Version)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, lm := range b.Axes {
		vecBytes, err := encoding.EncodeVector(lm.Vector)
		if err != nil {
			return fmt.Errorf("failed to encode axis %d: %w", i, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO landmark_bases (model_id, version, axis_idx, label, vector) VALUES (?, ?, ?, ?, ?)",
			b.ModelID, b.Version, i, lm.Label, vecBytes)
		if err != nil {
			return fmt.Errorf("failed to insert axis %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit basis: %w", err)
	}

	r.mu.Lock()
	r.cache[basisKey(b.ModelID, b.Version)] = b
	r.mu.Unlock()
	return nil
}

// Get loads a basis, caching the orthonormalized form.
func (r *Registry) Get(ctx context.Context, modelID string, version int) (*Basis, error) {
	key := basisKey(modelID, version)
	r.mu.RLock()
	if b, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx,
		"SELECT axis_idx, label, vector FROM landmark_bases WHERE model_id = ? AND version = ? ORDER BY axis_idx",
		modelID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query basis: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var axes []Landmark
	for rows.Next() {
		var idx int
		var label string
		var vecBytes []byte
		if err := rows.Scan(&idx, &label, &vecBytes); err != nil {
			return nil, fmt.Errorf("failed to scan basis row: %w", err)
		}
		vec, err := encoding.DecodeVector(vecBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to decode axis %d: %w", idx, err)
		}
		axes = append(axes, Landmark{Label: label, Vector: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(axes) == 0 {
		return nil, fmt.Errorf("%w: %s/v%d", ErrBasisNotFound, modelID, version)
	}

	b, err := NewBasis(modelID, version, axes)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = b
	r.mu.Unlock()
	return b, nil
}

// Latest returns the basis with the highest version for a model.
func (r *Registry) Latest(ctx context.Context, modelID string) (*Basis, error) {
	var version sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM landmark_bases WHERE model_id = ?", modelID).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve latest basis version: %w", err)
	}
	if !version.Valid {
		return nil, fmt.Errorf("%w: %s", ErrBasisNotFound, modelID)
	}
	return r.Get(ctx, modelID, int(version.Int64))
}
