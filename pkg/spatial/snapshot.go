package spatial

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const snapshotType = "spatial-grid"

// SaveSnapshot serializes the indexed entries into the index_snapshots
// table so a restart can skip reprojecting every atom. The grid itself
// is not persisted; it is rebuilt from the entries on load.
func (idx *Index) SaveSnapshot(ctx context.Context, db *sql.DB) error {
	idx.mu.RLock()
	entries := make([]*Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		entries = append(entries, e)
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode index snapshot: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO index_snapshots (type, data, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(type) DO UPDATE SET data = excluded.data, created_at = CURRENT_TIMESTAMP
	`, snapshotType, data)
	if err != nil {
		return fmt.Errorf("failed to store index snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores entries from the latest persisted snapshot and
// bulk-loads them. Returns false when no snapshot exists.
func (idx *Index) LoadSnapshot(ctx context.Context, db *sql.DB) (bool, error) {
	var data []byte
	err := db.QueryRowContext(ctx,
		"SELECT data FROM index_snapshots WHERE type = ?", snapshotType).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load index snapshot: %w", err)
	}

	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return false, fmt.Errorf("failed to decode index snapshot: %w", err)
	}

	idx.mu.Lock()
	idx.entries = make(map[int64]*Entry, len(entries))
	for _, e := range entries {
		idx.entries[e.ID] = e
	}
	idx.mu.Unlock()

	idx.Rebuild()
	return true, nil
}

// EnsureSnapshotSchema creates the snapshot table if needed.
func EnsureSnapshotSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS index_snapshots (
			type TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create index snapshot table: %w", err)
	}
	return nil
}
