package atom

import (
	"context"
	"time"
)

// OnCollect registers a callback invoked after each sweep with the ids
// of collected atoms. Intended for index maintenance, not for business
// logic; callbacks run on the sweeping goroutine.
func (s *Store) OnCollect(fn func(ids []int64)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.collectHooks = append(s.collectHooks, fn)
}

// CollectGarbage deletes atoms whose reference count reached zero before
// the retention window. Composition edges cascade with the atom rows.
// Returns the ids that were removed.
func (s *Store) CollectGarbage(ctx context.Context) ([]int64, error) {
	const op = "collectGarbage"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-s.config.RetentionWindow).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM atoms WHERE ref_count = 0 AND released_at IS NOT NULL AND released_at <= ?", cutoff)
	if err != nil {
		return nil, wrapError(op, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, wrapError(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, wrapError(op, err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM atoms WHERE id = ? AND ref_count = 0", id); err != nil {
			return nil, wrapError(op, err)
		}
		if err := appendVersion(ctx, tx, id, versionStateCollected, 0, now); err != nil {
			return nil, wrapError(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapError(op, err)
	}

	s.logger.Debug("garbage collected atoms", "count", len(ids))

	s.hookMu.Lock()
	hooks := append([]func(ids []int64){}, s.collectHooks...)
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(ids)
	}
	return ids, nil
}

func (s *Store) gcLoop(ctx context.Context) {
	defer close(s.gcDone)
	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CollectGarbage(ctx); err != nil {
				s.logger.Warn("garbage collection sweep failed", "error", err)
			}
		}
	}
}
