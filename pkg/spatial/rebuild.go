package spatial

import (
	"sort"
	"time"
)

// Rebuild reconstructs the grid from scratch, bulk-loading entries in
// ascending Hilbert key order. The replacement structure is built
// without holding the index lock; the swap itself takes the write lock
// only long enough to exchange the maps, so concurrent queries drain
// against the old structure and then observe the new one atomically.
func (idx *Index) Rebuild() {
	idx.mu.RLock()
	entries := make([]*Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		entries = append(entries, e)
	}
	idx.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	fresh := &Index{
		cfg:       idx.cfg,
		axisCount: idx.axisCount,
		cellSize:  idx.cellSize,
		entries:   make(map[int64]*Entry, len(entries)),
		occupancy: make(map[cellKey]int),
		leaves:    make(map[cellKey][]int64),
		logger:    idx.logger,
	}
	for _, e := range entries {
		fresh.entries[e.ID] = e
		fresh.assignLocked(e)
	}

	idx.mu.Lock()
	// Entries inserted or removed while the rebuild ran take precedence
	// over the snapshot we started from.
	for id, e := range idx.entries {
		if cur, ok := fresh.entries[id]; !ok || cur != e {
			if ok {
				fresh.unassignLocked(cur)
			}
			fresh.entries[id] = e
			fresh.assignLocked(e)
		}
	}
	for id := range fresh.entries {
		if _, ok := idx.entries[id]; !ok {
			fresh.unassignLocked(fresh.entries[id])
			delete(fresh.entries, id)
		}
	}
	idx.entries = fresh.entries
	idx.occupancy = fresh.occupancy
	idx.leaves = fresh.leaves
	idx.lastRebuild = time.Now()
	idx.mu.Unlock()

	idx.logger.Debug("spatial index rebuilt", "entries", len(entries))
}
