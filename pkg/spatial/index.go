// Package spatial maintains a multi-level grid index over projected
// coordinates, supporting radius-bounded k-nearest-neighbor queries.
//
// The coordinate space is a fixed bounding box subdivided into nested
// grid levels of increasing resolution. Queries run in two stages:
// coarse-to-fine traversal prunes cells whose box cannot intersect the
// query sphere, then exact Euclidean distances rank the surviving
// candidate set. Entries are assigned to every cell they overlap within
// a configurable padding, so a candidate can never be lost to cell
// boundary error as long as the padding covers it.
package spatial

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

var (
	// ErrDimensionMismatch is returned when a coordinate does not match
	// the index's axis count.
	ErrDimensionMismatch = errors.New("coordinate dimension mismatch")

	// ErrNotFound is returned when removing an id the index does not hold.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidConfig is returned for unusable index configurations.
	ErrInvalidConfig = errors.New("invalid index configuration")
)

// Entry is one indexed atom: its id, raw coordinate and Hilbert sort key.
type Entry struct {
	ID    int64     `json:"id"`
	Coord []float32 `json:"coord"`
	Key   uint64    `json:"key"`
}

// Result is one ranked query hit.
type Result struct {
	ID       int64
	Distance float64
}

// Config controls the index geometry.
type Config struct {
	// Min and Max define the fixed bounding box, one value per axis.
	Min []float32
	Max []float32

	// Resolutions lists cells per axis for each grid level, coarse to
	// fine. Each level's resolution must be an integer multiple of the
	// previous one. Two to four levels are expected.
	Resolutions []int

	// Padding widens cell assignment so entries near boundaries land in
	// every cell a query within Padding could reach.
	Padding float32

	Logger *log.Logger
}

// DefaultConfig returns a three-level index over [-1, 1] per axis, which
// fits cosine-derived coordinates.
func DefaultConfig(axisCount int) Config {
	minB := make([]float32, axisCount)
	maxB := make([]float32, axisCount)
	for i := range minB {
		minB[i] = -1
		maxB[i] = 1
	}
	return Config{
		Min:         minB,
		Max:         maxB,
		Resolutions: []int{8, 32, 128},
		Padding:     0.01,
	}
}

// cellKey addresses one grid cell. Up to four axes; unused axes stay 0.
type cellKey struct {
	level int8
	c     [4]int32
}

// Index is the in-memory structure. A single RWMutex guards it: readers
// take the read lock, incremental writes the write lock, and rebuilds
// construct a full replacement off-lock and swap it in under a brief
// write lock so queries always observe a complete structure.
type Index struct {
	mu sync.RWMutex

	cfg       Config
	axisCount int
	cellSize  [][]float64 // per level, per axis
	entries   map[int64]*Entry
	occupancy map[cellKey]int  // non-leaf levels
	leaves    map[cellKey][]int64

	lastRebuild    time.Time
	lastCandidates atomic.Int64
	logger         *log.Logger
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	axisCount := len(cfg.Min)
	if axisCount == 0 || axisCount > 4 || axisCount != len(cfg.Max) {
		return nil, fmt.Errorf("%w: bounding box must have 1-4 matching axes", ErrInvalidConfig)
	}
	if len(cfg.Resolutions) < 2 || len(cfg.Resolutions) > 4 {
		return nil, fmt.Errorf("%w: need 2-4 grid levels, got %d", ErrInvalidConfig, len(cfg.Resolutions))
	}
	for i, res := range cfg.Resolutions {
		if res <= 0 {
			return nil, fmt.Errorf("%w: level %d resolution %d", ErrInvalidConfig, i, res)
		}
		if i > 0 && res%cfg.Resolutions[i-1] != 0 {
			return nil, fmt.Errorf("%w: level %d resolution %d not a multiple of %d", ErrInvalidConfig, i, res, cfg.Resolutions[i-1])
		}
	}
	if cfg.Padding < 0 {
		return nil, fmt.Errorf("%w: negative padding", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
		logger.SetLevel(log.FatalLevel)
	}

	idx := &Index{
		cfg:       cfg,
		axisCount: axisCount,
		entries:   make(map[int64]*Entry),
		occupancy: make(map[cellKey]int),
		leaves:    make(map[cellKey][]int64),
		logger:    logger,
	}
	idx.cellSize = make([][]float64, len(cfg.Resolutions))
	for l, res := range cfg.Resolutions {
		idx.cellSize[l] = make([]float64, axisCount)
		for a := 0; a < axisCount; a++ {
			idx.cellSize[l][a] = (float64(cfg.Max[a]) - float64(cfg.Min[a])) / float64(res)
		}
	}
	return idx, nil
}

func (idx *Index) leafLevel() int { return len(idx.cfg.Resolutions) - 1 }

// cellOf returns the cell coordinate of value v on one axis, clamped to
// the grid.
func (idx *Index) cellOf(level, axis int, v float64) int32 {
	c := int32(math.Floor((v - float64(idx.cfg.Min[axis])) / idx.cellSize[level][axis]))
	if c < 0 {
		return 0
	}
	if limit := int32(idx.cfg.Resolutions[level]) - 1; c > limit {
		return limit
	}
	return c
}

// cellRange returns the inclusive cell range per axis covered by the box
// [center-r, center+r].
func (idx *Index) cellRange(level int, center []float32, r float64) (lo, hi [4]int32) {
	for a := 0; a < idx.axisCount; a++ {
		lo[a] = idx.cellOf(level, a, float64(center[a])-r)
		hi[a] = idx.cellOf(level, a, float64(center[a])+r)
	}
	return lo, hi
}

// forEachCell walks every cell in the inclusive range, up to 4 axes.
func (idx *Index) forEachCell(level int, lo, hi [4]int32, fn func(cellKey)) {
	var walk func(axis int, c [4]int32)
	walk = func(axis int, c [4]int32) {
		if axis == idx.axisCount {
			fn(cellKey{level: int8(level), c: c})
			return
		}
		for v := lo[axis]; v <= hi[axis]; v++ {
			c[axis] = v
			walk(axis+1, c)
		}
	}
	walk(0, [4]int32{})
}

// Insert adds or replaces an entry. Queries running concurrently observe
// either the pre- or post-insert state, never a partial assignment.
func (idx *Index) Insert(id int64, coord []float32, key uint64) error {
	if len(coord) != idx.axisCount {
		return fmt.Errorf("%w: got %d axes, want %d", ErrDimensionMismatch, len(coord), idx.axisCount)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if old, ok := idx.entries[id]; ok {
		idx.unassignLocked(old)
	}
	e := &Entry{ID: id, Coord: append([]float32(nil), coord...), Key: key}
	idx.entries[id] = e
	idx.assignLocked(e)
	return nil
}

// Remove drops an entry from the index.
func (idx *Index) Remove(id int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	idx.unassignLocked(e)
	delete(idx.entries, id)
	return nil
}

func (idx *Index) assignLocked(e *Entry) {
	pad := float64(idx.cfg.Padding)
	for level := range idx.cfg.Resolutions {
		lo, hi := idx.cellRange(level, e.Coord, pad)
		leaf := level == idx.leafLevel()
		idx.forEachCell(level, lo, hi, func(k cellKey) {
			if leaf {
				idx.leaves[k] = append(idx.leaves[k], e.ID)
			} else {
				idx.occupancy[k]++
			}
		})
	}
}

func (idx *Index) unassignLocked(e *Entry) {
	pad := float64(idx.cfg.Padding)
	for level := range idx.cfg.Resolutions {
		lo, hi := idx.cellRange(level, e.Coord, pad)
		leaf := level == idx.leafLevel()
		idx.forEachCell(level, lo, hi, func(k cellKey) {
			if leaf {
				ids := idx.leaves[k]
				for i, id := range ids {
					if id == e.ID {
						ids[i] = ids[len(ids)-1]
						idx.leaves[k] = ids[:len(ids)-1]
						break
					}
				}
				if len(idx.leaves[k]) == 0 {
					delete(idx.leaves, k)
				}
			} else {
				if idx.occupancy[k]--; idx.occupancy[k] <= 0 {
					delete(idx.occupancy, k)
				}
			}
		})
	}
}

// Query returns up to limit entries within radius of center, ordered by
// ascending exact Euclidean distance.
func (idx *Index) Query(center []float32, radius float64, limit int) ([]Result, error) {
	if len(center) != idx.axisCount {
		return nil, fmt.Errorf("%w: got %d axes, want %d", ErrDimensionMismatch, len(center), idx.axisCount)
	}
	if radius < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: radius %v, limit %d", ErrInvalidConfig, radius, limit)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[int64]struct{})
	lo, hi := idx.cellRange(0, center, radius)
	idx.collectLocked(0, lo, hi, center, radius, seen)
	// Atomic: queries hold only the read lock, so two of them may race
	// on this counter.
	idx.lastCandidates.Store(int64(len(seen)))

	results := make([]Result, 0, len(seen))
	for id := range seen {
		e := idx.entries[id]
		if e == nil {
			continue
		}
		d := euclidean(center, e.Coord)
		if d <= radius {
			results = append(results, Result{ID: id, Distance: d})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// collectLocked gathers candidate ids for the query sphere, descending
// only into occupied cells and clipping each descent to the cells the
// sphere can reach at the next level.
func (idx *Index) collectLocked(level int, lo, hi [4]int32, center []float32, radius float64, seen map[int64]struct{}) {
	if level == idx.leafLevel() {
		idx.forEachCell(level, lo, hi, func(k cellKey) {
			for _, id := range idx.leaves[k] {
				seen[id] = struct{}{}
			}
		})
		return
	}

	ratio := int32(idx.cfg.Resolutions[level+1] / idx.cfg.Resolutions[level])
	qlo, qhi := idx.cellRange(level+1, center, radius)
	idx.forEachCell(level, lo, hi, func(k cellKey) {
		if idx.occupancy[k] == 0 {
			return
		}
		var clo, chi [4]int32
		for a := 0; a < idx.axisCount; a++ {
			clo[a] = maxInt32(k.c[a]*ratio, qlo[a])
			chi[a] = minInt32((k.c[a]+1)*ratio-1, qhi[a])
			if clo[a] > chi[a] {
				return
			}
		}
		idx.collectLocked(level+1, clo, chi, center, radius, seen)
	})
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func euclidean(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return math.Sqrt(s)
}

// Stats reports index health counters for the control loop.
type Stats struct {
	Size           int
	Levels         int
	LeafCells      int
	MaxLeafBucket  int
	LastCandidates int
	LastRebuild    time.Time
}

// Stats returns a snapshot of index health counters.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s := Stats{
		Size:           len(idx.entries),
		Levels:         len(idx.cfg.Resolutions),
		LeafCells:      len(idx.leaves),
		LastCandidates: int(idx.lastCandidates.Load()),
		LastRebuild:    idx.lastRebuild,
	}
	for _, ids := range idx.leaves {
		if len(ids) > s.MaxLeafBucket {
			s.MaxLeafBucket = len(ids)
		}
	}
	return s
}
