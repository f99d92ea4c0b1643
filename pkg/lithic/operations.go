package lithic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lithicdb/lithic/pkg/atom"
	"github.com/lithicdb/lithic/pkg/projector"
)

// IngestRequest submits one content unit.
type IngestRequest struct {
	TenantID string
	Modality string
	Subtype  string
	Content  []byte
	Metadata map[string]string

	// Vector is the optional embedding; when present and a basis is
	// active the atom is projected and spatially indexed.
	Vector []float32
}

// IngestResult reports what happened to a submission.
type IngestResult struct {
	Atom    *atom.Atom
	Deduped bool

	// Indexed is true when the atom entered the spatial index.
	// IndexErr explains why it did not; the atom itself is stored
	// either way.
	Indexed  bool
	IndexErr error
}

// Ingest stores content, deduplicating by digest, and indexes it
// spatially when an embedding vector is provided. A vector that cannot
// be projected never blocks storage: the atom lands unindexed and the
// reason is reported on the result.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	a, deduped, err := e.store.GetOrCreate(ctx, req.TenantID, req.Modality, req.Subtype, req.Content, req.Metadata)
	if err != nil {
		return nil, err
	}
	e.recorder.ObserveIngest(deduped)
	res := &IngestResult{Atom: a, Deduped: deduped}

	if req.Vector == nil {
		return res, nil
	}
	if err := e.indexAtom(ctx, a, req.Vector); err != nil {
		if errors.Is(err, projector.ErrDegenerateVector) || errors.Is(err, projector.ErrDimensionMismatch) || errors.Is(err, ErrNoBasis) {
			e.logger.Warn("atom stored without spatial index", "atom", a.ID, "error", err)
			res.IndexErr = err
			return res, nil
		}
		return nil, err
	}
	res.Indexed = true
	return res, nil
}

// indexAtom projects a vector, persists the coordinate and curve key,
// and inserts the entry into the live index.
func (e *Engine) indexAtom(ctx context.Context, a *atom.Atom, vector []float32) error {
	e.mu.RLock()
	basis, encoder, index := e.basis, e.encoder, e.index
	e.mu.RUnlock()
	if basis == nil {
		return ErrNoBasis
	}

	coord, err := basis.Project(vector)
	if err != nil {
		return err
	}
	key, err := encoder.Encode(coord)
	if err != nil {
		return err
	}
	if err := e.store.SetCoordinate(ctx, a.ID, coord, key); err != nil {
		return err
	}
	a.Coord = coord
	a.CurveKey = int64(key)
	a.HasCoord = true
	return index.Insert(a.ID, coord, key)
}

// Match is one query hit with its exact distance in coordinate space.
type Match struct {
	Atom     *atom.Atom
	Distance float64
}

// QueryRequest asks for the nearest stored atoms. TenantID scopes the
// results the same way it scopes storage. Exactly one of Vector or
// Coord must be set: a raw embedding is projected first, a coordinate
// is used as-is.
type QueryRequest struct {
	TenantID string
	Vector   []float32
	Coord    []float32
	Radius   float64
	Limit    int
}

// KNNQuery returns up to Limit atoms of the tenant within Radius of the
// query point, nearest first.
func (e *Engine) KNNQuery(ctx context.Context, req QueryRequest) ([]Match, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		return nil, fmt.Errorf("query: %w", atom.ErrTenantRequired)
	}
	if req.Radius < 0 || req.Limit <= 0 {
		return nil, fmt.Errorf("query: radius %v and limit %d must be positive", req.Radius, req.Limit)
	}
	e.mu.RLock()
	basis, index := e.basis, e.index
	e.mu.RUnlock()
	if index == nil {
		return nil, ErrNoBasis
	}

	coord := req.Coord
	if coord == nil {
		if req.Vector == nil {
			return nil, fmt.Errorf("query needs a vector or a coordinate")
		}
		var err error
		coord, err = basis.Project(req.Vector)
		if err != nil {
			return nil, err
		}
	}

	// The index holds every tenant's atoms, so fetch all hits in range
	// and cut to the limit only after tenant filtering.
	start := time.Now()
	hits, err := index.Query(coord, req.Radius, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	e.recorder.ObserveQuery(time.Since(start), index.Stats().LastCandidates)

	matches := make([]Match, 0, req.Limit)
	for _, h := range hits {
		a, err := e.store.Get(ctx, h.ID)
		if errors.Is(err, atom.ErrNotFound) {
			// Collected between index read and hydration.
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.TenantID != req.TenantID {
			continue
		}
		matches = append(matches, Match{Atom: a, Distance: h.Distance})
		if len(matches) == req.Limit {
			break
		}
	}
	return matches, nil
}

// Release decrements an atom's reference count; the collector removes
// it from disk and from the index once the retention window passes.
func (e *Engine) Release(ctx context.Context, id int64) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.store.Release(ctx, id)
}

// Compose links a child under a parent at a sequence position.
func (e *Engine) Compose(ctx context.Context, parentID, childID, seq int64, relation string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.graph.AddEdge(ctx, parentID, childID, seq, relation)
}

// Reconstruct returns the direct children of a parent in sequence
// order.
func (e *Engine) Reconstruct(ctx context.Context, parentID int64, relation string) ([]int64, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.graph.Reconstruct(ctx, parentID, relation)
}

// Assemble concatenates the leaf contents under a parent in depth-first
// sequence order.
func (e *Engine) Assemble(ctx context.Context, parentID int64, relation string) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.graph.Assemble(ctx, parentID, relation)
}
