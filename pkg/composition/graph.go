// Package composition records ordered parent/child edges between atoms
// and reconstructs composite content from them. Edges are created with
// their endpoints and never mutated; they disappear only when the
// parent atom is garbage-collected (cascade).
package composition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lithicdb/lithic/pkg/atom"
)

var (
	// ErrDuplicateEdge is returned when an edge with the same parent,
	// child and relation already exists.
	ErrDuplicateEdge = errors.New("edge already exists")

	// ErrDuplicateSequence is returned when the sequence index is
	// already taken for the parent and relation.
	ErrDuplicateSequence = errors.New("sequence index already used")

	// ErrCycle is returned when reconstruction encounters a cycle.
	ErrCycle = errors.New("composition cycle detected")
)

// Edge is one ordered parent/child link.
type Edge struct {
	ParentID int64
	ChildID  int64
	Seq      int64
	Relation string
}

// Graph provides composition operations over the atom store's database.
type Graph struct {
	store *atom.Store
}

// New creates a graph over an initialized atom store. The edge table is
// part of the store schema.
func New(store *atom.Store) *Graph {
	return &Graph{store: store}
}

// AddEdge links child under parent at the given sequence index. The
// child's reference count is incremented in the same transaction, so a
// composed child can never be garbage-collected out from under its
// parent. Sequence indexes for one (parent, relation) must be unique
// but need not be contiguous.
func (g *Graph) AddEdge(ctx context.Context, parentID, childID, seq int64, relation string) error {
	db := g.store.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("addEdge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO composition_edges (parent_id, child_id, seq, relation) VALUES (?, ?, ?, ?)",
		parentID, childID, seq, relation)
	if err != nil {
		return fmt.Errorf("addEdge: %w", mapConstraintError(err))
	}

	var refCount int64
	err = tx.QueryRowContext(ctx,
		"UPDATE atoms SET ref_count = ref_count + 1 WHERE id = ? RETURNING ref_count",
		childID).Scan(&refCount)
	if err != nil {
		return fmt.Errorf("addEdge: failed to retain child %d: %w", childID, err)
	}
	// Mirror the retain into the child's version log.
	ts := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		"UPDATE atom_versions SET valid_to = ? WHERE atom_id = ? AND valid_to IS NULL", ts, childID); err != nil {
		return fmt.Errorf("addEdge: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO atom_versions (atom_id, state, ref_count, valid_from) VALUES (?, 'referenced', ?, ?)",
		childID, refCount, ts); err != nil {
		return fmt.Errorf("addEdge: %w", err)
	}

	return tx.Commit()
}

func mapConstraintError(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	if strings.Contains(msg, "composition_edges.seq") {
		return ErrDuplicateSequence
	}
	return ErrDuplicateEdge
}

// Edges returns the direct edges of a parent under a relation kind,
// ordered by ascending sequence index.
func (g *Graph) Edges(ctx context.Context, parentID int64, relation string) ([]Edge, error) {
	rows, err := g.store.DB().QueryContext(ctx, `
		SELECT parent_id, child_id, seq, relation FROM composition_edges
		WHERE parent_id = ? AND relation = ? ORDER BY seq
	`, parentID, relation)
	if err != nil {
		return nil, fmt.Errorf("edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ParentID, &e.ChildID, &e.Seq, &e.Relation); err != nil {
			return nil, fmt.Errorf("edges: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reconstruct returns the parent's direct children in ascending
// sequence order.
func (g *Graph) Reconstruct(ctx context.Context, parentID int64, relation string) ([]int64, error) {
	edges, err := g.Edges(ctx, parentID, relation)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(edges))
	for i, e := range edges {
		ids[i] = e.ChildID
	}
	return ids, nil
}

// ReconstructLeaves walks the composition depth-first in sequence order
// and returns the leaf atom ids, reconstructing hierarchical content
// down to atoms with no further children under the relation kind.
func (g *Graph) ReconstructLeaves(ctx context.Context, parentID int64, relation string) ([]int64, error) {
	var leaves []int64
	onPath := make(map[int64]bool)

	var walk func(id int64) error
	walk = func(id int64) error {
		if onPath[id] {
			return fmt.Errorf("%w: atom %d", ErrCycle, id)
		}
		children, err := g.Reconstruct(ctx, id, relation)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			leaves = append(leaves, id)
			return nil
		}
		onPath[id] = true
		for _, child := range children {
			if err := walk(child); err != nil {
				return err
			}
		}
		delete(onPath, id)
		return nil
	}

	if err := walk(parentID); err != nil {
		return nil, err
	}
	// A parent with no edges reconstructs to itself; callers resolve
	// the content from the atom store.
	return leaves, nil
}

// Assemble concatenates the content bytes of the parent's leaves in
// reconstruction order.
func (g *Graph) Assemble(ctx context.Context, parentID int64, relation string) ([]byte, error) {
	leaves, err := g.ReconstructLeaves(ctx, parentID, relation)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, id := range leaves {
		a, err := g.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("assemble: atom %d: %w", id, err)
		}
		out = append(out, a.Content()...)
	}
	return out, nil
}
