package spatial

import (
	"context"
	"database/sql"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/lithicdb/lithic/pkg/curve"
)

func testIndex(t *testing.T, min, max []float32) *Index {
	t.Helper()
	cfg := DefaultConfig(len(min))
	cfg.Min = min
	cfg.Max = max
	idx, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return idx
}

func TestQueryRankedWithinRadius(t *testing.T) {
	idx := testIndex(t, []float32{-100, -100, -100}, []float32{100, 100, 100})

	coords := [][]float32{{0, 0, 0}, {1, 1, 1}, {50, 50, 50}}
	for i, c := range coords {
		if err := idx.Insert(int64(i+1), c, 0); err != nil {
			t.Fatal(err)
		}
	}

	results, err := idx.Query([]float32{0, 0, 0}, 10, 2)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != 1 || results[1].ID != 2 {
		t.Errorf("wrong ranking: %+v", results)
	}
	if results[0].Distance > results[1].Distance {
		t.Errorf("results not in ascending distance order: %+v", results)
	}
	for _, r := range results {
		if r.ID == 3 {
			t.Error("entry outside radius included")
		}
	}
}

func TestInsertReplaceAndRemove(t *testing.T) {
	idx := testIndex(t, []float32{0, 0}, []float32{10, 10})

	if err := idx.Insert(7, []float32{1, 1}, 0); err != nil {
		t.Fatal(err)
	}
	// Replacing moves the entry; the old position must not match.
	if err := idx.Insert(7, []float32{9, 9}, 0); err != nil {
		t.Fatal(err)
	}
	res, _ := idx.Query([]float32{1, 1}, 0.5, 10)
	if len(res) != 0 {
		t.Errorf("stale position still indexed: %+v", res)
	}
	res, _ = idx.Query([]float32{9, 9}, 0.5, 10)
	if len(res) != 1 || res[0].ID != 7 {
		t.Errorf("replaced entry not found: %+v", res)
	}

	if err := idx.Remove(7); err != nil {
		t.Fatal(err)
	}
	if err := idx.Remove(7); err == nil {
		t.Error("expected ErrNotFound on double remove")
	}
	if s := idx.Stats(); s.Size != 0 {
		t.Errorf("Size = %d after remove, want 0", s.Size)
	}
}

func bruteKNN(coords map[int64][]float32, center []float32, radius float64, k int) []int64 {
	type pair struct {
		id int64
		d  float64
	}
	var all []pair
	for id, c := range coords {
		var s float64
		for i := range c {
			d := float64(c[i]) - float64(center[i])
			s += d * d
		}
		d := math.Sqrt(s)
		if d <= radius {
			all = append(all, pair{id, d})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d < all[j].d
		}
		return all[i].id < all[j].id
	})
	if len(all) > k {
		all = all[:k]
	}
	ids := make([]int64, len(all))
	for i, p := range all {
		ids[i] = p.id
	}
	return ids
}

func TestKNNRecallAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	idx := testIndex(t, []float32{-1, -1, -1}, []float32{1, 1, 1})
	enc, err := curve.NewEncoder(0, []float32{-1, -1, -1}, []float32{1, 1, 1})
	if err != nil {
		t.Fatal(err)
	}

	coords := make(map[int64][]float32)
	for i := int64(1); i <= 2000; i++ {
		c := []float32{
			rng.Float32()*2 - 1,
			rng.Float32()*2 - 1,
			rng.Float32()*2 - 1,
		}
		coords[i] = c
		key, _ := enc.Encode(c)
		if err := idx.Insert(i, c, key); err != nil {
			t.Fatal(err)
		}
	}

	const k = 10
	matched, total := 0, 0
	for q := 0; q < 50; q++ {
		center := []float32{
			rng.Float32()*2 - 1,
			rng.Float32()*2 - 1,
			rng.Float32()*2 - 1,
		}
		want := bruteKNN(coords, center, 0.5, k)
		got, err := idx.Query(center, 0.5, k)
		if err != nil {
			t.Fatal(err)
		}
		gotSet := make(map[int64]bool, len(got))
		for _, r := range got {
			gotSet[r.ID] = true
		}
		for _, id := range want {
			total++
			if gotSet[id] {
				matched++
			}
		}
	}
	if total == 0 {
		t.Fatal("brute force found no neighbors; test setup broken")
	}
	recall := float64(matched) / float64(total)
	if recall < 0.95 {
		t.Errorf("recall = %.3f, want >= 0.95", recall)
	}
}

func TestRebuildPreservesResults(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	idx := testIndex(t, []float32{-1, -1, -1}, []float32{1, 1, 1})
	for i := int64(1); i <= 500; i++ {
		c := []float32{rng.Float32()*2 - 1, rng.Float32()*2 - 1, rng.Float32()*2 - 1}
		if err := idx.Insert(i, c, uint64(rng.Int63())); err != nil {
			t.Fatal(err)
		}
	}

	center := []float32{0, 0, 0}
	before, err := idx.Query(center, 0.4, 20)
	if err != nil {
		t.Fatal(err)
	}

	idx.Rebuild()

	after, err := idx.Query(center, 0.4, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("result count changed across rebuild: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("result %d changed across rebuild: %d vs %d", i, before[i].ID, after[i].ID)
		}
	}
	if idx.Stats().LastRebuild.IsZero() {
		t.Error("LastRebuild not recorded")
	}
}

func TestConcurrentInsertAndQuery(t *testing.T) {
	idx := testIndex(t, []float32{-1, -1, -1}, []float32{1, 1, 1})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 200; i++ {
				id := int64(w*1000 + i)
				c := []float32{rng.Float32()*2 - 1, rng.Float32()*2 - 1, rng.Float32()*2 - 1}
				if err := idx.Insert(id, c, uint64(i)); err != nil {
					t.Error(err)
					return
				}
				if i%10 == 0 {
					if _, err := idx.Query(c, 0.3, 5); err != nil {
						t.Error(err)
						return
					}
					if s := idx.Stats(); s.LastCandidates < 0 {
						t.Errorf("LastCandidates = %d", s.LastCandidates)
						return
					}
				}
			}
		}(w)
	}
	go idx.Rebuild()
	wg.Wait()

	if s := idx.Stats(); s.Size != 8*200 {
		t.Errorf("Size = %d, want %d", s.Size, 8*200)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if err := EnsureSnapshotSchema(ctx, db); err != nil {
		t.Fatal(err)
	}

	idx := testIndex(t, []float32{-1, -1, -1}, []float32{1, 1, 1})
	for i := int64(1); i <= 50; i++ {
		c := []float32{float32(i) / 100, float32(i) / 100, float32(i) / 100}
		if err := idx.Insert(i, c, uint64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := idx.SaveSnapshot(ctx, db); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	restored := testIndex(t, []float32{-1, -1, -1}, []float32{1, 1, 1})
	ok, err := restored.LoadSnapshot(ctx, db)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if !ok {
		t.Fatal("LoadSnapshot() found no snapshot")
	}
	if s := restored.Stats(); s.Size != 50 {
		t.Errorf("restored Size = %d, want 50", s.Size)
	}

	empty := testIndex(t, []float32{-1}, []float32{1})
	db2, _ := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	defer func() { _ = db2.Close() }()
	if err := EnsureSnapshotSchema(ctx, db2); err != nil {
		t.Fatal(err)
	}
	if ok, _ := empty.LoadSnapshot(ctx, db2); ok {
		t.Error("LoadSnapshot() reported a snapshot on an empty table")
	}
}
