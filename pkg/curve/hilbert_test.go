package curve

import (
	"testing"
)

func TestNewEncoderValidation(t *testing.T) {
	min3 := []float32{0, 0, 0}
	max3 := []float32{1, 1, 1}

	if _, err := NewEncoder(0, min3, max3); err != nil {
		t.Fatalf("default bits encoder error = %v", err)
	}
	if _, err := NewEncoder(22, min3, max3); err != ErrKeyOverflow {
		t.Errorf("expected ErrKeyOverflow for 3x22 bits, got %v", err)
	}
	if _, err := NewEncoder(8, []float32{0}, []float32{0}); err == nil {
		t.Error("expected error for empty bounding box")
	}
	if _, err := NewEncoder(8, min3, []float32{1, 1}); err == nil {
		t.Error("expected error for mismatched min/max")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	enc, err := NewEncoder(0, []float32{-100, -100, -100}, []float32{100, 100, 100})
	if err != nil {
		t.Fatal(err)
	}
	coord := []float32{12.5, -3.75, 40}
	a, err := enc.Encode(coord)
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.Encode(coord)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("Encode not deterministic: %d vs %d", a, b)
	}
}

func TestEncodeDimensionMismatch(t *testing.T) {
	enc, _ := NewEncoder(0, []float32{0, 0, 0}, []float32{1, 1, 1})
	if _, err := enc.Encode([]float32{0.5, 0.5}); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestEncodeClampsOutOfBounds(t *testing.T) {
	enc, _ := NewEncoder(8, []float32{0, 0}, []float32{1, 1})
	inside, _ := enc.Encode([]float32{0, 0})
	below, _ := enc.Encode([]float32{-5, -5})
	if inside != below {
		t.Errorf("below-box coordinate not clamped to corner: %d vs %d", below, inside)
	}
	top, _ := enc.Encode([]float32{1, 1})
	above, _ := enc.Encode([]float32{9, 9})
	if top != above {
		t.Errorf("above-box coordinate not clamped to corner: %d vs %d", above, top)
	}
}

// Consecutive Hilbert keys must address cells exactly one step apart.
// Enumerating the full curve checks the transpose conversion end to end.
func TestCurveAdjacency(t *testing.T) {
	enc, err := NewEncoder(3, []float32{0, 0}, []float32{1, 1})
	if err != nil {
		t.Fatal(err)
	}

	total := uint64(1) << (3 * 2)
	prev := enc.DecodeCells(0)
	for key := uint64(1); key < total; key++ {
		cells := enc.DecodeCells(key)
		var dist uint64
		for i := range cells {
			d := cells[i] - prev[i]
			if cells[i] < prev[i] {
				d = prev[i] - cells[i]
			}
			dist += d
		}
		if dist != 1 {
			t.Fatalf("keys %d->%d jump distance %d: %v -> %v", key-1, key, dist, prev, cells)
		}
		prev = cells
	}
}

func TestEncodeLocalityOrdering(t *testing.T) {
	enc, err := NewEncoder(0, []float32{0, 0, 0}, []float32{100, 100, 100})
	if err != nil {
		t.Fatal(err)
	}

	near1, _ := enc.Encode([]float32{10, 10, 10})
	near2, _ := enc.Encode([]float32{10.1, 10.1, 10.1})
	far, _ := enc.Encode([]float32{90, 90, 90})

	gapNear := int64(near1) - int64(near2)
	if gapNear < 0 {
		gapNear = -gapNear
	}
	gapFar := int64(near1) - int64(far)
	if gapFar < 0 {
		gapFar = -gapFar
	}
	if gapNear >= gapFar {
		t.Errorf("nearby points not closer on the curve: near gap %d, far gap %d", gapNear, gapFar)
	}
}
