// Package curve maps low-dimensional coordinates onto a single sortable
// integer using a Hilbert space-filling curve. The encoded value is a
// locality-preserving sort key for bulk loads and storage clustering. It
// is never a substitute for the raw coordinate in distance computations.
package curve

import (
	"errors"
	"fmt"
)

// DefaultBitsPerAxis quantizes each axis to 21 bits, a 63-bit combined
// key for the usual three axes.
const DefaultBitsPerAxis = 21

var (
	// ErrDimensionMismatch is returned when a coordinate's axis count
	// does not match the encoder's.
	ErrDimensionMismatch = errors.New("coordinate dimension mismatch")

	// ErrKeyOverflow is returned when axisCount*bitsPerAxis exceeds the
	// 63 bits available in a signed integer sort key.
	ErrKeyOverflow = errors.New("combined key exceeds 63 bits")
)

// Encoder quantizes coordinates inside a fixed bounding box and encodes
// them along a Hilbert curve.
type Encoder struct {
	axisCount   int
	bitsPerAxis uint
	min         []float64
	scale       []float64
}

// NewEncoder creates an encoder for axisCount axes quantized to
// bitsPerAxis bits each, over the bounding box [min, max] per axis.
// Pass bitsPerAxis <= 0 for the default.
func NewEncoder(bitsPerAxis int, min, max []float32) (*Encoder, error) {
	if bitsPerAxis <= 0 {
		bitsPerAxis = DefaultBitsPerAxis
	}
	axisCount := len(min)
	if axisCount == 0 || axisCount != len(max) {
		return nil, fmt.Errorf("bounding box min/max dimensions invalid: %d vs %d", len(min), len(max))
	}
	if axisCount*bitsPerAxis > 63 {
		return nil, ErrKeyOverflow
	}

	e := &Encoder{
		axisCount:   axisCount,
		bitsPerAxis: uint(bitsPerAxis),
		min:         make([]float64, axisCount),
		scale:       make([]float64, axisCount),
	}
	maxCell := float64(uint64(1)<<e.bitsPerAxis - 1)
	for i := 0; i < axisCount; i++ {
		lo, hi := float64(min[i]), float64(max[i])
		if hi <= lo {
			return nil, fmt.Errorf("bounding box axis %d is empty: [%v, %v]", i, lo, hi)
		}
		e.min[i] = lo
		e.scale[i] = maxCell / (hi - lo)
	}
	return e, nil
}

// AxisCount returns the number of axes the encoder accepts.
func (e *Encoder) AxisCount() int { return e.axisCount }

// Encode quantizes the coordinate and returns its Hilbert curve index.
// Coordinates outside the bounding box are clamped to its surface.
func (e *Encoder) Encode(coord []float32) (uint64, error) {
	if len(coord) != e.axisCount {
		return 0, fmt.Errorf("%w: got %d axes, want %d", ErrDimensionMismatch, len(coord), e.axisCount)
	}

	cells := make([]uint64, e.axisCount)
	maxCell := uint64(1)<<e.bitsPerAxis - 1
	for i, v := range coord {
		scaled := (float64(v) - e.min[i]) * e.scale[i]
		switch {
		case scaled < 0:
			cells[i] = 0
		case scaled > float64(maxCell):
			cells[i] = maxCell
		default:
			cells[i] = uint64(scaled)
		}
	}

	axesToTranspose(cells, e.bitsPerAxis)
	return interleave(cells, e.bitsPerAxis), nil
}

// axesToTranspose converts cell coordinates in place into the transposed
// Hilbert representation (Skilling, "Programming the Hilbert curve").
func axesToTranspose(x []uint64, bits uint) {
	n := len(x)
	m := uint64(1) << (bits - 1)

	// Inverse undo of the Gray-code excess.
	for q := m; q > 1; q >>= 1 {
		p := q - 1
		for i := 0; i < n; i++ {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}

	// Gray encode.
	for i := 1; i < n; i++ {
		x[i] ^= x[i-1]
	}
	var t uint64
	for q := m; q > 1; q >>= 1 {
		if x[n-1]&q != 0 {
			t ^= q - 1
		}
	}
	for i := 0; i < n; i++ {
		x[i] ^= t
	}
}

// transposeToAxes is the inverse of axesToTranspose.
func transposeToAxes(x []uint64, bits uint) {
	n := len(x)
	m := uint64(2) << (bits - 1)

	// Gray decode.
	t := x[n-1] >> 1
	for i := n - 1; i > 0; i-- {
		x[i] ^= x[i-1]
	}
	x[0] ^= t

	// Undo excess work.
	for q := uint64(2); q != m; q <<= 1 {
		p := q - 1
		for i := n - 1; i >= 0; i-- {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}
}

// interleave packs the transposed representation into a single integer,
// most significant bit plane first.
func interleave(x []uint64, bits uint) uint64 {
	var key uint64
	for b := int(bits) - 1; b >= 0; b-- {
		for i := 0; i < len(x); i++ {
			key = key<<1 | (x[i]>>uint(b))&1
		}
	}
	return key
}

// deinterleave splits a key back into the transposed representation.
func deinterleave(key uint64, n int, bits uint) []uint64 {
	x := make([]uint64, n)
	total := int(bits) * n
	for pos := 0; pos < total; pos++ {
		bit := (key >> uint(total-1-pos)) & 1
		axis := pos % n
		x[axis] = x[axis]<<1 | bit
	}
	return x
}

// DecodeCells returns the quantized cell coordinates for a key. Used by
// bulk-load verification; the raw coordinate is not recoverable beyond
// cell resolution.
func (e *Encoder) DecodeCells(key uint64) []uint64 {
	x := deinterleave(key, e.axisCount, e.bitsPerAxis)
	transposeToAxes(x, e.bitsPerAxis)
	return x
}
