// Package projector reduces high-dimensional embedding vectors to a
// low-dimensional coordinate by trilateration against a fixed set of
// landmark reference vectors.
//
// Landmark vectors are not guaranteed orthogonal, so the basis is
// orthonormalized with Gram-Schmidt in fixed axis order when it is
// loaded. Coordinates are the cosine of the normalized input against
// each corrected axis. Axis order is part of the basis identity:
// reordering axes changes coordinates.
package projector

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDegenerateVector is returned for zero or non-finite input
	// vectors that would otherwise produce NaN coordinates.
	ErrDegenerateVector = errors.New("degenerate input vector")

	// ErrDependentLandmark is returned when a landmark vector is
	// linearly dependent on the axes before it.
	ErrDependentLandmark = errors.New("landmark vector linearly dependent on earlier axes")

	// ErrBasisNotFound is returned when no basis exists for a model id
	// and version.
	ErrBasisNotFound = errors.New("landmark basis not found")

	// ErrDimensionMismatch is returned when the input vector dimension
	// differs from the basis landmarks.
	ErrDimensionMismatch = errors.New("vector dimension does not match basis")
)

// Landmark is one reference vector tagged with its axis label.
type Landmark struct {
	Label  string
	Vector []float32
}

// Basis is an immutable set of landmarks for one embedding model
// version. Axis order is fixed at creation.
type Basis struct {
	ModelID string
	Version int
	Axes    []Landmark

	// orthonormal axes in float64, derived once at construction
	ortho [][]float64
	dim   int
}

// NewBasis validates the landmarks and precomputes the orthonormalized
// axes. The landmark slice is used as-is and must not be mutated after.
func NewBasis(modelID string, version int, axes []Landmark) (*Basis, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("basis %s/v%d has no axes", modelID, version)
	}
	dim := len(axes[0].Vector)
	if dim == 0 {
		return nil, fmt.Errorf("basis %s/v%d axis 0 is empty", modelID, version)
	}

	b := &Basis{ModelID: modelID, Version: version, Axes: axes, dim: dim}
	b.ortho = make([][]float64, len(axes))

	for i, lm := range axes {
		if len(lm.Vector) != dim {
			return nil, fmt.Errorf("basis %s/v%d axis %d: %w", modelID, version, i, ErrDimensionMismatch)
		}
		v := toFloat64(lm.Vector)
		// Subtract projections onto every earlier axis, in order.
		for j := 0; j < i; j++ {
			p := dot(v, b.ortho[j])
			for k := range v {
				v[k] -= p * b.ortho[j][k]
			}
		}
		n := norm(v)
		if n < dependentEpsilon {
			return nil, fmt.Errorf("basis %s/v%d axis %d (%s): %w", modelID, version, i, lm.Label, ErrDependentLandmark)
		}
		for k := range v {
			v[k] /= n
		}
		b.ortho[i] = v
	}
	return b, nil
}

// dependentEpsilon is the residual norm below which a landmark is
// treated as linearly dependent.
const dependentEpsilon = 1e-9

// AxisCount returns the number of coordinate axes the basis produces.
func (b *Basis) AxisCount() int { return len(b.Axes) }

// Dimension returns the embedding dimension the basis expects.
func (b *Basis) Dimension() int { return b.dim }

// Project computes the low-dimensional coordinate of vector against the
// basis. The result has exactly AxisCount axes. The computation is pure
// float64 arithmetic over fixed iteration order, so identical inputs
// yield bit-identical output.
func (b *Basis) Project(vector []float32) ([]float32, error) {
	if len(vector) != b.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), b.dim)
	}

	v := toFloat64(vector)
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite component", ErrDegenerateVector)
		}
	}
	n := norm(v)
	if n == 0 {
		return nil, fmt.Errorf("%w: zero vector", ErrDegenerateVector)
	}
	for k := range v {
		v[k] /= n
	}

	coord := make([]float32, len(b.ortho))
	for i, axis := range b.ortho {
		coord[i] = float32(dot(v, axis))
	}
	return coord, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}
