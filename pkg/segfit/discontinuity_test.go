package segfit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDiscontinuities_LinearPredictorJump(t *testing.T) {
	labels := []int{0, 0, 0, 1, 1, 2, 2}
	depth := []float64{0.1, 0.5, 0.9, 1.2, 1.8, 2.0, 2.4}
	slope := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		-1, 0, 0.5,
	})
	intercept := mat.NewDense(2, 3, []float64{
		0, 1, -1,
		2, 2, 2,
	})

	d, err := Discontinuities(slope, intercept, labels, depth, 3)
	require.NoError(t, err)
	r, c := d.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 2, c)

	// Boundary 0: layer 1 at min depth 1.2 minus layer 0 at max depth 0.9.
	assert.InDelta(t, (2*1.2+1)-(1*0.9+0), d.At(0, 0), 1e-12)
	assert.InDelta(t, (0*1.2+2)-(-1*0.9+2), d.At(1, 0), 1e-12)
	// Boundary 1: layer 2 at 2.0 minus layer 1 at 1.8.
	assert.InDelta(t, (3*2.0-1)-(2*1.8+1), d.At(0, 1), 1e-12)
	assert.InDelta(t, (0.5*2.0+2)-(0*1.8+2), d.At(1, 1), 1e-12)
}

func TestDiscontinuities_EmptyLayerIsZero(t *testing.T) {
	// Layer 1 has no spots, so both of its boundaries are 0.
	labels := []int{0, 0, 2, 2}
	depth := []float64{0, 1, 2, 3}
	slope := mat.NewDense(1, 3, []float64{1, math.Inf(1), 2})
	intercept := mat.NewDense(1, 3, []float64{0, math.Inf(1), 1})

	d, err := Discontinuities(slope, intercept, labels, depth, 3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, d.At(0, 0))
	assert.Equal(t, 0.0, d.At(0, 1))
}

func TestDiscontinuities_UnfitNeighbourIsInf(t *testing.T) {
	labels := []int{0, 0, 1, 1}
	depth := []float64{0, 1, 1, 2}
	slope := mat.NewDense(2, 2, []float64{
		1, math.Inf(1),
		math.Inf(1), math.Inf(1),
	})
	intercept := mat.NewDense(2, 2, []float64{
		0, math.Inf(1),
		math.Inf(1), math.Inf(1),
	})

	d, err := Discontinuities(slope, intercept, labels, depth, 2)
	require.NoError(t, err)
	assert.True(t, math.IsInf(d.At(0, 0), 1))
	assert.True(t, math.IsInf(d.At(1, 0), 1))
	assert.False(t, math.IsNaN(d.At(1, 0)))
}

func TestDiscontinuities_InvalidInput(t *testing.T) {
	slope := mat.NewDense(1, 2, nil)
	intercept := mat.NewDense(1, 2, nil)

	_, err := Discontinuities(slope, intercept, []int{0, 1}, []float64{0}, 2)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = Discontinuities(slope, intercept, []int{0, 2}, []float64{0, 1}, 2)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = Discontinuities(slope, mat.NewDense(2, 2, nil), []int{0, 1}, []float64{0, 1}, 2)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = Discontinuities(slope, intercept, []int{0, 1}, []float64{0, 1}, 3)
	require.ErrorIs(t, err, ErrInvalidInput)
}
