package segfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Discontinuities returns a genes × (numLayers−1) matrix whose column l is the
// jump of the linear predictor slope·x + intercept between layer l, evaluated
// at its largest depth, and layer l+1, evaluated at its smallest depth.
//
// The difference is taken in linear-predictor (log-rate) units, not in rate
// units. A boundary next to a layer without spots is 0. A boundary next to an
// unfit cell (non-finite coefficient) is +Inf.
func Discontinuities(slope, intercept mat.Matrix, labels []int, depth []float64, numLayers int) (*mat.Dense, error) {
	genes, cols := slope.Dims()
	ig, ic := intercept.Dims()
	if ig != genes || ic != cols {
		return nil, fmt.Errorf("%w: slope is %dx%d but intercept is %dx%d", ErrInvalidInput, genes, cols, ig, ic)
	}
	if numLayers < 1 {
		return nil, fmt.Errorf("%w: number of layers must be positive, got %d", ErrInvalidInput, numLayers)
	}
	if genes > 0 && cols != numLayers {
		return nil, fmt.Errorf("%w: coefficient matrices have %d layers, expected %d", ErrInvalidInput, cols, numLayers)
	}
	if len(labels) != len(depth) {
		return nil, fmt.Errorf("%w: len(labels)=%d but len(depth)=%d", ErrInvalidInput, len(labels), len(depth))
	}

	minDepth := make([]float64, numLayers)
	maxDepth := make([]float64, numLayers)
	seen := make([]bool, numLayers)
	for i, t := range labels {
		if t < 0 || t >= numLayers {
			return nil, fmt.Errorf("%w: spot %d has layer label %d outside [0, %d)", ErrInvalidInput, i, t, numLayers)
		}
		d := depth[i]
		if !seen[t] {
			minDepth[t], maxDepth[t] = d, d
			seen[t] = true
			continue
		}
		minDepth[t] = math.Min(minDepth[t], d)
		maxDepth[t] = math.Max(maxDepth[t], d)
	}

	out := newDense(genes, numLayers-1)
	for l := 0; l < numLayers-1; l++ {
		if !seen[l] || !seen[l+1] {
			// Columns of a fresh matrix are already zero.
			continue
		}
		xLeft, xRight := maxDepth[l], minDepth[l+1]
		for g := range genes {
			sl, il := slope.At(g, l), intercept.At(g, l)
			sr, ir := slope.At(g, l+1), intercept.At(g, l+1)
			if !finite(sl) || !finite(il) || !finite(sr) || !finite(ir) {
				out.Set(g, l, math.Inf(1))
				continue
			}
			out.Set(g, l, (sr*xRight+ir)-(sl*xLeft+il))
		}
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
