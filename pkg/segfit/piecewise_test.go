package segfit

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/spatialnn/pwfit/pkg/glm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func piecewiseOptions() Options {
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	return opts
}

func threshold(v float64) *float64 { return &v }

// fixture returns raw integer counts over three layers plus a two-column
// proportion table: "Ones" covers every spot fully, "Half" covers only the
// first half of each layer with proportion 0.5.
func fixture(t *testing.T, genes int) (counts *mat.Dense, labels []int, depth []float64, ct CellTypeTable) {
	t.Helper()
	labels, depth = layeredSpots(14, 16, 24)
	counts = randomCounts(11, genes, depth, spotExposures(len(labels)))

	props := mat.NewDense(len(labels), 2, nil)
	seen := map[int]int{}
	for i, l := range labels {
		props.Set(i, 0, 1)
		if seen[l] < 12 {
			props.Set(i, 1, 0.5)
		}
		seen[l]++
	}
	return counts, labels, depth, CellTypeTable{Names: []string{"Ones", "Half"}, Proportions: props}
}

func TestPiecewiseFit_Shapes(t *testing.T) {
	counts, labels, depth, ct := fixture(t, 9)
	opts := piecewiseOptions()
	opts.KeptGenes = []int{0, 2, 4, 5}

	b, err := PiecewiseFit(context.Background(), counts, labels, depth, ct, []string{"Half"}, opts)
	require.NoError(t, err)

	assert.Equal(t, []Key{AllCellTypes(), CellType("Half")}, b.Keys())
	assert.Equal(t, []int{0, 2, 4, 5}, b.Genes())
	assert.Equal(t, 3, b.Layers())

	for _, k := range b.Keys() {
		res, ok := b.Get(k)
		require.True(t, ok, k.String())
		for _, m := range []*mat.Dense{res.Slope, res.Intercept, res.PValue} {
			r, c := m.Dims()
			assert.Equal(t, 4, r)
			assert.Equal(t, 3, c)
		}
		r, c := res.Discontinuity.Dims()
		assert.Equal(t, 4, r)
		assert.Equal(t, 2, c)
	}
	assert.Equal(t, len(labels), b.All().Spots)
	half, _ := b.Get(CellType("Half"))
	assert.Equal(t, 36, half.Spots)

	_, ok := b.Get(CellType("Ones"))
	assert.False(t, ok)
}

func TestPiecewiseFit_SelectionFollowsPValue(t *testing.T) {
	counts, labels, depth, ct := fixture(t, 6)
	opts := piecewiseOptions()
	opts.UMIThreshold = threshold(0)

	b, err := PiecewiseFit(context.Background(), counts, labels, depth, ct, nil, opts)
	require.NoError(t, err)
	res := b.All()
	s0, i0, s1, i1, _ := res.Fit.Matrices()

	genes, layers := res.Slope.Dims()
	for g := range genes {
		for l := range layers {
			if res.PValue.At(g, l) < DefaultPValueThreshold {
				assert.Equal(t, s1.At(g, l), res.Slope.At(g, l))
				assert.Equal(t, i1.At(g, l), res.Intercept.At(g, l))
			} else {
				assert.Equal(t, s0.At(g, l), res.Slope.At(g, l))
				assert.Equal(t, i0.At(g, l), res.Intercept.At(g, l))
			}
		}
	}
}

func TestPiecewiseFit_FullProportionMatchesAllSpots(t *testing.T) {
	counts, labels, depth, ct := fixture(t, 5)
	opts := piecewiseOptions()
	opts.UMIThreshold = threshold(0)

	b, err := PiecewiseFit(context.Background(), counts, labels, depth, ct, []string{"Ones"}, opts)
	require.NoError(t, err)
	all := b.All()
	ones, ok := b.Get(CellType("Ones"))
	require.True(t, ok)

	assert.True(t, mat.Equal(all.Slope, ones.Slope))
	assert.True(t, mat.Equal(all.Intercept, ones.Intercept))
	assert.True(t, mat.Equal(all.PValue, ones.PValue))
	assert.True(t, mat.Equal(all.Discontinuity, ones.Discontinuity))
}

func TestPiecewiseFit_Reproducible(t *testing.T) {
	counts, labels, depth, ct := fixture(t, 7)
	run := func(workers int) *Bundle {
		opts := piecewiseOptions()
		opts.UMIThreshold = threshold(0)
		opts.Workers = workers
		b, err := PiecewiseFit(context.Background(), counts, labels, depth, ct, []string{"Half"}, opts)
		require.NoError(t, err)
		return b
	}
	a, b := run(1), run(5)
	for _, k := range a.Keys() {
		ra, _ := a.Get(k)
		rb, ok := b.Get(k)
		require.True(t, ok)
		assert.True(t, mat.Equal(ra.Slope, rb.Slope), k.String())
		assert.True(t, mat.Equal(ra.Intercept, rb.Intercept), k.String())
		assert.True(t, mat.Equal(ra.PValue, rb.PValue), k.String())
		assert.True(t, mat.Equal(ra.Discontinuity, rb.Discontinuity), k.String())
	}
}

func TestPiecewiseFit_UMIFilterUsesPseudocounts(t *testing.T) {
	labels, depth := layeredSpots(15, 15)
	counts := randomCounts(12, 3, depth, spotExposures(len(labels)))
	for i := range labels {
		counts.Set(1, i, 0)
	}
	opts := piecewiseOptions()
	// 30 spots with a pseudocount of 1 total exactly 30, which is not > 30.
	opts.UMIThreshold = threshold(30)

	b, err := PiecewiseFit(context.Background(), counts, labels, depth, CellTypeTable{}, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, b.Genes())

	opts.UMIThreshold = threshold(1e12)
	_, err = PiecewiseFit(context.Background(), counts, labels, depth, CellTypeTable{}, nil, opts)
	require.ErrorIs(t, err, ErrNoGenes)
}

func TestPiecewiseFit_ExposureSpansAllGenes(t *testing.T) {
	labels, depth := layeredSpots(12, 12)
	counts := randomCounts(13, 3, depth, spotExposures(len(labels)))
	opts := piecewiseOptions()
	opts.KeptGenes = []int{0}

	b, err := PiecewiseFit(context.Background(), counts, labels, depth, CellTypeTable{}, nil, opts)
	require.NoError(t, err)
	cell, ok := b.All().Fit.Cell(0, 0)
	require.True(t, ok)

	// Layer 0 holds the first 12 spots; exposures include the dropped genes.
	var y, x, e []float64
	for i := range 12 {
		y = append(y, counts.At(0, i)+1)
		x = append(x, depth[i])
		e = append(e, counts.At(0, i)+counts.At(1, i)+counts.At(2, i)+3)
	}
	want, err := glm.LikelihoodRatioTest(y, x, e, glm.DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, want.Alt.Slope, cell.Alt.Slope, 1e-12)
	assert.InDelta(t, want.Alt.Intercept, cell.Alt.Intercept, 1e-12)
	assert.InDelta(t, want.Null.Intercept, cell.Null.Intercept, 1e-12)
	assert.InDelta(t, want.PValue, cell.PValue, 1e-12)
}

func TestPiecewiseFit_CellTypeWithoutSpots(t *testing.T) {
	counts, labels, depth, ct := fixture(t, 3)
	props := mat.NewDense(len(labels), 3, nil)
	props.Slice(0, len(labels), 0, 2).(*mat.Dense).Copy(ct.Proportions)
	ct = CellTypeTable{Names: []string{"Ones", "Half", "Absent"}, Proportions: props}

	opts := piecewiseOptions()
	opts.UMIThreshold = threshold(0)
	b, err := PiecewiseFit(context.Background(), counts, labels, depth, ct, []string{"Absent"}, opts)
	require.NoError(t, err)

	res, ok := b.Get(CellType("Absent"))
	require.True(t, ok)
	assert.Equal(t, 0, res.Spots)
	genes, layers := res.Slope.Dims()
	for g := range genes {
		for l := range layers {
			assert.True(t, math.IsInf(res.Slope.At(g, l), 1))
			assert.True(t, math.IsInf(res.PValue.At(g, l), 1))
		}
		for l := range layers - 1 {
			assert.Equal(t, 0.0, res.Discontinuity.At(g, l))
		}
	}
}

func TestPiecewiseFit_UnfitLayerBoundaries(t *testing.T) {
	// The middle layer has only 5 spots: it is unfit but not empty, so both
	// of its boundaries are +Inf.
	labels, depth := layeredSpots(14, 5, 14)
	counts := randomCounts(14, 2, depth, spotExposures(len(labels)))
	opts := piecewiseOptions()
	opts.UMIThreshold = threshold(0)

	b, err := PiecewiseFit(context.Background(), counts, labels, depth, CellTypeTable{}, nil, opts)
	require.NoError(t, err)
	res := b.All()
	for g := range 2 {
		assert.True(t, math.IsInf(res.Slope.At(g, 1), 1))
		assert.False(t, math.IsInf(res.Slope.At(g, 0), 0))
		assert.True(t, math.IsInf(res.Discontinuity.At(g, 0), 1))
		assert.True(t, math.IsInf(res.Discontinuity.At(g, 1), 1))
	}
}

func TestPiecewiseFit_Progress(t *testing.T) {
	counts, labels, depth, ct := fixture(t, 4)
	var mu sync.Mutex
	last := map[Key][2]int{}
	opts := piecewiseOptions()
	opts.UMIThreshold = threshold(0)
	opts.Progress = func(k Key, done, total int) {
		mu.Lock()
		defer mu.Unlock()
		last[k] = [2]int{done, total}
	}

	_, err := PiecewiseFit(context.Background(), counts, labels, depth, ct, []string{"Half"}, opts)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [2]int{4, 4}, last[AllCellTypes()])
	assert.Equal(t, [2]int{4, 4}, last[CellType("Half")])
}

func TestPiecewiseFit_InvalidInput(t *testing.T) {
	counts, labels, depth, ct := fixture(t, 3)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(o *Options, labels []int, ct *CellTypeTable) []string
	}{
		{"neitherFilter", func(o *Options, _ []int, _ *CellTypeTable) []string {
			o.UMIThreshold = nil
			return nil
		}},
		{"bothFilters", func(o *Options, _ []int, _ *CellTypeTable) []string {
			o.KeptGenes = []int{0}
			return nil
		}},
		{"keptOutOfRange", func(o *Options, _ []int, _ *CellTypeTable) []string {
			o.UMIThreshold = nil
			o.KeptGenes = []int{3}
			return nil
		}},
		{"negativePseudocount", func(o *Options, _ []int, _ *CellTypeTable) []string {
			o.Pseudocount = -1
			return nil
		}},
		{"missingCellType", func(o *Options, _ []int, _ *CellTypeTable) []string {
			return []string{"half"}
		}},
		{"duplicateCellType", func(o *Options, _ []int, _ *CellTypeTable) []string {
			return []string{"Half", "Half"}
		}},
		{"reservedCellTypeName", func(o *Options, _ []int, ct *CellTypeTable) []string {
			ct.Names = []string{"Half", "all_cell_types"}
			return []string{"all_cell_types"}
		}},
		{"proportionAboveOne", func(o *Options, _ []int, ct *CellTypeTable) []string {
			p := mat.DenseCopyOf(ct.Proportions)
			p.Set(0, 1, 1.5)
			ct.Proportions = p
			return []string{"Half"}
		}},
		{"labelNotBelowLayerCount", func(o *Options, labels []int, _ *CellTypeTable) []string {
			// Three distinct labels 0, 1, 3: label 3 is out of range.
			for i, l := range labels {
				if l == 2 {
					labels[i] = 3
				}
			}
			return nil
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := piecewiseOptions()
			opts.UMIThreshold = threshold(0)
			l := append([]int(nil), labels...)
			table := ct
			list := tc.mutate(&opts, l, &table)
			_, err := PiecewiseFit(ctx, counts, l, depth, table, list, opts)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestUniqueLayers(t *testing.T) {
	assert.Equal(t, []int{0, 1, 4}, UniqueLayers([]int{4, 0, 1, 0, 4}))
	assert.Empty(t, UniqueLayers(nil))
}
