package segfit

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/pkg/glm"
	"gonum.org/v1/gonum/mat"
)

// Options controls PiecewiseFit. Start from DefaultOptions: the zero value
// means a pseudocount of 0.
type Options struct {
	// Exactly one of UMIThreshold and KeptGenes must be set. With a threshold,
	// genes whose pseudo-counted total exceeds it are kept.
	UMIThreshold *float64
	KeptGenes    []int

	Pseudocount float64
	// PValueThreshold selects the sloped fit when p < threshold; <= 0 means
	// DefaultPValueThreshold.
	PValueThreshold float64
	MinSpots        int
	Fit             glm.Options
	Workers         int

	// Progress, if set, is called per key with genes done out of total.
	Progress func(key Key, done, total int)
	Logger   logrus.FieldLogger
}

// DefaultOptions returns a pseudocount of 1, a p-value threshold of 0.10 and
// the default solver. Callers still choose UMIThreshold or KeptGenes.
func DefaultOptions() Options {
	return Options{
		Pseudocount:     DefaultPseudocount,
		PValueThreshold: DefaultPValueThreshold,
		MinSpots:        DefaultMinSpots,
		Fit:             glm.DefaultOptions(),
	}
}

// Result is the piecewise fit for one Key.
type Result struct {
	// Slope and Intercept are genes × layers, chosen per cell between the
	// flat and sloped fits by the p-value threshold.
	Slope     *mat.Dense
	Intercept *mat.Dense
	// Discontinuity is genes × (layers−1).
	Discontinuity *mat.Dense
	// PValue is genes × layers; +Inf marks unfit cells.
	PValue *mat.Dense
	// Fit keeps both fits of every cell.
	Fit *SegmentedFit
	// Spots is the number of spots that entered the fit.
	Spots int
}

// Bundle holds the results of one PiecewiseFit call, keyed by AllCellTypes
// followed by each requested cell type in request order.
type Bundle struct {
	keys    []Key
	results map[Key]*Result
	genes   []int
	layers  int
}

// Keys returns the keys in insertion order.
func (b *Bundle) Keys() []Key {
	out := make([]Key, len(b.keys))
	copy(out, b.keys)
	return out
}

// Get returns the result stored under k.
func (b *Bundle) Get(k Key) (*Result, bool) {
	r, ok := b.results[k]
	return r, ok
}

// All returns the result over every spot.
func (b *Bundle) All() *Result {
	return b.results[AllCellTypes()]
}

// Genes returns the indices, into the input count matrix, of the fitted
// genes. Row g of every result matrix refers to gene Genes()[g].
func (b *Bundle) Genes() []int {
	out := make([]int, len(b.genes))
	copy(out, b.genes)
	return out
}

// Layers returns the number of layers.
func (b *Bundle) Layers() int { return b.layers }

func (b *Bundle) put(k Key, r *Result) {
	b.keys = append(b.keys, k)
	b.results[k] = r
}

// PiecewiseFit filters genes, adds the pseudocount, derives per-spot exposures
// from the pseudo-counted totals over all genes, and fits every kept gene in
// every layer, once over all spots and once per requested cell type.
//
// counts is genes × spots. The number of layers is the number of distinct
// labels, and labels must lie in [0, layers). For a cell type, only spots
// with positive proportion are used, and their counts and exposures are
// scaled by the proportion. All inputs are validated before fitting starts.
func PiecewiseFit(ctx context.Context, counts mat.Matrix, labels []int, depth []float64, cellTypes CellTypeTable, cellTypeList []string, opts Options) (*Bundle, error) {
	if counts == nil {
		return nil, fmt.Errorf("%w: nil count matrix", ErrInvalidInput)
	}
	if opts.PValueThreshold <= 0 {
		opts.PValueThreshold = DefaultPValueThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	genes, spots := counts.Dims()
	if err := validateRequest(counts, labels, depth, cellTypes, cellTypeList, opts); err != nil {
		return nil, err
	}
	numLayers := countLayers(labels)
	for i, t := range labels {
		if t < 0 || t >= numLayers {
			return nil, fmt.Errorf("%w: spot %d has layer label %d but only %d distinct layers exist; labels must be 0..%d",
				ErrInvalidInput, i, t, numLayers, numLayers-1)
		}
	}

	pseudo := mat.NewDense(genes, spots, nil)
	pseudo.Apply(func(_, _ int, v float64) float64 { return v + opts.Pseudocount }, counts)

	exposure := make([]float64, spots)
	for i := range spots {
		exposure[i] = mat.Sum(pseudo.ColView(i))
	}
	for i, e := range exposure {
		if !(e > 0) {
			return nil, fmt.Errorf("%w: spot %d has total count %g; exposures must be positive", ErrInvalidInput, i, e)
		}
	}

	kept := opts.KeptGenes
	if opts.UMIThreshold != nil {
		kept = nil
		for g := range genes {
			if mat.Sum(pseudo.RowView(g)) > *opts.UMIThreshold {
				kept = append(kept, g)
			}
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoGenes
	}
	cmat := mat.NewDense(len(kept), spots, nil)
	for r, g := range kept {
		cmat.SetRow(r, pseudo.RawRowView(g))
	}

	logger.WithFields(logrus.Fields{
		"genes":      len(kept),
		"spots":      spots,
		"layers":     numLayers,
		"cell_types": len(cellTypeList),
	}).Info("starting piecewise poisson fit")

	bundle := &Bundle{
		results: make(map[Key]*Result, len(cellTypeList)+1),
		genes:   append([]int(nil), kept...),
		layers:  numLayers,
	}

	all := AllCellTypes()
	res, err := fitKey(ctx, all, cmat, exposure, labels, depth, numLayers, opts, logger)
	if err != nil {
		return nil, err
	}
	bundle.put(all, res)

	for _, name := range cellTypeList {
		col, _ := cellTypes.Column(name)
		key := CellType(name)

		var ctSpots []int
		var props []float64
		for i := range spots {
			if p := cellTypes.Proportions.At(i, col); p > 0 {
				ctSpots = append(ctSpots, i)
				props = append(props, p)
			}
		}

		n := len(ctSpots)
		ctExposure := make([]float64, n)
		ctLabels := make([]int, n)
		ctDepth := make([]float64, n)
		for j, i := range ctSpots {
			ctExposure[j] = exposure[i] * props[j]
			ctLabels[j] = labels[i]
			ctDepth[j] = depth[i]
		}

		if n == 0 {
			logger.WithField("cell_type", name).Warn("cell type has no spots with positive proportion; all layers left unfit")
			res, err := unfitResult(len(kept), numLayers)
			if err != nil {
				return nil, err
			}
			bundle.put(key, res)
			continue
		}

		ctCounts := mat.NewDense(len(kept), n, nil)
		for r := range kept {
			for j, i := range ctSpots {
				ctCounts.Set(r, j, cmat.At(r, i)*props[j])
			}
		}

		res, err := fitKey(ctx, key, ctCounts, ctExposure, ctLabels, ctDepth, numLayers, opts, logger)
		if err != nil {
			return nil, err
		}
		bundle.put(key, res)
	}

	return bundle, nil
}

// fitKey runs Segment, selects coefficients and computes discontinuities for
// one (possibly re-weighted) problem.
func fitKey(ctx context.Context, key Key, counts *mat.Dense, exposure []float64, labels []int, depth []float64, numLayers int, opts Options, logger logrus.FieldLogger) (*Result, error) {
	keyLogger := logger.WithField("key", key.String())
	segOpts := SegmentOptions{
		MinSpots: opts.MinSpots,
		Fit:      opts.Fit,
		Workers:  opts.Workers,
		Logger:   keyLogger,
	}
	if opts.Progress != nil {
		segOpts.Progress = func(done, total int) { opts.Progress(key, done, total) }
	}

	keyLogger.Info("poisson regression")
	fit, err := Segment(ctx, counts, exposure, labels, depth, numLayers, segOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to fit %s: %w", key, err)
	}
	return assemble(fit, labels, depth, numLayers, opts.PValueThreshold, len(labels))
}

func assemble(fit *SegmentedFit, labels []int, depth []float64, numLayers int, threshold float64, spots int) (*Result, error) {
	slope, intercept := fit.Select(threshold)
	_, _, _, _, pvalue := fit.Matrices()
	discont, err := Discontinuities(slope, intercept, labels, depth, numLayers)
	if err != nil {
		return nil, err
	}
	return &Result{
		Slope:         slope,
		Intercept:     intercept,
		Discontinuity: discont,
		PValue:        pvalue,
		Fit:           fit,
		Spots:         spots,
	}, nil
}

// unfitResult is the result of a problem without spots: every cell unfit and
// every boundary 0.
func unfitResult(genes, numLayers int) (*Result, error) {
	return assemble(newSegmentedFit(genes, numLayers), nil, nil, numLayers, DefaultPValueThreshold, 0)
}

func countLayers(labels []int) int {
	seen := make(map[int]struct{})
	for _, t := range labels {
		seen[t] = struct{}{}
	}
	return len(seen)
}

// UniqueLayers returns the sorted distinct labels.
func UniqueLayers(labels []int) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, t := range labels {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Ints(out)
	return out
}

func validateRequest(counts mat.Matrix, labels []int, depth []float64, cellTypes CellTypeTable, cellTypeList []string, opts Options) error {
	genes, spots := counts.Dims()
	if spots == 0 || genes == 0 {
		return fmt.Errorf("%w: empty count matrix (%dx%d)", ErrInvalidInput, genes, spots)
	}
	if len(labels) != spots || len(depth) != spots {
		return fmt.Errorf("%w: count matrix has %d spots but len(labels)=%d len(depth)=%d", ErrInvalidInput, spots, len(labels), len(depth))
	}
	switch {
	case opts.UMIThreshold == nil && opts.KeptGenes == nil:
		return fmt.Errorf("%w: either a UMI threshold or kept gene indices must be given", ErrInvalidInput)
	case opts.UMIThreshold != nil && opts.KeptGenes != nil:
		return fmt.Errorf("%w: a UMI threshold and kept gene indices are mutually exclusive", ErrInvalidInput)
	case opts.UMIThreshold != nil && math.IsNaN(*opts.UMIThreshold):
		return fmt.Errorf("%w: UMI threshold is NaN", ErrInvalidInput)
	}
	for _, g := range opts.KeptGenes {
		if g < 0 || g >= genes {
			return fmt.Errorf("%w: kept gene index %d outside [0, %d)", ErrInvalidInput, g, genes)
		}
	}
	if opts.Pseudocount < 0 || math.IsNaN(opts.Pseudocount) || math.IsInf(opts.Pseudocount, 0) {
		return fmt.Errorf("%w: pseudocount must be non-negative and finite, got %g", ErrInvalidInput, opts.Pseudocount)
	}
	if err := validateCounts(counts); err != nil {
		return err
	}
	for i, d := range depth {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("%w: depth of spot %d is %g", ErrInvalidInput, i, d)
		}
	}

	if len(cellTypeList) == 0 {
		return nil
	}
	if cellTypes.Proportions == nil {
		return fmt.Errorf("%w: cell types requested but no proportion table given", ErrInvalidInput)
	}
	rows, cols := cellTypes.Proportions.Dims()
	if rows != spots {
		return fmt.Errorf("%w: proportion table has %d rows, expected %d spots", ErrInvalidInput, rows, spots)
	}
	if len(cellTypes.Names) != cols {
		return fmt.Errorf("%w: proportion table has %d columns but %d names", ErrInvalidInput, cols, len(cellTypes.Names))
	}
	requested := make(map[string]bool, len(cellTypeList))
	for _, name := range cellTypeList {
		if requested[name] {
			return fmt.Errorf("%w: cell type %q requested twice", ErrInvalidInput, name)
		}
		requested[name] = true
		if IsReservedName(name) {
			return fmt.Errorf("%w: cell type name %q is reserved", ErrInvalidInput, name)
		}
		col, ok := cellTypes.Column(name)
		if !ok {
			return fmt.Errorf("%w: cell type %q not found in proportion table", ErrInvalidInput, name)
		}
		for i := range spots {
			if p := cellTypes.Proportions.At(i, col); !(p >= 0 && p <= 1) {
				return fmt.Errorf("%w: proportion of %q at spot %d is %g, must lie in [0, 1]", ErrInvalidInput, name, i, p)
			}
		}
	}
	return nil
}
