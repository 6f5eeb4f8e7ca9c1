package segfit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/pkg/glm"
	"gonum.org/v1/gonum/mat"
)

// ProgressFunc receives the number of genes finished out of total. Calls come
// from a single goroutine and may skip intermediate values.
type ProgressFunc func(done, total int)

// SegmentOptions controls Segment.
type SegmentOptions struct {
	// MinSpots: layers with at most this many spots are left unfit.
	MinSpots int
	Fit      glm.Options
	// Workers bounds the goroutines fitting genes; <= 0 uses GOMAXPROCS.
	Workers  int
	Progress ProgressFunc
	Logger   logrus.FieldLogger
}

// DefaultSegmentOptions returns the options used by PiecewiseFit by default.
func DefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{
		MinSpots: DefaultMinSpots,
		Fit:      glm.DefaultOptions(),
	}
}

func (o SegmentOptions) withDefaults() SegmentOptions {
	if o.MinSpots <= 0 {
		o.MinSpots = DefaultMinSpots
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Segment fits, for every gene and every layer in [0, numLayers), a flat and
// a sloped Poisson model of the gene's counts against depth over the spots of
// that layer, with exposure as the per-spot weight.
//
// counts is genes × spots. Layers holding MinSpots spots or fewer (including
// empty ones) are left unfit. Fits that fail to converge are logged and kept.
// Genes are split into contiguous row ranges, one per worker.
func Segment(ctx context.Context, counts mat.Matrix, exposure []float64, labels []int, depth []float64, numLayers int, opts SegmentOptions) (*SegmentedFit, error) {
	opts = opts.withDefaults()
	if counts == nil {
		return nil, fmt.Errorf("%w: nil count matrix", ErrInvalidInput)
	}
	genes, spots := counts.Dims()
	if err := validateSpots(spots, exposure, labels, depth, numLayers); err != nil {
		return nil, err
	}
	if err := validateCounts(counts); err != nil {
		return nil, err
	}

	layers := make([]layerSlice, numLayers)
	for i, t := range labels {
		layers[t].spots = append(layers[t].spots, i)
	}
	for t := range layers {
		l := &layers[t]
		l.depth = make([]float64, len(l.spots))
		l.exposure = make([]float64, len(l.spots))
		for j, i := range l.spots {
			l.depth[j] = depth[i]
			l.exposure[j] = exposure[i]
		}
	}

	fit := newSegmentedFit(genes, numLayers)
	if genes == 0 {
		return fit, nil
	}

	report := startProgress(opts.Progress, genes)
	workers := min(opts.Workers, genes)
	chunk := (genes + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < genes; start += chunk {
		end := min(start+chunk, genes)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fitRows(ctx, counts, layers, fit, start, end, opts, report.tick)
		}(start, end)
	}
	wg.Wait()
	report.stop()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fit, nil
}

// layerSlice caches the spot indices of one layer with their depth and
// exposure, shared read-only by all workers.
type layerSlice struct {
	spots    []int
	depth    []float64
	exposure []float64
}

func fitRows(ctx context.Context, counts mat.Matrix, layers []layerSlice, fit *SegmentedFit, start, end int, opts SegmentOptions, tick func()) {
	_, spots := counts.Dims()
	row := make([]float64, spots)
	y := make([]float64, 0, spots)
	for g := start; g < end; g++ {
		if ctx.Err() != nil {
			return
		}
		mat.Row(row, g, counts)
		for t := range layers {
			l := &layers[t]
			cell := &fit.Cells[g][t]
			cell.Spots = len(l.spots)
			if len(l.spots) <= opts.MinSpots {
				continue
			}

			y = y[:0]
			for _, i := range l.spots {
				y = append(y, row[i])
			}
			res, err := glm.LikelihoodRatioTest(y, l.depth, l.exposure, opts.Fit)
			switch {
			case err == nil:
			case errors.Is(err, glm.ErrNotConverged):
				opts.Logger.WithFields(logrus.Fields{
					"gene":  g,
					"layer": t,
					"spots": len(l.spots),
				}).WithError(err).Warn("poisson fit did not converge; keeping best coefficients")
			default:
				opts.Logger.WithFields(logrus.Fields{
					"gene":  g,
					"layer": t,
				}).WithError(err).Warn("poisson fit rejected; leaving cell unfit")
				continue
			}
			cell.LLRResult = res
			cell.Fitted = true
		}
		tick()
	}
}

func validateSpots(spots int, exposure []float64, labels []int, depth []float64, numLayers int) error {
	if numLayers < 1 {
		return fmt.Errorf("%w: number of layers must be positive, got %d", ErrInvalidInput, numLayers)
	}
	if len(exposure) != spots || len(labels) != spots || len(depth) != spots {
		return fmt.Errorf("%w: count matrix has %d spots but len(exposure)=%d len(labels)=%d len(depth)=%d",
			ErrInvalidInput, spots, len(exposure), len(labels), len(depth))
	}
	for i, e := range exposure {
		if !(e > 0) || math.IsInf(e, 1) {
			return fmt.Errorf("%w: exposure of spot %d is %g, must be positive and finite", ErrInvalidInput, i, e)
		}
	}
	for i, t := range labels {
		if t < 0 || t >= numLayers {
			return fmt.Errorf("%w: spot %d has layer label %d outside [0, %d)", ErrInvalidInput, i, t, numLayers)
		}
	}
	for i, d := range depth {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("%w: depth of spot %d is %g", ErrInvalidInput, i, d)
		}
	}
	return nil
}

func validateCounts(counts mat.Matrix) error {
	genes, spots := counts.Dims()
	for g := range genes {
		for i := range spots {
			v := counts.At(g, i)
			if !(v >= 0) || math.IsInf(v, 1) {
				return fmt.Errorf("%w: count of gene %d at spot %d is %g", ErrInvalidInput, g, i, v)
			}
		}
	}
	return nil
}

// progress forwards gene completions to a ProgressFunc without ever blocking
// the workers: ticks that find the channel full are dropped, and the final
// count is delivered on stop.
type progress struct {
	fn    ProgressFunc
	total int
	done  atomic.Int64
	ch    chan int
	exit  chan struct{}
	last  int
}

func startProgress(fn ProgressFunc, total int) *progress {
	p := &progress{fn: fn, total: total}
	if fn == nil {
		return p
	}
	p.ch = make(chan int, 64)
	p.exit = make(chan struct{})
	go func() {
		defer close(p.exit)
		for n := range p.ch {
			if n > p.last {
				p.last = n
				fn(n, total)
			}
		}
	}()
	return p
}

func (p *progress) tick() {
	n := int(p.done.Add(1))
	if p.ch == nil {
		return
	}
	select {
	case p.ch <- n:
	default:
	}
}

func (p *progress) stop() {
	if p.ch == nil {
		return
	}
	close(p.ch)
	<-p.exit
	if n := int(p.done.Load()); n > p.last {
		p.last = n
		p.fn(n, p.total)
	}
}
