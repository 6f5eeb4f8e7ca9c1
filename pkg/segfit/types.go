// Package segfit fits piecewise Poisson regressions of per-gene spatial
// counts across discrete tissue layers and tests each layer's slope.
//
// Segment runs the per-(gene, layer) likelihood-ratio tests, Discontinuities
// measures the jump of the selected fits at layer boundaries, and PiecewiseFit
// runs both for all spots and for each requested cell type.
package segfit

import (
	"errors"
	"math"

	"github.com/spatialnn/pwfit/pkg/glm"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidInput indicates inputs rejected before any fitting started.
	ErrInvalidInput = errors.New("segfit: invalid input")
	// ErrNoGenes indicates that gene filtering left nothing to fit.
	ErrNoGenes = errors.New("segfit: no genes selected for fitting")
)

const (
	// DefaultMinSpots is the largest spot count of a layer that is left unfit.
	DefaultMinSpots = 10
	// DefaultPValueThreshold selects the sloped fit when p < threshold.
	DefaultPValueThreshold = 0.10
	// DefaultPseudocount is added to every count before fitting.
	DefaultPseudocount = 1.0
)

// allCellTypesName is how AllCellTypes prints and parses.
const allCellTypesName = "all_cell_types"

// Key identifies one entry of a Bundle: either every spot, or the spots of
// one cell type. The zero Key is AllCellTypes.
type Key struct {
	name     string
	cellType bool
}

// AllCellTypes is the key of the fit over every spot.
func AllCellTypes() Key { return Key{} }

// CellType is the key of the fit restricted to one cell type.
func CellType(name string) Key { return Key{name: name, cellType: true} }

// ParseKey inverts Key.String.
func ParseKey(s string) Key {
	if s == "" || s == allCellTypesName {
		return AllCellTypes()
	}
	return CellType(s)
}

// IsReservedName reports whether name cannot be used as a cell type because
// it would print or parse as AllCellTypes.
func IsReservedName(name string) bool {
	return name == "" || name == allCellTypesName
}

// IsAll reports whether k is AllCellTypes.
func (k Key) IsAll() bool { return !k.cellType }

// CellType returns the cell type name and true, or "" and false for AllCellTypes.
func (k Key) CellType() (string, bool) { return k.name, k.cellType }

func (k Key) String() string {
	if !k.cellType {
		return allCellTypesName
	}
	return k.name
}

// CellTypeTable holds per-spot cell-type proportions (spots × cell types).
// Rows need not sum to one.
type CellTypeTable struct {
	Names       []string
	Proportions *mat.Dense
}

// Column returns the column of an exactly matching (case-sensitive) name.
func (t CellTypeTable) Column(name string) (int, bool) {
	for i, n := range t.Names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// CellFit is the outcome for one (gene, layer) cell. Fitted is false when the
// layer had too few spots; the embedded result is then meaningless.
type CellFit struct {
	glm.LLRResult
	Fitted bool `json:"fitted"`
	Spots  int  `json:"spots"`
}

// SegmentedFit holds the per-(gene, layer) fits of one Segment call.
type SegmentedFit struct {
	Genes  int
	Layers int
	// Cells is indexed [gene][layer].
	Cells [][]CellFit
}

func newSegmentedFit(genes, layers int) *SegmentedFit {
	cells := make([][]CellFit, genes)
	for g := range cells {
		cells[g] = make([]CellFit, layers)
	}
	return &SegmentedFit{Genes: genes, Layers: layers, Cells: cells}
}

// Cell returns the fit of gene g in layer t and whether it was fitted.
func (f *SegmentedFit) Cell(g, t int) (CellFit, bool) {
	c := f.Cells[g][t]
	return c, c.Fitted
}

// Matrices renders the fits as five genes×layers matrices (null slope, null
// intercept, alternative slope, alternative intercept, p-value). Unfit cells
// hold +Inf in all five.
func (f *SegmentedFit) Matrices() (slope0, intercept0, slope1, intercept1, pvalue *mat.Dense) {
	slope0 = newDense(f.Genes, f.Layers)
	intercept0 = newDense(f.Genes, f.Layers)
	slope1 = newDense(f.Genes, f.Layers)
	intercept1 = newDense(f.Genes, f.Layers)
	pvalue = newDense(f.Genes, f.Layers)
	inf := math.Inf(1)
	for g, row := range f.Cells {
		for t, c := range row {
			if !c.Fitted {
				slope0.Set(g, t, inf)
				intercept0.Set(g, t, inf)
				slope1.Set(g, t, inf)
				intercept1.Set(g, t, inf)
				pvalue.Set(g, t, inf)
				continue
			}
			slope0.Set(g, t, c.Null.Slope)
			intercept0.Set(g, t, c.Null.Intercept)
			slope1.Set(g, t, c.Alt.Slope)
			intercept1.Set(g, t, c.Alt.Intercept)
			pvalue.Set(g, t, c.PValue)
		}
	}
	return slope0, intercept0, slope1, intercept1, pvalue
}

// Select picks, per fitted cell, the alternative coefficients when the
// p-value is below threshold and the null coefficients otherwise. Unfit cells
// are +Inf.
func (f *SegmentedFit) Select(threshold float64) (slope, intercept *mat.Dense) {
	slope = newDense(f.Genes, f.Layers)
	intercept = newDense(f.Genes, f.Layers)
	for g, row := range f.Cells {
		for t, c := range row {
			coef := c.Selected(threshold)
			slope.Set(g, t, coef.Slope)
			intercept.Set(g, t, coef.Intercept)
		}
	}
	return slope, intercept
}

// Selected returns the coefficients chosen by the p-value threshold.
func (c CellFit) Selected(threshold float64) glm.Coef {
	switch {
	case !c.Fitted:
		return glm.Coef{Slope: math.Inf(1), Intercept: math.Inf(1)}
	case c.PValue < threshold:
		return c.Alt
	default:
		return c.Null
	}
}

// newDense allocates a zeroed r×c matrix. gonum rejects zero dimensions, so
// an empty matrix is returned for them.
func newDense(r, c int) *mat.Dense {
	if r == 0 || c == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(r, c, nil)
}
