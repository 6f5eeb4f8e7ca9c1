// Package dataset loads spatial count datasets from Zarr or NumPy stores into
// the matrices the piecewise fit consumes.
package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"

	"github.com/spatialnn/pwfit/internal/data/npy"
	"github.com/spatialnn/pwfit/internal/data/zarr"
	"github.com/spatialnn/pwfit/pkg/segfit"
	"gonum.org/v1/gonum/mat"
)

// Supported on-disk formats.
const (
	FormatZarr = "zarr"
	FormatNpy  = "npy"
)

var (
	// ErrUnknownFormat is returned by Open for formats other than zarr and npy.
	ErrUnknownFormat = errors.New("dataset: unknown format")
	// ErrInvalid is returned when a loaded dataset is inconsistent.
	ErrInvalid = errors.New("dataset: invalid")
)

// Dataset is a loaded spatial count dataset.
type Dataset struct {
	ID    string
	Genes []string
	// Counts is genes × spots.
	Counts *mat.Dense
	Labels []int
	Depth  []float64
	// CellTypes is empty when the store carries no proportions.
	CellTypes segfit.CellTypeTable
}

// NumGenes returns the number of genes.
func (d *Dataset) NumGenes() int {
	r, _ := d.Counts.Dims()
	return r
}

// NumSpots returns the number of spots.
func (d *Dataset) NumSpots() int {
	_, c := d.Counts.Dims()
	return c
}

// Layers returns the sorted distinct layer labels.
func (d *Dataset) Layers() []int {
	return segfit.UniqueLayers(d.Labels)
}

// GeneIndex returns the row of a gene by exact name.
func (d *Dataset) GeneIndex(name string) (int, bool) {
	for i, g := range d.Genes {
		if g == name {
			return i, true
		}
	}
	return -1, false
}

// Validate checks that every per-spot array matches the count matrix.
// Value checks (negative counts, proportions outside [0,1]) are left to the
// fit, which reports them before any fitting starts.
func (d *Dataset) Validate() error {
	if d.Counts == nil {
		return fmt.Errorf("%w: no count matrix", ErrInvalid)
	}
	genes, spots := d.Counts.Dims()
	if len(d.Genes) != genes {
		return fmt.Errorf("%w: %d gene names for %d genes", ErrInvalid, len(d.Genes), genes)
	}
	if len(d.Labels) != spots || len(d.Depth) != spots {
		return fmt.Errorf("%w: %d spots but %d labels and %d depths", ErrInvalid, spots, len(d.Labels), len(d.Depth))
	}
	if d.CellTypes.Proportions != nil {
		r, c := d.CellTypes.Proportions.Dims()
		if r != spots || c != len(d.CellTypes.Names) {
			return fmt.Errorf("%w: cell type table is %dx%d, expected %dx%d", ErrInvalid, r, c, spots, len(d.CellTypes.Names))
		}
	}
	return nil
}

// Loader reads a dataset from a path.
type Loader interface {
	Load(path string) (*Dataset, error)
}

// LoaderFor returns the loader of a format.
func LoaderFor(format string) (Loader, error) {
	switch format {
	case FormatZarr, "":
		return ZarrLoader{}, nil
	case FormatNpy:
		return NpyLoader{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Open loads and validates the dataset at path.
func Open(path, format string) (*Dataset, error) {
	loader, err := LoaderFor(format)
	if err != nil {
		return nil, err
	}
	ds, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// ZarrLoader reads Zarr v3 dataset stores.
type ZarrLoader struct{}

// Load implements Loader.
func (ZarrLoader) Load(path string) (*Dataset, error) {
	r, err := zarr.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	md := r.Metadata()
	ds := &Dataset{ID: md.DatasetName, Genes: md.Genes}
	if ds.ID == "" {
		ds.ID = filepath.Base(path)
	}

	data, shape, err := r.ReadFloat64(zarr.ArrayCounts)
	if err != nil {
		return nil, err
	}
	if ds.Counts, err = matrix(zarr.ArrayCounts, data, shape); err != nil {
		return nil, err
	}
	if ds.Genes == nil {
		ds.Genes = defaultGeneNames(ds.NumGenes())
	}

	if data, shape, err = r.ReadFloat64(zarr.ArrayLabels); err != nil {
		return nil, err
	}
	if ds.Labels, err = intVector(zarr.ArrayLabels, data, shape); err != nil {
		return nil, err
	}
	if data, shape, err = r.ReadFloat64(zarr.ArrayDepth); err != nil {
		return nil, err
	}
	if ds.Depth, err = vector(zarr.ArrayDepth, data, shape); err != nil {
		return nil, err
	}

	if r.HasArray(zarr.ArrayCellTypes) {
		if data, shape, err = r.ReadFloat64(zarr.ArrayCellTypes); err != nil {
			return nil, err
		}
		props, err := matrix(zarr.ArrayCellTypes, data, shape)
		if err != nil {
			return nil, err
		}
		ds.CellTypes = segfit.CellTypeTable{Names: md.CellTypes, Proportions: props}
	}
	return ds, nil
}

// NpyLoader reads directories of .npy files.
type NpyLoader struct{}

// Load implements Loader.
func (NpyLoader) Load(path string) (*Dataset, error) {
	ds := &Dataset{ID: filepath.Base(path)}

	data, shape, err := npy.ReadFloat64(filepath.Join(path, npy.FileCounts))
	if err != nil {
		return nil, err
	}
	if ds.Counts, err = matrix(npy.FileCounts, data, shape); err != nil {
		return nil, err
	}

	if ds.Genes, err = npy.ReadLines(filepath.Join(path, npy.FileGenes)); err != nil {
		if !isNotExist(err) {
			return nil, err
		}
		ds.Genes = defaultGeneNames(ds.NumGenes())
	}

	if data, shape, err = npy.ReadFloat64(filepath.Join(path, npy.FileLabels)); err != nil {
		return nil, err
	}
	if ds.Labels, err = intVector(npy.FileLabels, data, shape); err != nil {
		return nil, err
	}
	if data, shape, err = npy.ReadFloat64(filepath.Join(path, npy.FileDepth)); err != nil {
		return nil, err
	}
	if ds.Depth, err = vector(npy.FileDepth, data, shape); err != nil {
		return nil, err
	}

	data, shape, err = npy.ReadFloat64(filepath.Join(path, npy.FileCellTypes))
	switch {
	case isNotExist(err):
		return ds, nil
	case err != nil:
		return nil, err
	}
	props, err := matrix(npy.FileCellTypes, data, shape)
	if err != nil {
		return nil, err
	}
	names, err := npy.ReadLines(filepath.Join(path, npy.FileCellTypeNames))
	if err != nil {
		return nil, fmt.Errorf("%s present but %s unreadable: %w", npy.FileCellTypes, npy.FileCellTypeNames, err)
	}
	ds.CellTypes = segfit.CellTypeTable{Names: names, Proportions: props}
	return ds, nil
}

func matrix(name string, data []float64, shape []int) (*mat.Dense, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: %s has shape %v, expected 2 dims", ErrInvalid, name, shape)
	}
	if shape[0] == 0 || shape[1] == 0 {
		return nil, fmt.Errorf("%w: %s is empty (%v)", ErrInvalid, name, shape)
	}
	return mat.NewDense(shape[0], shape[1], data), nil
}

func vector(name string, data []float64, shape []int) ([]float64, error) {
	if len(shape) != 1 {
		return nil, fmt.Errorf("%w: %s has shape %v, expected 1 dim", ErrInvalid, name, shape)
	}
	return data, nil
}

func intVector(name string, data []float64, shape []int) ([]int, error) {
	v, err := vector(name, data, shape)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(v))
	for i, x := range v {
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: %s[%d] = %g is not an integer", ErrInvalid, name, i, x)
		}
		out[i] = int(x)
	}
	return out, nil
}

func defaultGeneNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("gene_%d", i)
	}
	return out
}

func isNotExist(err error) bool {
	return err != nil && errors.Is(err, fs.ErrNotExist)
}
