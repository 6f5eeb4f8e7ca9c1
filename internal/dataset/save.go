package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spatialnn/pwfit/internal/data/npy"
	"github.com/spatialnn/pwfit/internal/data/zarr"
	"gonum.org/v1/gonum/mat"
)

// zarrChunkSpots bounds the spot axis of written chunks.
const zarrChunkSpots = 4096

// Save writes ds to path in the given format, replacing files of the same
// name. It is the inverse of Open.
func Save(path, format string, ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	switch format {
	case FormatZarr, "":
		return saveZarr(path, ds)
	case FormatNpy:
		return saveNpy(path, ds)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func saveZarr(path string, ds *Dataset) error {
	w, err := zarr.NewWriter(path)
	if err != nil {
		return err
	}
	defer w.Close()

	genes, spots := ds.Counts.Dims()
	if err := w.WriteMetadata(&zarr.Metadata{
		FormatVersion: "1",
		DatasetName:   ds.ID,
		NSpots:        spots,
		Genes:         ds.Genes,
		CellTypes:     ds.CellTypes.Names,
	}); err != nil {
		return err
	}

	chunkSpots := min(spots, zarrChunkSpots)
	if err := w.WriteArray(zarr.ArrayCounts, rowMajor(ds.Counts), []int{genes, spots}, []int{min(genes, 256), chunkSpots}); err != nil {
		return err
	}
	if err := w.WriteArray(zarr.ArrayDepth, ds.Depth, []int{spots}, []int{chunkSpots}); err != nil {
		return err
	}
	if ds.CellTypes.Proportions != nil {
		_, c := ds.CellTypes.Proportions.Dims()
		if err := w.WriteArray(zarr.ArrayCellTypes, rowMajor(ds.CellTypes.Proportions), []int{spots, c}, []int{chunkSpots, c}); err != nil {
			return err
		}
	}

	w.DataType = "int32"
	return w.WriteArray(zarr.ArrayLabels, intsToFloats(ds.Labels), []int{spots}, []int{chunkSpots})
}

func saveNpy(path string, ds *Dataset) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	genes, spots := ds.Counts.Dims()
	if err := npy.WriteFloat64(filepath.Join(path, npy.FileCounts), rowMajor(ds.Counts), []int{genes, spots}); err != nil {
		return err
	}
	if err := npy.WriteLines(filepath.Join(path, npy.FileGenes), ds.Genes); err != nil {
		return err
	}
	if err := npy.WriteFloat64(filepath.Join(path, npy.FileLabels), intsToFloats(ds.Labels), []int{spots}); err != nil {
		return err
	}
	if err := npy.WriteFloat64(filepath.Join(path, npy.FileDepth), ds.Depth, []int{spots}); err != nil {
		return err
	}
	if ds.CellTypes.Proportions == nil {
		return nil
	}
	_, c := ds.CellTypes.Proportions.Dims()
	if err := npy.WriteFloat64(filepath.Join(path, npy.FileCellTypes), rowMajor(ds.CellTypes.Proportions), []int{spots, c}); err != nil {
		return err
	}
	return npy.WriteLines(filepath.Join(path, npy.FileCellTypeNames), ds.CellTypes.Names)
}

func rowMajor(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}

func intsToFloats(v []int) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
