package dataset

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spatialnn/pwfit/pkg/segfit"
	"gonum.org/v1/gonum/mat"
)

func sampleDataset() *Dataset {
	counts := mat.NewDense(3, 6, []float64{
		0, 1, 2, 3, 4, 5,
		10, 0, 0, 7, 1, 1,
		2, 2, 2, 2, 2, 2,
	})
	props := mat.NewDense(6, 2, []float64{
		1, 0,
		0.5, 0.5,
		0, 1,
		0.25, 0.75,
		1, 0,
		0, 0,
	})
	return &Dataset{
		ID:     "cortex",
		Genes:  []string{"Gfap", "Snap25", "Mbp"},
		Counts: counts,
		Labels: []int{0, 0, 1, 1, 2, 2},
		Depth:  []float64{0.1, 0.4, 1.2, 1.5, 2.25, 2.9},
		CellTypes: segfit.CellTypeTable{
			Names:       []string{"Astro", "Neuron"},
			Proportions: props,
		},
	}
}

func assertSameDataset(t *testing.T, want, got *Dataset) {
	t.Helper()

	if !mat.Equal(want.Counts, got.Counts) {
		t.Errorf("counts differ:\nwant %v\ngot  %v", mat.Formatted(want.Counts), mat.Formatted(got.Counts))
	}
	if len(got.Genes) != len(want.Genes) {
		t.Fatalf("genes: got %v, want %v", got.Genes, want.Genes)
	}
	for i := range want.Genes {
		if got.Genes[i] != want.Genes[i] {
			t.Errorf("gene %d: got %q, want %q", i, got.Genes[i], want.Genes[i])
		}
	}
	for i := range want.Labels {
		if got.Labels[i] != want.Labels[i] {
			t.Errorf("label %d: got %d, want %d", i, got.Labels[i], want.Labels[i])
		}
		if got.Depth[i] != want.Depth[i] {
			t.Errorf("depth %d: got %g, want %g", i, got.Depth[i], want.Depth[i])
		}
	}
	if !mat.Equal(want.CellTypes.Proportions, got.CellTypes.Proportions) {
		t.Errorf("proportions differ")
	}
	if col, ok := got.CellTypes.Column("Neuron"); !ok || col != 1 {
		t.Errorf("expected Neuron in column 1, got %d, %v", col, ok)
	}
}

func TestSaveOpen_RoundTrip(t *testing.T) {
	for _, format := range []string{FormatZarr, FormatNpy} {
		t.Run(format, func(t *testing.T) {
			want := sampleDataset()
			path := filepath.Join(t.TempDir(), "cortex")
			if err := Save(path, format, want); err != nil {
				t.Fatalf("Save error: %v", err)
			}
			got, err := Open(path, format)
			if err != nil {
				t.Fatalf("Open error: %v", err)
			}
			assertSameDataset(t, want, got)
			if got.NumGenes() != 3 || got.NumSpots() != 6 {
				t.Errorf("unexpected dims %dx%d", got.NumGenes(), got.NumSpots())
			}
			if layers := got.Layers(); len(layers) != 3 {
				t.Errorf("expected 3 layers, got %v", layers)
			}
		})
	}
}

func TestSaveOpen_WithoutCellTypes(t *testing.T) {
	want := sampleDataset()
	want.CellTypes = segfit.CellTypeTable{}
	path := filepath.Join(t.TempDir(), "nocelltypes")
	if err := Save(path, FormatNpy, want); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	got, err := Open(path, FormatNpy)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if got.CellTypes.Proportions != nil {
		t.Fatal("expected no cell type table")
	}
}

func TestOpen_UnknownFormat(t *testing.T) {
	if _, err := Open(t.TempDir(), "h5ad"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	ds := sampleDataset()
	ds.Depth = ds.Depth[:5]
	if err := ds.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for short depth, got %v", err)
	}

	ds = sampleDataset()
	ds.Genes = ds.Genes[:2]
	if err := ds.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for missing gene name, got %v", err)
	}

	ds = sampleDataset()
	ds.CellTypes.Names = []string{"Astro"}
	if err := ds.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for cell type name mismatch, got %v", err)
	}
}

func TestIntVector_RejectsFractions(t *testing.T) {
	if _, err := intVector("labels", []float64{0, 1.5}, []int{2}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestGeneIndex(t *testing.T) {
	ds := sampleDataset()
	if i, ok := ds.GeneIndex("Mbp"); !ok || i != 2 {
		t.Fatalf("GeneIndex(Mbp) = %d, %v", i, ok)
	}
	if _, ok := ds.GeneIndex("mbp"); ok {
		t.Fatal("gene lookup must be case-sensitive")
	}
}
