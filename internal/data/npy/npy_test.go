package npy

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/pkg/segfit"
	"gonum.org/v1/gonum/mat"
)

func TestWriteReadFloat64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.npy")
	data := []float64{1, 2, 3, math.Inf(1), -0.5, 6}
	if err := WriteFloat64(path, data, []int{2, 3}); err != nil {
		t.Fatalf("WriteFloat64 error: %v", err)
	}

	got, shape, err := ReadFloat64(path)
	if err != nil {
		t.Fatalf("ReadFloat64 error: %v", err)
	}
	if len(shape) != 2 || shape[0] != 2 || shape[1] != 3 {
		t.Fatalf("unexpected shape %v", shape)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("element %d = %g, want %g", i, got[i], data[i])
		}
	}
}

func TestWriteFloat64_ShapeMismatch(t *testing.T) {
	if err := WriteFloat64(filepath.Join(t.TempDir(), "m.npy"), []float64{1, 2}, []int{3}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestToRowMajor(t *testing.T) {
	// Column-major 2x3: columns (1,4) (2,5) (3,6).
	got := toRowMajor([]float64{1, 4, 2, 5, 3, 6}, 2, 3)
	want := []float64{1, 2, 3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genes.txt")
	if err := os.WriteFile(path, []byte("Gfap\r\nSnap25\nMbp\n"), 0644); err != nil {
		t.Fatal(err)
	}
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines error: %v", err)
	}
	if len(lines) != 3 || lines[1] != "Snap25" || lines[2] != "Mbp" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestWriteBundle(t *testing.T) {
	logrus.SetOutput(io.Discard)
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	// Two layers of 12 spots, three genes with exact exponential profiles.
	n := 24
	counts := mat.NewDense(3, n, nil)
	labels := make([]int, n)
	depth := make([]float64, n)
	props := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		labels[i] = i / 12
		depth[i] = float64(i) / 12
		counts.Set(0, i, 5+float64(i%3))
		counts.Set(1, i, math.Round(20*math.Exp(depth[i])))
		counts.Set(2, i, 3)
		props.Set(i, 0, 1)
	}
	opts := segfit.DefaultOptions()
	opts.KeptGenes = []int{0, 1}
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	opts.Logger = quiet
	b, err := segfit.PiecewiseFit(context.Background(), counts, labels, depth,
		segfit.CellTypeTable{Names: []string{"L2/3 IT"}, Proportions: props}, []string{"L2/3 IT"}, opts)
	if err != nil {
		t.Fatalf("PiecewiseFit error: %v", err)
	}

	dir := t.TempDir()
	if err := WriteBundle(dir, b, []string{"Gfap", "Snap25", "Mbp"}); err != nil {
		t.Fatalf("WriteBundle error: %v", err)
	}

	genes, err := ReadLines(filepath.Join(dir, FileGenes))
	if err != nil || len(genes) != 2 || genes[0] != "Gfap" || genes[1] != "Snap25" {
		t.Fatalf("unexpected genes.txt: %q, %v", genes, err)
	}
	keys, err := ReadLines(filepath.Join(dir, "keys.txt"))
	if err != nil || len(keys) != 2 || keys[0] != "all_cell_types" || keys[1] != "L2/3 IT" {
		t.Fatalf("unexpected keys.txt: %q, %v", keys, err)
	}

	prefix := FilePrefix(segfit.CellType("L2/3 IT"))
	if prefix != "L2_3_IT" {
		t.Fatalf("unexpected prefix %q", prefix)
	}
	slope, shape, err := ReadFloat64(filepath.Join(dir, prefix+SuffixSlope))
	if err != nil {
		t.Fatalf("failed to read slope: %v", err)
	}
	if shape[0] != 2 || shape[1] != 2 {
		t.Fatalf("unexpected slope shape %v", shape)
	}
	res, _ := b.Get(segfit.CellType("L2/3 IT"))
	for g := 0; g < 2; g++ {
		for l := 0; l < 2; l++ {
			if slope[g*2+l] != res.Slope.At(g, l) {
				t.Fatalf("slope[%d,%d] = %g, want %g", g, l, slope[g*2+l], res.Slope.At(g, l))
			}
		}
	}

	_, shape, err = ReadFloat64(filepath.Join(dir, "all_cell_types"+SuffixDiscontinuity))
	if err != nil {
		t.Fatalf("failed to read discontinuity: %v", err)
	}
	if shape[0] != 2 || shape[1] != 1 {
		t.Fatalf("unexpected discontinuity shape %v", shape)
	}
}

func TestWriteBundle_PrefixCollision(t *testing.T) {
	logrus.SetOutput(io.Discard)
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	n := 24
	counts := mat.NewDense(1, n, nil)
	labels := make([]int, n)
	depth := make([]float64, n)
	props := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		labels[i] = i / 12
		depth[i] = float64(i) / 12
		counts.Set(0, i, 5+float64(i%3))
		props.Set(i, 0, 1)
		props.Set(i, 1, 1)
		props.Set(i, 2, 1)
	}
	table := segfit.CellTypeTable{Names: []string{"L2/3 IT", "L2_3 IT", "all/cell/types"}, Proportions: props}
	opts := segfit.DefaultOptions()
	opts.KeptGenes = []int{0}
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	opts.Logger = quiet

	tests := []struct {
		name      string
		cellTypes []string
	}{
		{"cellTypes", []string{"L2/3 IT", "L2_3 IT"}},
		{"allCellTypes", []string{"all/cell/types"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := segfit.PiecewiseFit(context.Background(), counts, labels, depth, table, tt.cellTypes, opts)
			if err != nil {
				t.Fatalf("PiecewiseFit error: %v", err)
			}
			dir := filepath.Join(t.TempDir(), "out")
			err = WriteBundle(dir, b, []string{"Gfap"})
			if !errors.Is(err, ErrPrefixCollision) {
				t.Fatalf("expected ErrPrefixCollision, got %v", err)
			}
			if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
				t.Fatalf("expected nothing written on collision, stat error %v", statErr)
			}
		})
	}
}
