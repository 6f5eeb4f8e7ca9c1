package zarr

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (string, *Writer) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "dataset.zarr")
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	if err := w.WriteMetadata(&Metadata{
		FormatVersion: "1",
		DatasetName:   "test",
		NSpots:        5,
		Genes:         []string{"Gfap", "Snap25", "Mbp"},
	}); err != nil {
		t.Fatalf("failed to write metadata: %v", err)
	}
	return dir, w
}

func openTestStore(t *testing.T, dir string) *Reader {
	t.Helper()

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestReader_Metadata(t *testing.T) {
	dir, _ := newTestStore(t)
	r := openTestStore(t, dir)

	md := r.Metadata()
	if md.DatasetName != "test" || md.NSpots != 5 {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if idx, ok := md.GeneIndex["Mbp"]; !ok || idx != 2 {
		t.Fatalf("unexpected gene index for Mbp: %d, %v", idx, ok)
	}
}

func TestReader_RoundTripMultiChunk(t *testing.T) {
	dir, w := newTestStore(t)

	// 3 x 5 with 2 x 2 chunks leaves partial edge chunks on both axes.
	data := make([]float64, 15)
	for i := range data {
		data[i] = float64(i*7 + 1)
	}
	for _, dtype := range []string{"float64", "float32", "int32", "uint16"} {
		w.DataType = dtype
		if err := w.WriteArray("counts_"+dtype, data, []int{3, 5}, []int{2, 2}); err != nil {
			t.Fatalf("WriteArray(%s) error: %v", dtype, err)
		}
	}

	r := openTestStore(t, dir)
	for _, dtype := range []string{"float64", "float32", "int32", "uint16"} {
		got, shape, err := r.ReadFloat64("counts_" + dtype)
		if err != nil {
			t.Fatalf("ReadFloat64(%s) error: %v", dtype, err)
		}
		if len(shape) != 2 || shape[0] != 3 || shape[1] != 5 {
			t.Fatalf("unexpected shape for %s: %v", dtype, shape)
		}
		for i := range data {
			if got[i] != data[i] {
				t.Fatalf("%s: element %d = %g, want %g", dtype, i, got[i], data[i])
			}
		}
	}
}

func TestReader_MissingChunkIsFill(t *testing.T) {
	dir, w := newTestStore(t)
	if err := w.WriteArray(ArrayDepth, []float64{1, 2, 3, 4, 5}, []int{5}, []int{2}); err != nil {
		t.Fatalf("WriteArray error: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, ArrayDepth, "c", "1")); err != nil {
		t.Fatalf("failed to remove chunk: %v", err)
	}

	r := openTestStore(t, dir)
	got, _, err := r.ReadFloat64(ArrayDepth)
	if err != nil {
		t.Fatalf("ReadFloat64 error: %v", err)
	}
	want := []float64{1, 2, 0, 0, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestReader_UncompressedBigEndian(t *testing.T) {
	dir, _ := newTestStore(t)
	arrayPath := filepath.Join(dir, ArrayLabels)
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0755); err != nil {
		t.Fatal(err)
	}
	meta := `{
  "zarr_format": 3,
  "node_type": "array",
  "shape": [4],
  "data_type": "int64",
  "chunk_grid": {"name": "regular", "configuration": {"chunk_shape": [4]}},
  "chunk_key_encoding": {"name": "default", "configuration": {"separator": "/"}},
  "fill_value": 0,
  "codecs": [{"name": "bytes", "configuration": {"endian": "big"}}]
}`
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), []byte(meta), 0644); err != nil {
		t.Fatal(err)
	}
	raw := make([]byte, 32)
	for i, v := range []int64{0, 1, 1, 2} {
		binary.BigEndian.PutUint64(raw[i*8:], uint64(v))
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "c", "0"), raw, 0644); err != nil {
		t.Fatal(err)
	}

	r := openTestStore(t, dir)
	got, _, err := r.ReadFloat64(ArrayLabels)
	if err != nil {
		t.Fatalf("ReadFloat64 error: %v", err)
	}
	for i, want := range []float64{0, 1, 1, 2} {
		if got[i] != want {
			t.Fatalf("element %d = %g, want %g", i, got[i], want)
		}
	}
}

func TestReader_ArrayNotFound(t *testing.T) {
	dir, _ := newTestStore(t)
	r := openTestStore(t, dir)

	if r.HasArray(ArrayCellTypes) {
		t.Fatal("expected no cell_types array")
	}
	_, _, err := r.ReadFloat64(ArrayCellTypes)
	if !errors.Is(err, ErrArrayNotFound) {
		t.Fatalf("expected ErrArrayNotFound, got %v", err)
	}
}

func TestFillValueBytes_NaN(t *testing.T) {
	meta := &ArrayMeta{DataType: "float32", FillValue: "NaN"}
	b, err := fillValueBytes(meta)
	if err != nil {
		t.Fatalf("fillValueBytes error: %v", err)
	}
	if v := math.Float32frombits(binary.LittleEndian.Uint32(b)); !math.IsNaN(float64(v)) {
		t.Fatalf("expected NaN fill, got %g", v)
	}
}

func TestNewReader_MissingMetadata(t *testing.T) {
	if _, err := NewReader(t.TempDir()); err == nil {
		t.Fatal("expected error for store without metadata.json")
	}
}
