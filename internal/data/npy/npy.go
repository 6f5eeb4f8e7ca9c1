// Package npy reads dataset arrays from, and writes fit results to, NumPy
// .npy files.
//
// A dataset directory holds counts.npy [genes, spots], labels.npy [spots],
// depth.npy [spots], an optional genes.txt (one name per line) and, when
// cell types are known, cell_types.npy [spots, cell types] with
// cell_types.txt naming the columns.
package npy

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kshedden/gonpy"
)

// File names inside a dataset directory.
const (
	FileCounts        = "counts.npy"
	FileLabels        = "labels.npy"
	FileDepth         = "depth.npy"
	FileGenes         = "genes.txt"
	FileCellTypes     = "cell_types.npy"
	FileCellTypeNames = "cell_types.txt"
)

// ErrUnsupportedDtype is returned for arrays that cannot be read as numbers.
var ErrUnsupportedDtype = errors.New("npy: unsupported dtype")

// ReadFloat64 reads a numeric .npy file of any integer or float dtype and
// returns its values in row-major order with the array shape.
func ReadFloat64(path string) ([]float64, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	rdr, err := gonpy.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s header: %w", filepath.Base(path), err)
	}
	data, err := readAll(rdr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	shape := append([]int(nil), rdr.Shape...)
	if rdr.ColumnMajor && len(shape) == 2 {
		data = toRowMajor(data, shape[0], shape[1])
	} else if rdr.ColumnMajor && len(shape) > 2 {
		return nil, nil, fmt.Errorf("%s: fortran-ordered arrays with %d dims are not supported", filepath.Base(path), len(shape))
	}
	return data, shape, nil
}

func readAll(rdr *gonpy.NpyReader) ([]float64, error) {
	switch rdr.Dtype {
	case "f8":
		return rdr.GetFloat64()
	case "f4":
		v, err := rdr.GetFloat32()
		return widen(v), err
	case "i8":
		v, err := rdr.GetInt64()
		return widen(v), err
	case "i4":
		v, err := rdr.GetInt32()
		return widen(v), err
	case "i2":
		v, err := rdr.GetInt16()
		return widen(v), err
	case "i1":
		v, err := rdr.GetInt8()
		return widen(v), err
	case "u8":
		v, err := rdr.GetUint64()
		return widen(v), err
	case "u4":
		v, err := rdr.GetUint32()
		return widen(v), err
	case "u2":
		v, err := rdr.GetUint16()
		return widen(v), err
	case "u1":
		v, err := rdr.GetUint8()
		return widen(v), err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDtype, rdr.Dtype)
	}
}

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32
}

func widen[T number](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toRowMajor(data []float64, rows, cols int) []float64 {
	out := make([]float64, len(data))
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			out[r*cols+c] = data[c*rows+r]
		}
	}
	return out
}

// WriteFloat64 writes data, in row-major order, as a float64 .npy file.
func WriteFloat64(path string, data []float64, shape []int) error {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("%s: %d values do not match shape %v", filepath.Base(path), len(data), shape)
	}
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return err
	}
	w.Shape = append([]int(nil), shape...)
	// WriteFloat64 closes the file.
	return w.WriteFloat64(data)
}

// ReadLines reads a text file of one entry per line, ignoring a trailing
// empty line.
func ReadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// WriteLines writes one entry per line.
func WriteLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
