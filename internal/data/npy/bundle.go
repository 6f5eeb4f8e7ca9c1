package npy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/pkg/segfit"
	"gonum.org/v1/gonum/mat"
)

// Result file suffixes, one file per key and matrix.
const (
	SuffixSlope         = "_slope.npy"
	SuffixIntercept     = "_intercept.npy"
	SuffixDiscontinuity = "_discontinuity.npy"
	SuffixPValue        = "_pvalue.npy"
)

// WriteBundle writes every result of b into dir as
// <key><suffix> files, plus genes.txt naming the fitted genes and keys.txt
// listing the keys in bundle order. geneNames is indexed like the input
// count matrix and may be nil.
func WriteBundle(dir string, b *segfit.Bundle, geneNames []string) error {
	prefixes, err := filePrefixes(b.Keys())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	genes := b.Genes()
	names := make([]string, len(genes))
	for i, g := range genes {
		if g < len(geneNames) {
			names[i] = geneNames[g]
		} else {
			names[i] = fmt.Sprintf("gene_%d", g)
		}
	}
	if err := WriteLines(filepath.Join(dir, FileGenes), names); err != nil {
		return err
	}

	var keys []string
	layers := b.Layers()
	for i, k := range b.Keys() {
		res, _ := b.Get(k)
		prefix := prefixes[i]
		keys = append(keys, k.String())

		log.WithFields(log.Fields{
			"key":    k.String(),
			"genes":  len(genes),
			"layers": layers,
		}).Infof("writing numpy results: %s", filepath.Join(dir, prefix+"_*.npy"))

		files := []struct {
			suffix string
			m      *mat.Dense
			cols   int
		}{
			{SuffixSlope, res.Slope, layers},
			{SuffixIntercept, res.Intercept, layers},
			{SuffixDiscontinuity, res.Discontinuity, layers - 1},
			{SuffixPValue, res.PValue, layers},
		}
		for _, f := range files {
			path := filepath.Join(dir, prefix+f.suffix)
			if err := WriteFloat64(path, flatten(f.m, len(genes), f.cols), []int{len(genes), f.cols}); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
		}
	}
	return WriteLines(filepath.Join(dir, "keys.txt"), keys)
}

// ErrPrefixCollision is returned when two keys of a bundle map to the same
// file prefix, e.g. "L2/3 IT" and "L2_3 IT".
var ErrPrefixCollision = errors.New("npy: keys share a file prefix")

// filePrefixes returns FilePrefix of every key, failing if any two match.
func filePrefixes(keys []segfit.Key) ([]string, error) {
	prefixes := make([]string, len(keys))
	owner := make(map[string]segfit.Key, len(keys))
	for i, k := range keys {
		prefix := FilePrefix(k)
		if prev, ok := owner[prefix]; ok {
			return nil, fmt.Errorf("%w: %q and %q both write %s_*.npy", ErrPrefixCollision, prev.String(), k.String(), prefix)
		}
		owner[prefix] = k
		prefixes[i] = prefix
	}
	return prefixes, nil
}

// FilePrefix maps a key to a file-name-safe prefix.
func FilePrefix(k segfit.Key) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, k.String())
}

// flatten copies m into a row-major slice of rows×cols values; matrices with
// a zero dimension yield an empty slice.
func flatten(m *mat.Dense, rows, cols int) []float64 {
	out := make([]float64, 0, rows*cols)
	if rows == 0 || cols == 0 {
		return out
	}
	for r := 0; r < rows; r++ {
		out = append(out, m.RawRowView(r)...)
	}
	return out
}
