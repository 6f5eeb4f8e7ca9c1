// Package main runs a piecewise layer fit on one dataset and writes the
// results as NumPy arrays.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/internal/data/npy"
	"github.com/spatialnn/pwfit/internal/dataset"
	"github.com/spatialnn/pwfit/pkg/glm"
	"github.com/spatialnn/pwfit/pkg/segfit"
)

func main() {
	dataPath := flag.String("data", "", "Path to the dataset (Zarr store or NumPy directory)")
	format := flag.String("format", dataset.FormatZarr, "Dataset format: zarr or npy")
	outDir := flag.String("out", "pwfit_out", "Output directory for the .npy results")
	cellTypes := flag.String("cell-types", "", "Comma-separated cell types to fit in addition to all spots")
	genes := flag.String("genes", "", "Comma-separated genes to fit instead of filtering by UMI threshold")
	umiThreshold := flag.Float64("umi-threshold", 0, "Keep genes whose pseudo-counted total exceeds this")
	pseudocount := flag.Float64("pseudocount", segfit.DefaultPseudocount, "Pseudocount added to every count")
	pvalue := flag.Float64("pvalue", segfit.DefaultPValueThreshold, "Select the sloped fit when p is below this")
	minSpots := flag.Int("min-spots", segfit.DefaultMinSpots, "Layers with at most this many spots are not fitted")
	alpha := flag.Float64("alpha", 0, "L2 penalty on the slope")
	workers := flag.Int("workers", 0, "Fit workers (0 = GOMAXPROCS)")
	convertTo := flag.String("convert-to", "", "Write the dataset in this format to -out and exit")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	log.SetLevel(level)

	if *dataPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ds, err := dataset.Open(*dataPath, *format)
	if err != nil {
		log.Fatalf("Failed to load dataset: %v", err)
	}
	log.WithFields(log.Fields{
		"genes":      ds.NumGenes(),
		"spots":      ds.NumSpots(),
		"layers":     len(ds.Layers()),
		"cell_types": len(ds.CellTypes.Names),
	}).Infof("Loaded %s", *dataPath)

	if *convertTo != "" {
		if err := dataset.Save(*outDir, *convertTo, ds); err != nil {
			log.Fatalf("Failed to convert dataset: %v", err)
		}
		log.Infof("Wrote %s dataset to %s", *convertTo, *outDir)
		return
	}

	opts := segfit.DefaultOptions()
	opts.Pseudocount = *pseudocount
	opts.PValueThreshold = *pvalue
	opts.MinSpots = *minSpots
	opts.Workers = *workers
	opts.Fit = glm.DefaultOptions()
	opts.Fit.Alpha = *alpha
	opts.Logger = log.StandardLogger()

	if names := splitList(*genes); len(names) > 0 {
		for _, name := range names {
			g, ok := ds.GeneIndex(name)
			if !ok {
				log.Fatalf("Gene %q not in dataset", name)
			}
			opts.KeptGenes = append(opts.KeptGenes, g)
		}
	} else {
		opts.UMIThreshold = umiThreshold
	}

	last := map[segfit.Key]time.Time{}
	opts.Progress = func(key segfit.Key, done, total int) {
		if done < total && time.Since(last[key]) < 2*time.Second {
			return
		}
		last[key] = time.Now()
		log.WithField("key", key.String()).Infof("fitted %d/%d genes", done, total)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	bundle, err := segfit.PiecewiseFit(ctx, ds.Counts, ds.Labels, ds.Depth, ds.CellTypes, splitList(*cellTypes), opts)
	if err != nil {
		log.Fatalf("Fit failed: %v", err)
	}
	log.WithFields(log.Fields{
		"genes":   len(bundle.Genes()),
		"layers":  bundle.Layers(),
		"keys":    len(bundle.Keys()),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("Fit finished")

	if err := npy.WriteBundle(*outDir, bundle, ds.Genes); err != nil {
		log.Fatalf("Failed to write results: %v", err)
	}
	log.Infof("Results written to %s", *outDir)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
