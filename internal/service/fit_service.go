package service

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/internal/config"
	"github.com/spatialnn/pwfit/internal/dataset"
	"github.com/spatialnn/pwfit/internal/fitstore"
	"github.com/spatialnn/pwfit/pkg/glm"
	"github.com/spatialnn/pwfit/pkg/segfit"
)

// Job phases reported through fitstore progress.
const (
	PhaseLoadingDataset = "loading_dataset"
	PhaseFitting        = "fitting"
	PhaseSavingResults  = "saving_results"
)

// ErrInvalidParams indicates job parameters that cannot be turned into fit
// options for the dataset.
var ErrInvalidParams = errors.New("invalid fit parameters")

// FitService runs piecewise fit jobs.
type FitService struct {
	registry interface {
		Get(datasetID string) *DatasetService
	}
	defaults config.FitConfig
}

// NewFitService creates a new fit service. defaults fill parameters a job
// leaves unset.
func NewFitService(registry interface{ Get(datasetID string) *DatasetService }, defaults config.FitConfig) *FitService {
	return &FitService{registry: registry, defaults: defaults}
}

// ExecuteFitJob runs the piecewise fit for a job (called by JobManager worker).
func (s *FitService) ExecuteFitJob(ctx context.Context, store *fitstore.Store, jobID string) error {
	// Load job from store
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	logger := log.WithFields(log.Fields{"job_id": jobID, "dataset": job.Params.DatasetID})

	svc := s.registry.Get(job.Params.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}

	// Phase 1: Load dataset
	store.UpdateJobProgress(jobID, PhaseLoadingDataset, "", 0, 1)
	ds, err := svc.Dataset()
	if err != nil {
		return err
	}

	opts, err := s.Options(job.Params, ds)
	if err != nil {
		return err
	}
	opts.Logger = logger
	opts.Progress = func(key segfit.Key, done, total int) {
		if err := store.UpdateJobProgress(jobID, PhaseFitting, key.String(), done, total); err != nil {
			logger.WithError(err).Warn("failed to record progress")
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: Fit
	store.UpdateJobProgress(jobID, PhaseFitting, segfit.AllCellTypes().String(), 0, 0)
	bundle, err := segfit.PiecewiseFit(ctx, ds.Counts, ds.Labels, ds.Depth, ds.CellTypes, job.Params.CellTypes, opts)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(bundle.Keys()))
	for _, k := range bundle.Keys() {
		keys = append(keys, k.String())
	}
	if err := store.UpdateJobShape(jobID, len(bundle.Genes()), bundle.Layers(), ds.NumSpots(), keys); err != nil {
		return fmt.Errorf("failed to record result shape: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: Write results to DB
	total := len(keys) * len(bundle.Genes()) * bundle.Layers()
	store.UpdateJobProgress(jobID, PhaseSavingResults, "", 0, total)
	if err := store.InsertBundle(jobID, bundle, ds.Genes); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	store.UpdateJobProgress(jobID, PhaseSavingResults, "", total, total)

	logger.WithFields(log.Fields{
		"genes":  len(bundle.Genes()),
		"layers": bundle.Layers(),
		"keys":   len(keys),
	}).Info("fit job finished")
	return nil
}

// Options turns job parameters into fit options, filling unset values from
// the service defaults and resolving gene names against ds.
func (s *FitService) Options(p fitstore.FitJobParams, ds *dataset.Dataset) (segfit.Options, error) {
	opts := segfit.DefaultOptions()
	opts.Workers = s.defaults.Workers
	opts.Fit = glm.Options{Alpha: s.defaults.Alpha, Tol: s.defaults.Tol, MaxIter: s.defaults.MaxIter}
	if s.defaults.Pseudocount > 0 {
		opts.Pseudocount = s.defaults.Pseudocount
	}
	if s.defaults.PValueThreshold > 0 {
		opts.PValueThreshold = s.defaults.PValueThreshold
	}
	if s.defaults.MinSpots > 0 {
		opts.MinSpots = s.defaults.MinSpots
	}

	if p.Pseudocount != nil {
		opts.Pseudocount = *p.Pseudocount
	}
	if p.PValueThreshold != 0 {
		if p.PValueThreshold < 0 || p.PValueThreshold > 1 {
			return opts, fmt.Errorf("%w: pvalue_threshold %g outside (0, 1]", ErrInvalidParams, p.PValueThreshold)
		}
		opts.PValueThreshold = p.PValueThreshold
	}
	if p.MinSpots != 0 {
		opts.MinSpots = p.MinSpots
	}
	if p.Alpha != 0 {
		opts.Fit.Alpha = p.Alpha
	}

	switch {
	case p.UMIThreshold != nil && len(p.Genes) > 0:
		return opts, fmt.Errorf("%w: umi_threshold and genes are mutually exclusive", ErrInvalidParams)
	case len(p.Genes) > 0:
		kept := make([]int, 0, len(p.Genes))
		for _, name := range p.Genes {
			g, ok := ds.GeneIndex(name)
			if !ok {
				return opts, fmt.Errorf("%w: gene %q not in dataset", ErrInvalidParams, name)
			}
			kept = append(kept, g)
		}
		opts.KeptGenes = kept
	case p.UMIThreshold != nil:
		v := *p.UMIThreshold
		opts.UMIThreshold = &v
	default:
		v := 0.0
		if s.defaults.UMIThreshold != nil {
			v = *s.defaults.UMIThreshold
		}
		opts.UMIThreshold = &v
	}

	for _, name := range p.CellTypes {
		if segfit.IsReservedName(name) {
			return opts, fmt.Errorf("%w: cell type name %q is reserved", ErrInvalidParams, name)
		}
		if _, ok := ds.CellTypes.Column(name); !ok {
			return opts, fmt.Errorf("%w: cell type %q not in dataset", ErrInvalidParams, name)
		}
	}
	return opts, nil
}
