// Package service provides business logic for the fit server.
package service

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/internal/cache"
	"github.com/spatialnn/pwfit/internal/dataset"
)

// DatasetServiceConfig contains dataset service configuration.
type DatasetServiceConfig struct {
	DatasetID string
	Path      string
	Format    string
	Cache     *cache.Manager
}

// DatasetService serves one configured dataset. The dataset is loaded on
// first use and kept in the shared dataset cache.
type DatasetService struct {
	id     string
	path   string
	format string
	cache  *cache.Manager

	mu sync.Mutex
}

// Metadata summarises a dataset for the API.
type Metadata struct {
	ID        string   `json:"id"`
	Format    string   `json:"format"`
	NGenes    int      `json:"n_genes"`
	NSpots    int      `json:"n_spots"`
	NLayers   int      `json:"n_layers"`
	Layers    []int    `json:"layers"`
	CellTypes []string `json:"cell_types"`
	DepthMin  float64  `json:"depth_min"`
	DepthMax  float64  `json:"depth_max"`
}

// NewDatasetService creates a new dataset service.
func NewDatasetService(cfg DatasetServiceConfig) *DatasetService {
	return &DatasetService{
		id:     cfg.DatasetID,
		path:   cfg.Path,
		format: cfg.Format,
		cache:  cfg.Cache,
	}
}

// ID returns the configured dataset ID.
func (s *DatasetService) ID() string {
	return s.id
}

// Dataset returns the loaded dataset, reading it from disk on a cache miss.
func (s *DatasetService) Dataset() (*dataset.Dataset, error) {
	if ds, ok := s.cache.GetDataset(s.id); ok {
		return ds, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another caller may have loaded it while we waited.
	if ds, ok := s.cache.GetDataset(s.id); ok {
		return ds, nil
	}

	ds, err := dataset.Open(s.path, s.format)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", s.id, err)
	}
	log.WithFields(log.Fields{
		"dataset": s.id,
		"genes":   ds.NumGenes(),
		"spots":   ds.NumSpots(),
		"path":    s.path,
	}).Info("loaded dataset")
	s.cache.AddDataset(s.id, ds)
	return ds, nil
}

// Metadata returns a summary of the dataset.
func (s *DatasetService) Metadata() (*Metadata, error) {
	ds, err := s.Dataset()
	if err != nil {
		return nil, err
	}
	layers := ds.Layers()
	md := &Metadata{
		ID:        s.id,
		Format:    s.format,
		NGenes:    ds.NumGenes(),
		NSpots:    ds.NumSpots(),
		NLayers:   len(layers),
		Layers:    layers,
		CellTypes: ds.CellTypes.Names,
	}
	if md.CellTypes == nil {
		md.CellTypes = []string{}
	}
	for i, d := range ds.Depth {
		if i == 0 || d < md.DepthMin {
			md.DepthMin = d
		}
		if i == 0 || d > md.DepthMax {
			md.DepthMax = d
		}
	}
	return md, nil
}
