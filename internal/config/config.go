// Package config handles configuration loading for the pwfit server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Fit    FitConfig    `yaml:"fit"`
	Jobs   JobsConfig   `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig locates one dataset on disk.
type DatasetConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// DataConfig contains data source settings. The YAML section is either a
// single legacy dataset (path/format at the top level) or a mapping of
// dataset ID to DatasetConfig; the first ID is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string

	order []string
}

// DatasetIDs returns the dataset IDs in YAML order.
func (d DataConfig) DatasetIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// UnmarshalYAML accepts both the legacy and the multi-dataset layout.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}

	legacy := false
	for i := 0; i < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "path", "format":
			legacy = true
		}
	}
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.add("default", ds)
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.add(id, ds)
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetConfig)
	}
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ResultSizeMB     int `yaml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes"`
	DatasetCacheSize int `yaml:"dataset_cache_size"`
}

// FitConfig holds the defaults applied to fit jobs that leave a parameter
// unset.
type FitConfig struct {
	Pseudocount     float64  `yaml:"pseudocount"`
	PValueThreshold float64  `yaml:"pvalue_threshold"`
	UMIThreshold    *float64 `yaml:"umi_threshold"`
	MinSpots        int      `yaml:"min_spots"`
	Workers         int      `yaml:"workers"`
	Alpha           float64  `yaml:"alpha"`
	Tol             float64  `yaml:"tol"`
	MaxIter         int      `yaml:"max_iter"`
}

// JobsConfig contains fit job queue settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	umi := 0.0
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "pwfit",
		},
		Cache: CacheConfig{
			ResultSizeMB:     256,
			ResultTTLMinutes: 10,
			DatasetCacheSize: 4,
		},
		Fit: FitConfig{
			Pseudocount:     1,
			PValueThreshold: 0.10,
			UMIThreshold:    &umi,
			MinSpots:        10,
			Tol:             1e-10,
			MaxIter:         500,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/fit_jobs.sqlite",
			RetentionDays: 7,
		},
	}
	cfg.Data.add("default", DatasetConfig{Path: "./data/dataset.zarr", Format: "zarr"})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.Format == "" {
			ds.Format = "zarr"
			cfg.Data.Datasets[id] = ds
		}
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Cache.DatasetCacheSize == 0 {
		cfg.Cache.DatasetCacheSize = defaults.Cache.DatasetCacheSize
	}
	if cfg.Fit.Pseudocount == 0 {
		cfg.Fit.Pseudocount = defaults.Fit.Pseudocount
	}
	if cfg.Fit.PValueThreshold == 0 {
		cfg.Fit.PValueThreshold = defaults.Fit.PValueThreshold
	}
	if cfg.Fit.UMIThreshold == nil {
		cfg.Fit.UMIThreshold = defaults.Fit.UMIThreshold
	}
	if cfg.Fit.MinSpots == 0 {
		cfg.Fit.MinSpots = defaults.Fit.MinSpots
	}
	if cfg.Fit.Tol == 0 {
		cfg.Fit.Tol = defaults.Fit.Tol
	}
	if cfg.Fit.MaxIter == 0 {
		cfg.Fit.MaxIter = defaults.Fit.MaxIter
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}
