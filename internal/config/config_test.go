package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_LegacyFormat(t *testing.T) {
	content := `
server:
  port: 9000
data:
  path: "/data/legacy/cortex.zarr"
  format: zarr
cache:
  result_size_mb: 128
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset 'default', got %q", cfg.Data.DefaultDataset)
	}
	ds, ok := cfg.Data.Datasets["default"]
	if !ok {
		t.Fatal("expected 'default' dataset")
	}
	if ds.Path != "/data/legacy/cortex.zarr" {
		t.Errorf("unexpected path: %s", ds.Path)
	}
	if cfg.Cache.ResultSizeMB != 128 {
		t.Errorf("expected result cache 128, got %d", cfg.Cache.ResultSizeMB)
	}
}

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
data:
  visium:
    path: "/data/visium/dataset.zarr"
  slideseq:
    path: "/data/slideseq"
    format: npy
`
	cfg := loadFromString(t, content)

	if len(cfg.Data.Datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.DefaultDataset != "visium" {
		t.Errorf("expected default dataset 'visium', got %q", cfg.Data.DefaultDataset)
	}

	visium := cfg.Data.Datasets["visium"]
	if visium.Format != "zarr" {
		t.Errorf("expected format to default to zarr, got %q", visium.Format)
	}
	slideseq := cfg.Data.Datasets["slideseq"]
	if slideseq.Path != "/data/slideseq" || slideseq.Format != "npy" {
		t.Errorf("unexpected slideseq dataset: %+v", slideseq)
	}

	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "visium" || ids[1] != "slideseq" {
		t.Errorf("unexpected dataset order: %v", ids)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
data:
  test:
    path: "/test/dataset.zarr"
fit:
  pvalue_threshold: 0.05
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.ResultSizeMB != 256 {
		t.Errorf("expected default cache size 256, got %d", cfg.Cache.ResultSizeMB)
	}
	if cfg.Fit.PValueThreshold != 0.05 {
		t.Errorf("expected pvalue threshold 0.05, got %g", cfg.Fit.PValueThreshold)
	}
	if cfg.Fit.Pseudocount != 1 {
		t.Errorf("expected default pseudocount 1, got %g", cfg.Fit.Pseudocount)
	}
	if cfg.Fit.UMIThreshold == nil || *cfg.Fit.UMIThreshold != 0 {
		t.Errorf("expected default umi threshold 0, got %v", cfg.Fit.UMIThreshold)
	}
	if cfg.Fit.MaxIter != 500 || cfg.Fit.Tol != 1e-10 {
		t.Errorf("unexpected solver defaults: max_iter=%d tol=%g", cfg.Fit.MaxIter, cfg.Fit.Tol)
	}
	if cfg.Jobs.MaxConcurrent != 2 {
		t.Errorf("expected default max_concurrent 2, got %d", cfg.Jobs.MaxConcurrent)
	}
}

func TestLoad_ExplicitUMIThreshold(t *testing.T) {
	content := `
fit:
  umi_threshold: 250
`
	cfg := loadFromString(t, content)
	if cfg.Fit.UMIThreshold == nil || *cfg.Fit.UMIThreshold != 250 {
		t.Errorf("expected umi threshold 250, got %v", cfg.Fit.UMIThreshold)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset, got %q", cfg.Data.DefaultDataset)
	}
	if len(cfg.Data.Datasets) != 1 {
		t.Errorf("expected 1 default dataset, got %d", len(cfg.Data.Datasets))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data: [1, 2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
