package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spatialnn/pwfit/internal/cache"
	"github.com/spatialnn/pwfit/internal/dataset"
	"github.com/spatialnn/pwfit/internal/service"
)

func TestRouterWithoutJobManager_NoListen(t *testing.T) {
	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: 8,
		ResultTTL:         1 * time.Minute,
		DatasetCacheSize:  1,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// "missing" is configured but never registered, so it is not listed.
	registry := NewDatasetRegistry("cortex", []string{"cortex", "missing"}, "Cortex fits")
	registry.Register("cortex", dataset.FormatNpy, service.NewDatasetService(service.DatasetServiceConfig{
		DatasetID: "cortex",
		Path:      writeTestDataset(t, dataset.FormatNpy),
		Format:    dataset.FormatNpy,
		Cache:     cacheManager,
	}))

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/datasets", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	var payload struct {
		Datasets []DatasetInfo `json:"datasets"`
		Title    string        `json:"title"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if len(payload.Datasets) != 1 || payload.Datasets[0].ID != "cortex" || payload.Title != "Cortex fits" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	req = httptest.NewRequest(http.MethodPost, "/d/cortex/api/fit/jobs", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected %d without a job manager, got %d", http.StatusNotImplemented, rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/d/cortex/api/fit/jobs/abc", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected %d without a job manager, got %d", http.StatusNotImplemented, rec.Code)
	}
}
