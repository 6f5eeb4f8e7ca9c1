// Package cache provides caching for loaded datasets and fit result pages.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spatialnn/pwfit/internal/dataset"
)

// Config contains cache configuration.
type Config struct {
	ResultCacheSizeMB int
	ResultTTL         time.Duration
	DatasetCacheSize  int
}

// Manager manages the result page and dataset caches.
type Manager struct {
	resultCache  *bigcache.BigCache
	datasetCache *lru.Cache[string, *dataset.Dataset]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	resultCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.ResultCacheSizeMB,
		Verbose:            false,
	}

	resultCache, err := bigcache.New(context.Background(), resultCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	datasetCache, err := lru.New[string, *dataset.Dataset](cfg.DatasetCacheSize)
	if err != nil {
		resultCache.Close()
		return nil, fmt.Errorf("failed to create dataset cache: %w", err)
	}

	return &Manager{
		resultCache:  resultCache,
		datasetCache: datasetCache,
	}, nil
}

// GetResult retrieves an encoded result page from cache.
func (m *Manager) GetResult(key string) ([]byte, bool) {
	data, err := m.resultCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetResult stores an encoded result page in cache.
func (m *Manager) SetResult(key string, data []byte) error {
	return m.resultCache.Set(key, data)
}

// GetDataset retrieves a loaded dataset.
func (m *Manager) GetDataset(id string) (*dataset.Dataset, bool) {
	return m.datasetCache.Get(id)
}

// AddDataset stores a loaded dataset, evicting the least recently used one
// when full.
func (m *Manager) AddDataset(id string, ds *dataset.Dataset) {
	m.datasetCache.Add(id, ds)
}

// ResultKey generates a cache key for one page of fit results.
func ResultKey(jobID, key, orderBy string, offset, limit int, filters map[string]string) string {
	base := fmt.Sprintf("fit:%s:%s:%s:%d:%d", jobID, key, orderBy, offset, limit)
	if len(filters) == 0 {
		return base
	}

	// Hash filters for cache key; map order must not matter.
	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range sortedKeys(filters) {
		h.Write([]byte(fmt.Sprintf("%s=%s;", k, filters[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// DiscontinuityKey generates a cache key for the discontinuities of a key.
func DiscontinuityKey(jobID, key string) string {
	return fmt.Sprintf("disc:%s:%s", jobID, key)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"result_cache_len":  m.resultCache.Len(),
		"result_cache_cap":  m.resultCache.Capacity(),
		"dataset_cache_len": m.datasetCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.resultCache.Close()
}
