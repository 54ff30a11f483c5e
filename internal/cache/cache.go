// Package cache provides caching for gene expression vectors and derived
// query results shared by the ranking and plotting stages.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	GeneCacheSizeMB int
	GeneTTL         time.Duration
	QueryCacheSize  int
}

// Manager manages the gene vector and query caches.
type Manager struct {
	geneCache  *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	geneCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.GeneTTL,
		CleanWindow:        cfg.GeneTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 * 1024 * 1024, // 1M cells per gene vector
		HardMaxCacheSize:   cfg.GeneCacheSizeMB,
		Verbose:            false,
	}

	geneCache, err := bigcache.New(context.Background(), geneCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gene cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		geneCache:  geneCache,
		queryCache: queryCache,
	}, nil
}

// GetGene retrieves a gene expression vector from cache.
func (m *Manager) GetGene(key string) ([]float64, bool) {
	data, err := m.geneCache.Get(key)
	if err != nil {
		return nil, false
	}
	return DecodeVector(data), true
}

// SetGene stores a gene expression vector in cache.
func (m *Manager) SetGene(key string, vec []float64) error {
	return m.geneCache.Set(key, EncodeVector(vec))
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// GeneKey generates a cache key for a gene vector.
func GeneKey(dataset, gene string) string {
	return fmt.Sprintf("gene:%s:%s", dataset, gene)
}

// PlotKey generates a cache key for a rendered plot.
func PlotKey(kind string, params map[string]interface{}) string {
	base := "plot:" + kind
	if len(params) == 0 {
		return base
	}

	// Sort parameter names so the key is stable across calls.
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range names {
		h.Write([]byte(fmt.Sprintf("%s=%v", k, params[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// EncodeVector packs a float64 vector into little-endian float32 bytes.
func EncodeVector(vec []float64) []byte {
	out := make([]byte, len(vec)*4)
	for i, v := range vec {
		bits := math.Float32bits(float32(v))
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

// DecodeVector unpacks little-endian float32 bytes into a float64 vector.
func DecodeVector(data []byte) []float64 {
	out := make([]float64, len(data)/4)
	for i := range out {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		out[i] = float64(math.Float32frombits(bits))
	}
	return out
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"gene_cache_len":  m.geneCache.Len(),
		"gene_cache_cap":  m.geneCache.Capacity(),
		"query_cache_len": m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.geneCache.Close()
}
