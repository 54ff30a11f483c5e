package cache

import (
	"math"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		GeneCacheSizeMB: 8,
		GeneTTL:         time.Minute,
		QueryCacheSize:  16,
	})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestGeneCacheRoundtrip(t *testing.T) {
	m := newTestManager(t)

	vec := []float64{0, 1.5, -2.25, 1000.125}
	key := GeneKey("bonemarrow", "ELANE")
	if err := m.SetGene(key, vec); err != nil {
		t.Fatalf("SetGene() error: %v", err)
	}

	got, ok := m.GetGene(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got) != len(vec) {
		t.Fatalf("expected %d values, got %d", len(vec), len(got))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("value %d: expected %v, got %v", i, vec[i], got[i])
		}
	}
}

func TestGeneCacheMiss(t *testing.T) {
	m := newTestManager(t)
	if _, ok := m.GetGene(GeneKey("ds", "nope")); ok {
		t.Error("expected cache miss")
	}
}

func TestQueryCacheRoundtrip(t *testing.T) {
	m := newTestManager(t)

	key := PlotKey("celltype.png", map[string]interface{}{"size": 900})
	m.SetQuery(key, []byte("png-bytes"))

	got, ok := m.GetQuery(key)
	if !ok || string(got) != "png-bytes" {
		t.Errorf("expected hit with png-bytes, got %q (%v)", got, ok)
	}
}

func TestPlotKey_Stable(t *testing.T) {
	params := map[string]interface{}{"size": 900, "point": 2.0, "colormap": "viridis"}
	a := PlotKey("pseudotime", params)
	for i := 0; i < 20; i++ {
		if b := PlotKey("pseudotime", params); b != a {
			t.Fatalf("key not stable: %q vs %q", a, b)
		}
	}

	other := PlotKey("pseudotime", map[string]interface{}{"size": 901, "point": 2.0, "colormap": "viridis"})
	if other == a {
		t.Error("different params produced identical keys")
	}
	if PlotKey("clusters", nil) != "plot:clusters" {
		t.Errorf("unexpected bare key: %q", PlotKey("clusters", nil))
	}
}

func TestEncodeDecodeVector(t *testing.T) {
	vec := []float64{-1, 0, 0.5, 3.75, math.MaxFloat32}
	got := DecodeVector(EncodeVector(vec))
	if len(got) != len(vec) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("value %d: expected %v, got %v", i, vec[i], got[i])
		}
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	m.SetGene(GeneKey("ds", "G1"), []float64{1, 2})
	m.SetQuery("plot:x", []byte{1})

	stats := m.Stats()
	if stats["gene_cache_len"].(int) != 1 {
		t.Errorf("unexpected gene cache length: %v", stats["gene_cache_len"])
	}
	if stats["query_cache_len"].(int) != 1 {
		t.Errorf("unexpected query cache length: %v", stats["query_cache_len"])
	}
}
