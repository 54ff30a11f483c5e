package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scpath/pipeline/internal/cache"
	"github.com/scpath/pipeline/internal/config"
	"github.com/scpath/pipeline/internal/data/zarr"
	"github.com/scpath/pipeline/internal/render"
	"github.com/scpath/pipeline/internal/resultstore"
)

const (
	testGenes = 8
	testCells = 40
)

// writeTestInputs builds a small counts store with two expression programs:
// the first half of the genes is high in the first half of the cells and the
// second half in the rest.
func writeTestInputs(t *testing.T, dir string) (countsPath, annPath string) {
	t.Helper()

	genes := make([]string, testGenes)
	for g := range genes {
		genes[g] = fmt.Sprintf("G%d", g)
	}
	cells := make([]string, testCells)
	for c := range cells {
		cells[c] = fmt.Sprintf("cell%02d", c)
	}

	counts := make([]uint32, testGenes*testCells)
	for g := 0; g < testGenes; g++ {
		for c := 0; c < testCells; c++ {
			v := uint32(1 + (g+c)%3)
			if (g < testGenes/2) == (c < testCells/2) {
				v += 40 + uint32((g*7+c*3)%5)
			}
			counts[g*testCells+c] = v
		}
	}

	countsPath = filepath.Join(dir, "counts.zarr")
	w, err := zarr.NewWriter(countsPath, &zarr.StoreMetadata{
		DatasetName: "synthetic",
		NGenes:      testGenes,
		NCells:      testCells,
		Genes:       genes,
		Cells:       cells,
	})
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	if err := w.WriteUint32("counts", counts, []int{testGenes, testCells}, 4); err != nil {
		t.Fatalf("WriteUint32() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	annPath = filepath.Join(dir, "celltypes.tsv")
	ann := "cell_id\tcell_type\n"
	for c, cell := range cells {
		label := "progenitor"
		if c >= testCells/2 {
			label = "mature"
		}
		ann += cell + "\t" + label + "\n"
	}
	if err := os.WriteFile(annPath, []byte(ann), 0644); err != nil {
		t.Fatalf("failed to write annotations: %v", err)
	}
	return countsPath, annPath
}

func testPipeline(t *testing.T, dir string) (*Pipeline, *resultstore.Store, *config.Config) {
	t.Helper()

	countsPath, annPath := writeTestInputs(t, dir)

	cfg := config.DefaultConfig()
	cfg.Data.CountsPath = countsPath
	cfg.Data.AnnotationsPath = annPath
	cfg.Data.AcceptedLabels = nil
	cfg.Data.ProcessedPath = filepath.Join(dir, "processed.zarr")
	cfg.Preprocess.NTopGenes = testGenes
	cfg.Preprocess.NPCs = 4
	cfg.Preprocess.NNeighbors = 5
	cfg.Preprocess.UMAP.Epochs = 20
	cfg.Rank.NGenes = testGenes
	cfg.Rank.Forest.Trees = 10
	cfg.Rank.Forest.Workers = 2
	cfg.Results.SQLitePath = filepath.Join(dir, "runs.sqlite")
	cfg.Render.OutDir = filepath.Join(dir, "plots")
	cfg.Render.Size = 200
	cfg.Render.Genes = []string{"G0"}

	store, err := resultstore.NewStore(cfg.Results.SQLitePath)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cacheManager, err := cache.NewManager(cache.Config{
		GeneCacheSizeMB: 8,
		GeneTTL:         time.Minute,
		QueryCacheSize:  16,
	})
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	renderer := render.NewPlotRenderer(render.Config{Size: cfg.Render.Size})
	return NewPipeline(cfg, store, cacheManager, renderer), store, cfg
}

func TestPipelineRun(t *testing.T) {
	dir := t.TempDir()
	p, store, cfg := testPipeline(t, dir)

	runID, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	run, err := store.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run == nil {
		t.Fatal("run not recorded")
	}
	if run.Status != resultstore.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s (error %q)", run.Status, run.Error)
	}
	if run.Params.DatasetName != "synthetic" {
		t.Errorf("unexpected dataset name: %q", run.Params.DatasetName)
	}

	rows, total, err := store.QueryImportances(runID, 0, 100)
	if err != nil {
		t.Fatalf("QueryImportances() error: %v", err)
	}
	if total != testGenes {
		t.Fatalf("expected %d ranked genes, got %d", testGenes, total)
	}
	for i, r := range rows {
		if r.Rank != i+1 {
			t.Errorf("row %d has rank %d", i, r.Rank)
		}
		if i > 0 && r.Importance > rows[i-1].Importance {
			t.Errorf("importance not descending at rank %d", r.Rank)
		}
	}

	for _, name := range []string{"celltype.png", "clusters.png", "pseudotime_lineage0.png", "gene_G0.png"} {
		if _, err := os.Stat(filepath.Join(cfg.Render.OutDir, name)); err != nil {
			t.Errorf("expected plot %s: %v", name, err)
		}
	}

	if _, err := os.Stat(filepath.Join(cfg.Data.ProcessedPath, "metadata.json")); err != nil {
		t.Errorf("expected processed store to be persisted: %v", err)
	}
}

func TestPipelineRun_ResumeMatchesFreshRun(t *testing.T) {
	dir := t.TempDir()
	p, store, _ := testPipeline(t, dir)

	first, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	// Second run reuses the processed store and must still complete with
	// the same set of ranked genes.
	second, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	a, _, err := store.QueryImportances(first, 0, 100)
	if err != nil {
		t.Fatalf("QueryImportances() error: %v", err)
	}
	b, _, err := store.QueryImportances(second, 0, 100)
	if err != nil {
		t.Fatalf("QueryImportances() error: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("result sizes differ: %d vs %d", len(a), len(b))
	}
	genes := make(map[string]bool, len(a))
	for _, r := range a {
		genes[r.Gene] = true
	}
	for _, r := range b {
		if !genes[r.Gene] {
			t.Errorf("gene %s only ranked in the resumed run", r.Gene)
		}
	}
}

func TestPipelineRun_Cancelled(t *testing.T) {
	dir := t.TempDir()
	p, store, _ := testPipeline(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runID, err := p.Run(ctx)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if runID != "" {
		run, err := store.GetRun(runID)
		if err != nil {
			t.Fatalf("GetRun() error: %v", err)
		}
		if run.Status != resultstore.RunStatusFailed {
			t.Errorf("expected failed status after cancel, got %s", run.Status)
		}
	}
}

func TestPipelineRun_MissingCounts(t *testing.T) {
	dir := t.TempDir()
	p, _, cfg := testPipeline(t, dir)
	cfg.Data.CountsPath = filepath.Join(dir, "nope.zarr")

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing counts store")
	}
}
