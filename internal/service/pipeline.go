// Package service wires the pipeline stages together.
package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/scpath/pipeline/internal/cache"
	"github.com/scpath/pipeline/internal/config"
	"github.com/scpath/pipeline/internal/data/zarr"
	"github.com/scpath/pipeline/internal/dataset"
	"github.com/scpath/pipeline/internal/forest"
	"github.com/scpath/pipeline/internal/preprocess"
	"github.com/scpath/pipeline/internal/rank"
	"github.com/scpath/pipeline/internal/render"
	"github.com/scpath/pipeline/internal/resultstore"
	"github.com/scpath/pipeline/internal/trajectory"
)

// Pipeline executes the pseudotime analysis stages in order, recording
// progress and results in the run store.
type Pipeline struct {
	cfg      *config.Config
	store    *resultstore.Store
	cache    *cache.Manager
	renderer *render.PlotRenderer
}

// artifacts holds the intermediate outputs handed between stages.
type artifacts struct {
	norm     *dataset.Matrix
	hvg      *dataset.Matrix
	pca      [][]float64
	umap     [][2]float64
	clusters []int
	resumed  bool
}

// NewPipeline creates a pipeline service.
func NewPipeline(cfg *config.Config, store *resultstore.Store, cacheManager *cache.Manager, renderer *render.PlotRenderer) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		cache:    cacheManager,
		renderer: renderer,
	}
}

// Run executes the full pipeline and returns the run ID.
func (p *Pipeline) Run(ctx context.Context) (string, error) {
	reader, err := zarr.NewReader(p.cfg.Data.CountsPath)
	if err != nil {
		return "", fmt.Errorf("failed to open counts store: %w", err)
	}
	defer reader.Close()

	run, err := p.store.CreateRun(resultstore.RunParams{
		DatasetName: reader.Metadata().DatasetName,
		Seed:        p.cfg.Preprocess.Seed,
		Lineage:     p.cfg.Rank.Lineage,
		NTopGenes:   p.cfg.Preprocess.NTopGenes,
		RootCluster: p.cfg.Trajectory.RootCluster,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	if err := p.execute(ctx, run.ID, reader); err != nil {
		p.store.UpdateRunStatus(run.ID, resultstore.RunStatusFailed, err.Error())
		return run.ID, err
	}

	p.store.UpdateRunStatus(run.ID, resultstore.RunStatusCompleted, "")
	return run.ID, nil
}

func (p *Pipeline) execute(ctx context.Context, runID string, reader *zarr.Reader) error {
	// Stage 1: load and filter
	p.store.UpdateRunProgress(runID, "loading", 0, 0)

	counts, err := dataset.LoadCounts(reader)
	if err != nil {
		return err
	}
	ann, err := dataset.LoadAnnotations(p.cfg.Data.AnnotationsPath)
	if err != nil {
		return err
	}
	counts, ann, err = dataset.FilterByLabels(counts, ann, p.cfg.Data.AcceptedLabels)
	if err != nil {
		return err
	}
	if counts.NCells() == 0 {
		return fmt.Errorf("no cells remain after label filtering")
	}
	log.Printf("Loaded %d genes x %d cells (%d labels)", counts.NGenes(), counts.NCells(), len(ann.Levels()))

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Stage 2: preprocess (or resume from processed store)
	p.store.UpdateRunProgress(runID, "preprocessing", 0, 0)

	art, err := p.preprocess(ctx, counts)
	if err != nil {
		return err
	}
	if art.resumed {
		log.Printf("Resumed processed artifacts from %s", p.cfg.Data.ProcessedPath)
	}
	nClusters := len(preprocess.ClusterSizes(art.clusters))
	log.Printf("Preprocessing done: %d HVGs, %d PCs, %d clusters", art.hvg.NGenes(), p.cfg.Preprocess.NPCs, nClusters)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Stage 3: trajectory inference
	p.store.UpdateRunProgress(runID, "trajectory", 0, 0)

	traj, err := trajectory.Infer(art.umap, art.clusters, p.cfg.Trajectory.RootCluster)
	if err != nil {
		return err
	}
	log.Printf("Trajectory: root cluster %d, %d lineages", traj.Root, len(traj.Lineages))

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Stage 4: gene importance ranking
	p.store.UpdateRunProgress(runID, "ranking", 0, 0)

	lineageIdx := p.cfg.Rank.Lineage
	if lineageIdx < 0 || lineageIdx >= len(traj.Lineages) {
		lineageIdx = 0
	}
	lineage := traj.Lineages[lineageIdx]

	res, err := rank.Rank(art.hvg, lineage.Pseudotime, rank.Config{
		NGenes:        p.cfg.Rank.NGenes,
		TrainFraction: p.cfg.Rank.TrainFraction,
		Forest: forest.Config{
			Trees:           p.cfg.Rank.Forest.Trees,
			MinLeaf:         p.cfg.Rank.Forest.MinLeaf,
			MaxDepth:        p.cfg.Rank.Forest.MaxDepth,
			FeatureFraction: p.cfg.Rank.Forest.FeatureFraction,
			Workers:         p.cfg.Rank.Forest.Workers,
		},
		Seed: p.cfg.Rank.Seed,
	})
	if err != nil {
		return err
	}
	log.Printf("Ranking: RMSE=%.4f, r=%.4f (%d train / %d val, %d dropped)",
		res.RMSE, res.Pearson, res.NTrain, res.NVal, res.NDropped)

	if err := p.store.UpdateRunMetrics(runID, finite(res.RMSE), finite(res.Pearson)); err != nil {
		return err
	}
	rows := make([]resultstore.ImportanceRow, len(res.Genes))
	for i, g := range res.Genes {
		rows[i] = resultstore.ImportanceRow{Rank: i + 1, Gene: g.Gene, Importance: g.Importance}
	}
	if err := p.store.InsertImportances(runID, rows); err != nil {
		return fmt.Errorf("failed to save importance results: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Stage 5: plots
	p.store.UpdateRunProgress(runID, "rendering", 0, 0)
	return p.renderPlots(reader.Metadata().DatasetName, art, ann, traj, lineageIdx)
}

// preprocess computes the normalized matrix, embeddings and clusters, or
// reloads them from the processed store when it matches the filtered cells.
func (p *Pipeline) preprocess(ctx context.Context, counts *dataset.Matrix) (*artifacts, error) {
	norm := preprocess.NormalizeLog1p(counts, preprocess.DefaultScale)

	if art, ok := p.loadProcessed(norm); ok {
		return art, nil
	}

	hvgIdx := preprocess.SelectHVG(norm, p.cfg.Preprocess.NTopGenes)
	hvg := norm.SubsetGenes(hvgIdx)

	pcaCoords, err := preprocess.PCA(hvg, p.cfg.Preprocess.NPCs)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	knn, err := preprocess.KNN(pcaCoords, p.cfg.Preprocess.NNeighbors)
	if err != nil {
		return nil, err
	}

	umapCoords, err := preprocess.UMAP(pcaCoords, knn, preprocess.UMAPParams{
		Epochs:  p.cfg.Preprocess.UMAP.Epochs,
		MinDist: p.cfg.Preprocess.UMAP.MinDist,
		Spread:  p.cfg.Preprocess.UMAP.Spread,
	}, p.cfg.Preprocess.Seed)
	if err != nil {
		return nil, err
	}

	clusters, err := preprocess.Cluster(knn, p.cfg.Preprocess.Resolution, p.cfg.Preprocess.Seed)
	if err != nil {
		return nil, err
	}

	art := &artifacts{
		norm:     norm,
		hvg:      hvg,
		pca:      pcaCoords,
		umap:     umapCoords,
		clusters: clusters,
	}

	if p.cfg.Data.ProcessedPath != "" {
		if err := p.persistProcessed(art); err != nil {
			// Cache write failures do not fail the run.
			log.Printf("Warning: failed to persist processed store: %v", err)
		}
	}
	return art, nil
}

// loadProcessed reloads embeddings and clusters from a previous run's
// processed store if its cell set matches the current filtered input.
func (p *Pipeline) loadProcessed(norm *dataset.Matrix) (*artifacts, bool) {
	if p.cfg.Data.ProcessedPath == "" {
		return nil, false
	}
	r, err := zarr.NewReader(p.cfg.Data.ProcessedPath)
	if err != nil {
		return nil, false
	}
	defer r.Close()

	md := r.Metadata()
	if len(md.Cells) != norm.NCells() {
		return nil, false
	}
	for i, c := range md.Cells {
		if norm.Cells[i] != c {
			return nil, false
		}
	}
	for _, name := range []string{"pca", "umap", "clusters"} {
		if !r.HasArray(name) {
			return nil, false
		}
	}

	pcaRaw, pcaShape, err := r.ReadFloat32("pca")
	if err != nil || len(pcaShape) != 2 || pcaShape[0] != norm.NCells() {
		return nil, false
	}
	umapRaw, umapShape, err := r.ReadFloat32("umap")
	if err != nil || len(umapShape) != 2 || umapShape[0] != norm.NCells() || umapShape[1] != 2 {
		return nil, false
	}
	clusterRaw, clusterShape, err := r.ReadInt32("clusters")
	if err != nil || len(clusterShape) != 1 || clusterShape[0] != norm.NCells() {
		return nil, false
	}

	// HVG set is recorded as the processed store's gene list.
	hvgIdx := make([]int, 0, len(md.Genes))
	for _, g := range md.Genes {
		idx := -1
		for i, name := range norm.Genes {
			if name == g {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, false
		}
		hvgIdx = append(hvgIdx, idx)
	}

	nPCs := pcaShape[1]
	art := &artifacts{
		norm:     norm,
		hvg:      norm.SubsetGenes(hvgIdx),
		pca:      make([][]float64, norm.NCells()),
		umap:     make([][2]float64, norm.NCells()),
		clusters: make([]int, norm.NCells()),
		resumed:  true,
	}
	for c := 0; c < norm.NCells(); c++ {
		art.pca[c] = make([]float64, nPCs)
		for j := 0; j < nPCs; j++ {
			art.pca[c][j] = float64(pcaRaw[c*nPCs+j])
		}
		art.umap[c] = [2]float64{float64(umapRaw[c*2]), float64(umapRaw[c*2+1])}
		art.clusters[c] = int(clusterRaw[c])
	}
	return art, true
}

func (p *Pipeline) persistProcessed(art *artifacts) error {
	w, err := zarr.NewWriter(p.cfg.Data.ProcessedPath, &zarr.StoreMetadata{
		DatasetName: "processed",
		NGenes:      art.hvg.NGenes(),
		NCells:      art.hvg.NCells(),
		Genes:       art.hvg.Genes,
		Cells:       art.hvg.Cells,
	})
	if err != nil {
		return err
	}

	nCells := art.hvg.NCells()
	nPCs := len(art.pca[0])

	pcaFlat := make([]float32, nCells*nPCs)
	umapFlat := make([]float32, nCells*2)
	clusterFlat := make([]int32, nCells)
	for c := 0; c < nCells; c++ {
		for j := 0; j < nPCs; j++ {
			pcaFlat[c*nPCs+j] = float32(art.pca[c][j])
		}
		umapFlat[c*2] = float32(art.umap[c][0])
		umapFlat[c*2+1] = float32(art.umap[c][1])
		clusterFlat[c] = int32(art.clusters[c])
	}

	if err := w.WriteFloat32("pca", pcaFlat, []int{nCells, nPCs}, 4096); err != nil {
		return err
	}
	if err := w.WriteFloat32("umap", umapFlat, []int{nCells, 2}, 4096); err != nil {
		return err
	}
	if err := w.WriteInt32("clusters", clusterFlat, []int{nCells}, 16384); err != nil {
		return err
	}
	return w.Close()
}

// renderPlots writes the embedding plots to the output directory.
func (p *Pipeline) renderPlots(datasetName string, art *artifacts, ann *dataset.Annotation, traj *trajectory.Trajectory, lineageIdx int) error {
	outDir := p.cfg.Render.OutDir
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	// Cell type plot
	levels := ann.Levels()
	levelIdx := make(map[string]int, len(levels))
	for i, l := range levels {
		levelIdx[l] = i
	}
	typeLabels := make([]int, ann.NCells())
	for i, l := range ann.Labels {
		typeLabels[i] = levelIdx[l]
	}

	if err := p.writePlot(filepath.Join(outDir, "celltype.png"), func() ([]byte, error) {
		return p.renderer.RenderCategorical(art.umap, typeLabels, levels, "Cell type", traj)
	}); err != nil {
		return err
	}

	// Cluster plot
	nClusters := len(preprocess.ClusterSizes(art.clusters))
	clusterNames := make([]string, nClusters)
	for i := range clusterNames {
		clusterNames[i] = fmt.Sprintf("cluster %d", i)
	}
	if err := p.writePlot(filepath.Join(outDir, "clusters.png"), func() ([]byte, error) {
		return p.renderer.RenderCategorical(art.umap, art.clusters, clusterNames, "Leiden clusters", traj)
	}); err != nil {
		return err
	}

	// Pseudotime plot for the ranked lineage
	lineage := traj.Lineages[lineageIdx]
	name := fmt.Sprintf("pseudotime_lineage%d.png", lineageIdx)
	if err := p.writePlot(filepath.Join(outDir, name), func() ([]byte, error) {
		return p.renderer.RenderContinuous(art.umap, lineage.Pseudotime, p.cfg.Render.Colormap,
			fmt.Sprintf("Pseudotime (lineage %d)", lineageIdx), traj)
	}); err != nil {
		return err
	}

	// Gene expression plots
	for _, gene := range p.cfg.Render.Genes {
		vec, err := p.geneVector(datasetName, gene, art.norm)
		if err != nil {
			log.Printf("Warning: skipping gene plot %s: %v", gene, err)
			continue
		}
		if err := p.writePlot(filepath.Join(outDir, "gene_"+gene+".png"), func() ([]byte, error) {
			return p.renderer.RenderContinuous(art.umap, vec, "seurat", gene, nil)
		}); err != nil {
			return err
		}
	}

	return nil
}

// geneVector returns one gene's normalized expression across cells, using
// the gene cache when hot.
func (p *Pipeline) geneVector(datasetName, gene string, norm *dataset.Matrix) ([]float64, error) {
	key := cache.GeneKey(datasetName, gene)
	if vec, ok := p.cache.GetGene(key); ok && len(vec) == norm.NCells() {
		return vec, nil
	}

	for g, name := range norm.Genes {
		if name == gene {
			vec := append([]float64(nil), norm.Row(g)...)
			p.cache.SetGene(key, vec)
			return vec, nil
		}
	}
	return nil, fmt.Errorf("gene not found: %s", gene)
}

// writePlot renders through the query cache and writes the PNG to disk.
func (p *Pipeline) writePlot(path string, renderFn func() ([]byte, error)) error {
	key := cache.PlotKey(filepath.Base(path), map[string]interface{}{
		"size":  p.cfg.Render.Size,
		"point": p.cfg.Render.PointSize,
	})
	data, ok := p.cache.GetQuery(key)
	if !ok {
		var err error
		data, err = renderFn()
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", filepath.Base(path), err)
		}
		p.cache.SetQuery(key, data)
	}
	return os.WriteFile(path, data, 0644)
}

// finite maps NaN/Inf metrics to 0 for storage.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
