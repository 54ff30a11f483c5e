// Package config handles configuration loading for the pseudotime pipeline.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the pipeline configuration.
type Config struct {
	Data       DataConfig       `yaml:"data"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Trajectory TrajectoryConfig `yaml:"trajectory"`
	Rank       RankConfig       `yaml:"rank"`
	Cache      CacheConfig      `yaml:"cache"`
	Results    ResultsConfig    `yaml:"results"`
	Render     RenderConfig     `yaml:"render"`
}

// DataConfig contains input and artifact locations.
type DataConfig struct {
	CountsPath      string   `yaml:"counts_path"`
	AnnotationsPath string   `yaml:"annotations_path"`
	AcceptedLabels  []string `yaml:"accepted_labels"`
	ProcessedPath   string   `yaml:"processed_path"`
}

// PreprocessConfig contains normalization, embedding and clustering settings.
type PreprocessConfig struct {
	NTopGenes  int        `yaml:"n_top_genes"`
	NPCs       int        `yaml:"n_pcs"`
	NNeighbors int        `yaml:"n_neighbors"`
	UMAP       UMAPConfig `yaml:"umap"`
	Resolution float64    `yaml:"resolution"`
	Seed       int64      `yaml:"seed"`
}

// UMAPConfig contains layout settings for the 2D embedding.
type UMAPConfig struct {
	Epochs  int     `yaml:"epochs"`
	MinDist float64 `yaml:"min_dist"`
	Spread  float64 `yaml:"spread"`
}

// TrajectoryConfig contains trajectory inference settings.
type TrajectoryConfig struct {
	// RootCluster designates the starting cluster. -1 selects the
	// largest cluster automatically.
	RootCluster int `yaml:"root_cluster"`
}

// RankConfig contains gene importance ranking settings.
type RankConfig struct {
	Lineage       int          `yaml:"lineage"`
	NGenes        int          `yaml:"n_genes"`
	TrainFraction float64      `yaml:"train_fraction"`
	Forest        ForestConfig `yaml:"forest"`
	Seed          int64        `yaml:"seed"`
}

// ForestConfig contains random forest settings.
type ForestConfig struct {
	Trees           int     `yaml:"trees"`
	MinLeaf         int     `yaml:"min_leaf"`
	MaxDepth        int     `yaml:"max_depth"`
	FeatureFraction float64 `yaml:"feature_fraction"`
	Workers         int     `yaml:"workers"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	GeneCacheMB    int `yaml:"gene_cache_mb"`
	GeneTTLMinutes int `yaml:"gene_ttl_minutes"`
	QueryCacheSize int `yaml:"query_cache_size"`
}

// ResultsConfig contains result persistence settings.
type ResultsConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// RenderConfig contains plot rendering settings.
type RenderConfig struct {
	OutDir    string   `yaml:"out_dir"`
	Size      int      `yaml:"size"`
	PointSize float64  `yaml:"point_size"`
	Colormap  string   `yaml:"colormap"`
	Genes     []string `yaml:"genes"`
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
	return &Config{
		Data: DataConfig{
			CountsPath:      "./data/counts.zarr",
			AnnotationsPath: "./data/annotations.tsv",
			ProcessedPath:   "./data/processed.zarr",
		},
		Preprocess: PreprocessConfig{
			NTopGenes:  2000,
			NPCs:       30,
			NNeighbors: 15,
			UMAP: UMAPConfig{
				Epochs:  200,
				MinDist: 0.1,
				Spread:  1.0,
			},
			Resolution: 1.0,
			Seed:       42,
		},
		Trajectory: TrajectoryConfig{
			RootCluster: -1,
		},
		Rank: RankConfig{
			Lineage:       0,
			NGenes:        500,
			TrainFraction: 0.8,
			Forest: ForestConfig{
				Trees:           200,
				MinLeaf:         5,
				MaxDepth:        12,
				FeatureFraction: 0.33,
				Workers:         4,
			},
			Seed: 42,
		},
		Cache: CacheConfig{
			GeneCacheMB:    256,
			GeneTTLMinutes: 30,
			QueryCacheSize: 1000,
		},
		Results: ResultsConfig{
			SQLitePath:    "./data/runs.sqlite",
			RetentionDays: 30,
		},
		Render: RenderConfig{
			OutDir:    "./plots",
			Size:      900,
			PointSize: 2.0,
			Colormap:  "viridis",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Data.CountsPath == "" {
		cfg.Data.CountsPath = defaults.Data.CountsPath
	}
	if cfg.Data.AnnotationsPath == "" {
		cfg.Data.AnnotationsPath = defaults.Data.AnnotationsPath
	}
	if cfg.Data.ProcessedPath == "" {
		cfg.Data.ProcessedPath = defaults.Data.ProcessedPath
	}
	if cfg.Preprocess.NTopGenes == 0 {
		cfg.Preprocess.NTopGenes = defaults.Preprocess.NTopGenes
	}
	if cfg.Preprocess.NPCs == 0 {
		cfg.Preprocess.NPCs = defaults.Preprocess.NPCs
	}
	if cfg.Preprocess.NNeighbors == 0 {
		cfg.Preprocess.NNeighbors = defaults.Preprocess.NNeighbors
	}
	if cfg.Preprocess.UMAP.Epochs == 0 {
		cfg.Preprocess.UMAP.Epochs = defaults.Preprocess.UMAP.Epochs
	}
	if cfg.Preprocess.UMAP.MinDist == 0 {
		cfg.Preprocess.UMAP.MinDist = defaults.Preprocess.UMAP.MinDist
	}
	if cfg.Preprocess.UMAP.Spread == 0 {
		cfg.Preprocess.UMAP.Spread = defaults.Preprocess.UMAP.Spread
	}
	if cfg.Preprocess.Resolution == 0 {
		cfg.Preprocess.Resolution = defaults.Preprocess.Resolution
	}
	if cfg.Preprocess.Seed == 0 {
		cfg.Preprocess.Seed = defaults.Preprocess.Seed
	}
	if cfg.Rank.NGenes == 0 {
		cfg.Rank.NGenes = defaults.Rank.NGenes
	}
	if cfg.Rank.TrainFraction == 0 {
		cfg.Rank.TrainFraction = defaults.Rank.TrainFraction
	}
	if cfg.Rank.Forest.Trees == 0 {
		cfg.Rank.Forest.Trees = defaults.Rank.Forest.Trees
	}
	if cfg.Rank.Forest.MinLeaf == 0 {
		cfg.Rank.Forest.MinLeaf = defaults.Rank.Forest.MinLeaf
	}
	if cfg.Rank.Forest.MaxDepth == 0 {
		cfg.Rank.Forest.MaxDepth = defaults.Rank.Forest.MaxDepth
	}
	if cfg.Rank.Forest.FeatureFraction == 0 {
		cfg.Rank.Forest.FeatureFraction = defaults.Rank.Forest.FeatureFraction
	}
	if cfg.Rank.Forest.Workers == 0 {
		cfg.Rank.Forest.Workers = defaults.Rank.Forest.Workers
	}
	if cfg.Rank.Seed == 0 {
		cfg.Rank.Seed = defaults.Rank.Seed
	}
	if cfg.Cache.GeneCacheMB == 0 {
		cfg.Cache.GeneCacheMB = defaults.Cache.GeneCacheMB
	}
	if cfg.Cache.GeneTTLMinutes == 0 {
		cfg.Cache.GeneTTLMinutes = defaults.Cache.GeneTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Results.SQLitePath == "" {
		cfg.Results.SQLitePath = defaults.Results.SQLitePath
	}
	if cfg.Results.RetentionDays == 0 {
		cfg.Results.RetentionDays = defaults.Results.RetentionDays
	}
	if cfg.Render.OutDir == "" {
		cfg.Render.OutDir = defaults.Render.OutDir
	}
	if cfg.Render.Size == 0 {
		cfg.Render.Size = defaults.Render.Size
	}
	if cfg.Render.PointSize == 0 {
		cfg.Render.PointSize = defaults.Render.PointSize
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
}
