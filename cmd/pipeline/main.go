// Package main is the entry point for the pseudotime pipeline.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scpath/pipeline/internal/cache"
	"github.com/scpath/pipeline/internal/config"
	"github.com/scpath/pipeline/internal/render"
	"github.com/scpath/pipeline/internal/resultstore"
	"github.com/scpath/pipeline/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/pipeline.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting pseudotime pipeline (counts: %s)", cfg.Data.CountsPath)

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		GeneCacheSizeMB: cfg.Cache.GeneCacheMB,
		GeneTTL:         time.Duration(cfg.Cache.GeneTTLMinutes) * time.Minute,
		QueryCacheSize:  cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize plot renderer
	renderer := render.NewPlotRenderer(render.Config{
		Size:            cfg.Render.Size,
		PointSize:       cfg.Render.PointSize,
		DefaultColormap: cfg.Render.Colormap,
	})

	// Initialize run store (SQLite persistence)
	store, err := resultstore.NewStore(cfg.Results.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to initialize run store: %v", err)
	}
	defer store.Close()

	if cfg.Results.RetentionDays > 0 {
		if n, err := store.DeleteExpiredRuns(cfg.Results.RetentionDays); err != nil {
			log.Printf("Warning: failed to clean up expired runs: %v", err)
		} else if n > 0 {
			log.Printf("Removed %d expired run(s)", n)
		}
	}

	// Cancel the run on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Interrupt received, cancelling run...")
		cancel()
	}()

	pipeline := service.NewPipeline(cfg, store, cacheManager, renderer)

	start := time.Now()
	runID, err := pipeline.Run(ctx)
	if err != nil {
		log.Fatalf("Run %s failed: %v", runID, err)
	}

	log.Printf("Run %s completed in %s", runID, time.Since(start).Round(time.Millisecond))
	log.Printf("Plots written to %s", cfg.Render.OutDir)
}
