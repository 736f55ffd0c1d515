package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"slothify/internal/artifacts"
	"slothify/internal/config"
	"slothify/internal/inference"
	"slothify/internal/pipeline"
	"slothify/internal/stage"
	"slothify/internal/stages"
	"slothify/internal/storage"
)

// Root carries the shared state behind every command.
type Root struct {
	cfg *config.Config
	log *slog.Logger
}

// NewRoot builds the command state from loaded configuration.
func NewRoot(cfg *config.Config, log *slog.Logger) *Root {
	return &Root{cfg: cfg, log: log}
}

// runtime bundles the wired processing components for one invocation.
type runtime struct {
	store     *storage.Store
	artifacts *artifacts.Store
	pool      *inference.Pool
	executor  *pipeline.Executor
}

// buildRuntime wires storage, the artifact store, the inference pool
// and the stage set into a running executor.
func (r *Root) buildRuntime(ctx context.Context, workers int) (*runtime, error) {
	if workers < 1 {
		workers = r.cfg.Processing.Workers
	}

	if err := os.MkdirAll(filepath.Dir(r.cfg.Paths.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %v", err)
	}
	store, err := storage.New(r.cfg.Paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %v", err)
	}

	arts := artifacts.NewStore(r.log, artifacts.Catalog(&r.cfg.Models), store)
	pool := inference.NewPool(r.log, r.cfg.Models.OnnxRuntimeLib)

	orch := r.buildOrchestrator(arts, pool)
	executor := pipeline.NewExecutor(ctx, workers, r.log, store, orch)

	return &runtime{
		store:     store,
		artifacts: arts,
		pool:      pool,
		executor:  executor,
	}, nil
}

func (r *Root) buildOrchestrator(arts *artifacts.Store, pool *inference.Pool) *pipeline.Orchestrator {
	var face, upscale stage.Stage
	if !r.cfg.Models.DisableFaces {
		face = stages.NewFace(r.log,
			stages.NewPigoDetector(r.log, arts),
			stages.NewGFPGANRestorer(r.log, arts, pool),
		)
	}
	if !r.cfg.Models.DisableUpscaler {
		upscale = stages.NewUpscale(r.log, arts, r.cfg)
	}
	enhance := stages.NewEnhance(r.log)
	background := stages.NewBackground(r.log, stages.NewBirefnetPredictor(r.log, arts, pool))

	return pipeline.NewOrchestrator(r.log, face, upscale, enhance, background)
}

func (rt *runtime) Close() {
	rt.executor.Stop()
	rt.pool.Close()
	rt.store.Close()
}
