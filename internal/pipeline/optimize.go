package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/storage"
)

// OptimizeResult is the outcome of a successful optimization.
type OptimizeResult struct {
	GenerationID string
	Bundle       storage.Bundle
	Message      string
}

// OptimizeStage runs the physics optimization over a previously generated
// sparse-latent bundle. The generation pipelines and the physics solver are
// assumed never to share the accelerator, so the pipeline cache is evicted
// before every run.
type OptimizeStage struct {
	store  *storage.Store
	cache  *Cache
	solver Solver
	logger *slog.Logger
}

// NewOptimizeStage wires the stage to its collaborators.
func NewOptimizeStage(store *storage.Store, cache *Cache, solver Solver) *OptimizeStage {
	return &OptimizeStage{
		store:  store,
		cache:  cache,
		solver: solver,
		logger: slog.Default(),
	}
}

// Optimize validates the preconditions, evicts the pipeline cache, runs the
// solver, and records the optimized artifacts. Precondition failures return
// before any accelerator work happens.
func (s *OptimizeStage) Optimize(ctx context.Context, generationID string) (OptimizeResult, error) {
	folder := s.store.GenerationFolder(generationID)
	if info, err := os.Stat(folder); err != nil || !info.IsDir() {
		return OptimizeResult{}, &PreconditionError{Reason: ReasonFolderMissing, GenerationID: generationID}
	}

	slatPath := filepath.Join(folder, storage.SampleSlat(0))
	if _, err := os.Stat(slatPath); err != nil {
		return OptimizeResult{}, &PreconditionError{
			Reason:       ReasonSlatMissing,
			GenerationID: generationID,
			Detail:       "optimization requires a sparse-latent bundle (" + storage.SampleSlat(0) + ") in the generation folder",
		}
	}

	run := storage.Run{
		ID:           uuid.New().String(),
		Kind:         "optimize",
		GenerationID: generationID,
		StartedAt:    time.Now(),
	}
	if err := s.store.SaveRun(run); err != nil {
		s.logger.Warn("could not record run", "error", err)
	}

	result, err := s.optimize(ctx, generationID, folder, slatPath)
	status, errMsg := "completed", ""
	if err != nil {
		status, errMsg = "failed", err.Error()
	}
	if ferr := s.store.FinishRun(run.ID, status, errMsg, time.Now()); ferr != nil {
		s.logger.Warn("could not finish run record", "error", ferr)
	}
	return result, err
}

func (s *OptimizeStage) optimize(ctx context.Context, generationID, folder, slatPath string) (OptimizeResult, error) {
	// The solver's working set is large relative to the generation
	// pipelines; the eviction is mandatory, not opportunistic.
	s.logger.Info("evicting pipeline cache before optimization", "generation_id", generationID)
	s.cache.ReleaseAll(ctx)

	s.logger.Info("running physics optimization", "generation_id", generationID)
	res, err := s.solver.Optimize(ctx, SolveRequest{SlatPath: slatPath, OutputDir: folder})
	if err != nil {
		var pre *PreconditionError
		if errors.As(err, &pre) {
			if pre.GenerationID == "" {
				pre.GenerationID = generationID
			}
			return OptimizeResult{}, pre
		}
		return OptimizeResult{}, &StageError{Stage: "optimize", Err: err}
	}

	var bundle storage.Bundle
	for _, rec := range []struct {
		kind storage.ArtifactKind
		path string
	}{
		{storage.ArtifactOptimizedGLB, res.OptimizedGLB},
		{storage.ArtifactStresses, res.Stresses},
		{storage.ArtifactStressesOptimized, res.StressesOptimized},
	} {
		if rec.path == "" {
			continue
		}
		bundle.Set(rec.kind, rec.path)
		if err := s.store.SetArtifact(generationID, 0, rec.kind, rec.path); err != nil {
			s.logger.Warn("could not record artifact", "kind", rec.kind, "error", err)
		}
	}

	// Drop whatever the solve left behind on the accelerator.
	s.cache.ReleaseAll(ctx)

	s.logger.Info("optimization complete", "generation_id", generationID)
	return OptimizeResult{
		GenerationID: generationID,
		Bundle:       bundle,
		Message:      res.Message,
	}, nil
}
