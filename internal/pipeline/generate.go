package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/storage"
)

// Strategy selects how a text prompt reaches the 3D pipelines.
type Strategy int

const (
	// StrategyDirect feeds the prompt (or uploaded image) straight into the
	// matching 3D pipeline.
	StrategyDirect Strategy = iota
	// StrategyImageFirst generates a reference image from the prompt via the
	// external image service, then runs the image-to-3D pipeline on it.
	StrategyImageFirst
)

// ImageGenerator is the external text+images -> image service used by
// StrategyImageFirst.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, imageInputs []string) (string, error)
	Download(ctx context.Context, url, destDir string) (string, error)
}

// InputImage is one uploaded reference image, already validated by the
// caller.
type InputImage struct {
	Data []byte
	Ext  string
}

// GenerateRequest describes one generation job.
type GenerateRequest struct {
	Prompt   string
	Images   []InputImage
	Seed     int
	Samples  int
	Strategy Strategy
}

// GenerateResult is the outcome of a successful generation: the allocated
// record, the canonical first-sample bundle, and the full per-sample list.
type GenerateResult struct {
	Generation storage.Generation
	Default    storage.Bundle
	Samples    []storage.Bundle
}

// GenerateStage owns the generation half of the job lifecycle: id/folder
// allocation, provenance, pipeline selection and invocation, and artifact
// recording.
type GenerateStage struct {
	store  *storage.Store
	cache  *Cache
	imagen ImageGenerator // nil disables StrategyImageFirst
	logger *slog.Logger
}

// NewGenerateStage wires the stage to its collaborators.
func NewGenerateStage(store *storage.Store, cache *Cache, imagen ImageGenerator) *GenerateStage {
	return &GenerateStage{
		store:  store,
		cache:  cache,
		imagen: imagen,
		logger: slog.Default(),
	}
}

// Generate runs one generation job to completion. Image input takes
// precedence over the prompt for pipeline selection; GLB export failure is
// non-fatal and leaves the artifact absent.
func (s *GenerateStage) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if req.Prompt == "" && len(req.Images) == 0 {
		return GenerateResult{}, fmt.Errorf("%w: either a prompt or an image is required", ErrInvalidInput)
	}
	if req.Samples < 1 {
		req.Samples = 1
	}
	if req.Seed == 0 {
		req.Seed = 1
	}

	source := "text"
	if len(req.Images) > 0 || req.Strategy == StrategyImageFirst {
		source = "image"
	}

	gen, err := s.store.AllocateGeneration(time.Now(), source, req.Prompt, req.Seed)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("allocating generation: %w", err)
	}

	run := storage.Run{
		ID:           uuid.New().String(),
		Kind:         "generate",
		GenerationID: gen.ID,
		StartedAt:    time.Now(),
	}
	if err := s.store.SaveRun(run); err != nil {
		s.logger.Warn("could not record run", "error", err)
	}

	result, err := s.generate(ctx, gen, req)
	status, errMsg := "completed", ""
	if err != nil {
		status, errMsg = "failed", err.Error()
	}
	if ferr := s.store.FinishRun(run.ID, status, errMsg, time.Now()); ferr != nil {
		s.logger.Warn("could not finish run record", "error", ferr)
	}
	return result, err
}

func (s *GenerateStage) generate(ctx context.Context, gen storage.Generation, req GenerateRequest) (GenerateResult, error) {
	// Persist the uploaded images for provenance before anything can fail.
	inputPaths := make([]string, 0, len(req.Images))
	for i, img := range req.Images {
		path := filepath.Join(gen.Folder, storage.InputImage(i, img.Ext))
		if err := os.WriteFile(path, img.Data, 0o644); err != nil {
			return GenerateResult{}, fmt.Errorf("saving input image: %w", err)
		}
		inputPaths = append(inputPaths, path)
	}
	if req.Prompt != "" {
		promptPath := filepath.Join(gen.Folder, storage.PromptFile)
		if err := os.WriteFile(promptPath, []byte(req.Prompt), 0o644); err != nil {
			return GenerateResult{}, fmt.Errorf("saving prompt: %w", err)
		}
	}

	// Resolve the image that drives the pipeline, if any.
	var drivingImage string
	switch {
	case req.Strategy == StrategyImageFirst:
		if s.imagen == nil {
			return GenerateResult{}, fmt.Errorf("image-first strategy requires an image generation service")
		}
		s.logger.Info("generating reference image", "generation_id", gen.ID, "inputs", len(inputPaths))
		url, err := s.imagen.GenerateImage(ctx, req.Prompt, inputPaths)
		if err != nil {
			return GenerateResult{}, &StageError{Stage: "image_generation", Err: err}
		}
		drivingImage, err = s.imagen.Download(ctx, url, gen.Folder)
		if err != nil {
			return GenerateResult{}, &StageError{Stage: "image_generation", Err: err}
		}
	case len(inputPaths) > 0:
		// Image input takes precedence over the prompt.
		drivingImage = inputPaths[0]
	}

	kind := KindTextTo3D
	if drivingImage != "" {
		kind = KindImageTo3D
	}

	inst, err := s.cache.Acquire(ctx, kind)
	if err != nil {
		return GenerateResult{}, &StageError{Stage: "generate", Err: err}
	}

	s.logger.Info("running generation",
		"generation_id", gen.ID,
		"pipeline", kind.String(),
		"seed", req.Seed,
		"samples", req.Samples,
	)
	samples, err := inst.Generate(ctx, GenerateParams{
		Prompt:     req.Prompt,
		ImagePath:  drivingImage,
		Seed:       req.Seed,
		NumSamples: req.Samples,
		OutputDir:  gen.Folder,
	})
	if err != nil {
		return GenerateResult{}, &StageError{Stage: "generate", Err: err}
	}
	if len(samples) == 0 {
		return GenerateResult{}, &StageError{Stage: "generate", Err: fmt.Errorf("pipeline produced no samples")}
	}

	bundles := make([]storage.Bundle, len(samples))
	for n, sample := range samples {
		var b storage.Bundle
		b.MeshOBJ = sample.OBJ
		b.GaussianPLY = sample.PLY
		b.Slat = sample.Slat
		if sample.GLB != "" {
			b.MeshGLB = sample.GLB
		} else if sample.GLBError != "" {
			s.logger.Warn("GLB export failed", "generation_id", gen.ID, "sample", n, "error", sample.GLBError)
		}
		for _, rec := range []struct {
			kind storage.ArtifactKind
			path string
		}{
			{storage.ArtifactMeshOBJ, b.MeshOBJ},
			{storage.ArtifactMeshGLB, b.MeshGLB},
			{storage.ArtifactGaussianPLY, b.GaussianPLY},
			{storage.ArtifactSlat, b.Slat},
		} {
			if rec.path == "" {
				continue
			}
			if err := s.store.SetArtifact(gen.ID, n, rec.kind, rec.path); err != nil {
				return GenerateResult{}, fmt.Errorf("recording %s artifact: %w", rec.kind, err)
			}
		}
		bundles[n] = b
	}

	s.logger.Info("generation complete", "generation_id", gen.ID, "samples", len(bundles))
	return GenerateResult{
		Generation: gen,
		Default:    bundles[0],
		Samples:    bundles,
	}, nil
}
