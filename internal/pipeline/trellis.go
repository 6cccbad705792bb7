package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/trellis"
)

// GLB export parameters shared by generation and optimization, matching the
// TRELLIS postprocessing defaults.
const (
	glbSimplifyRatio = 0.95
	glbTextureSize   = 1024
)

// Boundary conditions for the physics solver: nodes within 5% of the model
// extent from the lowest Z plane are fully constrained, modeling a model
// resting on a support surface.
const (
	boundaryDirection = "bottom_z"
	boundaryThreshold = 0.05
)

// TrellisBackend adapts the trellis worker client to the Loader and Solver
// interfaces consumed by the stages.
type TrellisBackend struct {
	client *trellis.Client
}

// NewTrellisBackend creates a backend over the given worker client.
func NewTrellisBackend(client *trellis.Client) *TrellisBackend {
	return &TrellisBackend{client: client}
}

// Load asks the worker to load the pipeline for kind onto the compute device.
func (b *TrellisBackend) Load(ctx context.Context, kind Kind) (Instance, error) {
	info, err := b.client.LoadPipeline(ctx, kind.String())
	if err != nil {
		return nil, err
	}
	return &trellisInstance{backend: b, kind: kind, device: info.Device}, nil
}

// ReclaimMemory runs the worker's garbage-collection and cache-clear sweep.
func (b *TrellisBackend) ReclaimMemory(ctx context.Context) error {
	return b.client.ReclaimMemory(ctx)
}

// SolveRequest identifies the sparse-latent bundle to optimize and where the
// worker writes the outputs.
type SolveRequest struct {
	SlatPath  string
	OutputDir string
}

// SolveResult lists the files the optimizer produced.
type SolveResult struct {
	OptimizedGLB      string
	Stresses          string
	StressesOptimized string
	Message           string
}

// Solver runs the physics optimization over a persisted sparse-latent bundle.
type Solver interface {
	Optimize(ctx context.Context, req SolveRequest) (SolveResult, error)
}

// Optimize runs the full worker-side optimization sequence. A malformed
// sparse-latent bundle surfaces as a PreconditionError; numerical failures
// come back as plain errors for the stage to wrap.
func (b *TrellisBackend) Optimize(ctx context.Context, req SolveRequest) (SolveResult, error) {
	resp, err := b.client.Optimize(ctx, trellis.OptimizeRequest{
		SlatPath:          req.SlatPath,
		OutputDir:         req.OutputDir,
		BoundaryDirection: boundaryDirection,
		BoundaryThreshold: boundaryThreshold,
		Simplify:          glbSimplifyRatio,
		TextureSize:       glbTextureSize,
	})
	if err != nil {
		var werr *trellis.Error
		if errors.As(err, &werr) && werr.Code == trellis.CodeSlatInvalid {
			return SolveResult{}, &PreconditionError{Reason: ReasonSlatInvalid, Detail: werr.Message}
		}
		return SolveResult{}, err
	}
	return SolveResult{
		OptimizedGLB:      resp.OptimizedGLB,
		Stresses:          resp.Stresses,
		StressesOptimized: resp.StressesOptimized,
		Message:           resp.Message,
	}, nil
}

type trellisInstance struct {
	backend *TrellisBackend
	kind    Kind
	device  string
}

func (i *trellisInstance) Kind() Kind     { return i.kind }
func (i *trellisInstance) Device() string { return i.device }

func (i *trellisInstance) Generate(ctx context.Context, params GenerateParams) ([]SampleResult, error) {
	resp, err := i.backend.client.Generate(ctx, trellis.GenerateRequest{
		Kind:        i.kind.String(),
		Prompt:      params.Prompt,
		ImagePath:   params.ImagePath,
		Seed:        params.Seed,
		NumSamples:  params.NumSamples,
		OutputDir:   params.OutputDir,
		Simplify:    glbSimplifyRatio,
		TextureSize: glbTextureSize,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Samples) == 0 {
		return nil, fmt.Errorf("worker produced no samples")
	}

	results := make([]SampleResult, len(resp.Samples))
	for n, s := range resp.Samples {
		results[n] = SampleResult{
			OBJ:      s.OBJ,
			GLB:      s.GLB,
			GLBError: s.GLBError,
			PLY:      s.PLY,
			Slat:     s.Slat,
		}
	}
	return results, nil
}

func (i *trellisInstance) Offload(ctx context.Context) error {
	return i.backend.client.OffloadPipeline(ctx, i.kind.String())
}
