package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ArtifactKind identifies one output file of a generation run.
type ArtifactKind string

const (
	ArtifactMeshOBJ           ArtifactKind = "mesh_obj"
	ArtifactMeshGLB           ArtifactKind = "mesh_glb"
	ArtifactGaussianPLY       ArtifactKind = "gaussian_ply"
	ArtifactSlat              ArtifactKind = "slat"
	ArtifactOptimizedGLB      ArtifactKind = "optimized_glb"
	ArtifactStresses          ArtifactKind = "stresses_image"
	ArtifactStressesOptimized ArtifactKind = "stresses_optimized_image"
)

// Generation identifies one generation run and its output folder.
// The folder is created when the run is allocated and is never deleted
// automatically.
type Generation struct {
	ID        string
	CreatedAt time.Time
	Source    string // "text" or "image"
	Prompt    string
	Seed      int
	Folder    string
}

// Bundle holds the artifact paths of a single sample. An empty field means
// the artifact was never produced, which is not an error by itself.
type Bundle struct {
	MeshOBJ           string
	MeshGLB           string
	GaussianPLY       string
	Slat              string
	OptimizedGLB      string
	Stresses          string
	StressesOptimized string
}

// Set assigns the path for the given artifact kind.
func (b *Bundle) Set(kind ArtifactKind, path string) {
	switch kind {
	case ArtifactMeshOBJ:
		b.MeshOBJ = path
	case ArtifactMeshGLB:
		b.MeshGLB = path
	case ArtifactGaussianPLY:
		b.GaussianPLY = path
	case ArtifactSlat:
		b.Slat = path
	case ArtifactOptimizedGLB:
		b.OptimizedGLB = path
	case ArtifactStresses:
		b.Stresses = path
	case ArtifactStressesOptimized:
		b.StressesOptimized = path
	}
}

// Get returns the path for the given artifact kind, or "" if absent.
func (b Bundle) Get(kind ArtifactKind) string {
	switch kind {
	case ArtifactMeshOBJ:
		return b.MeshOBJ
	case ArtifactMeshGLB:
		return b.MeshGLB
	case ArtifactGaussianPLY:
		return b.GaussianPLY
	case ArtifactSlat:
		return b.Slat
	case ArtifactOptimizedGLB:
		return b.OptimizedGLB
	case ArtifactStresses:
		return b.Stresses
	case ArtifactStressesOptimized:
		return b.StressesOptimized
	}
	return ""
}

// Run records one invocation of a pipeline stage, kept for history and
// debugging.
type Run struct {
	ID           string
	Kind         string // "generate" or "optimize"
	GenerationID string
	Status       string // "running", "completed", "failed"
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}
