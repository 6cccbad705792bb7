package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Kind selects which diffusion pipeline a request needs.
type Kind int

const (
	KindTextTo3D Kind = iota
	KindImageTo3D
)

func (k Kind) String() string {
	switch k {
	case KindTextTo3D:
		return "text_to_3d"
	case KindImageTo3D:
		return "image_to_3d"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// GenerateParams are the inputs for one pipeline run. Exactly one of Prompt
// or ImagePath is used, matching the instance kind.
type GenerateParams struct {
	Prompt     string
	ImagePath  string
	Seed       int
	NumSamples int
	OutputDir  string
}

// SampleResult lists the artifact paths produced for one sample. GLB export
// is best-effort: GLB is empty and GLBError set when it failed.
type SampleResult struct {
	OBJ      string
	GLB      string
	GLBError string
	PLY      string
	Slat     string
}

// Instance is a loaded pipeline living on the compute device.
type Instance interface {
	Kind() Kind
	Device() string
	Generate(ctx context.Context, params GenerateParams) ([]SampleResult, error)
	// Offload moves the instance off the accelerator. After Offload the
	// instance must not be used again.
	Offload(ctx context.Context) error
}

// Loader constructs pipeline instances and manages accelerator memory.
type Loader interface {
	Load(ctx context.Context, kind Kind) (Instance, error)
	ReclaimMemory(ctx context.Context) error
}

// Cache keeps at most one loaded instance per pipeline kind. Loading is lazy
// and idempotent; ReleaseAll evicts everything before memory-heavy stages.
type Cache struct {
	mu      sync.Mutex
	loader  Loader
	entries map[Kind]Instance
	logger  *slog.Logger
}

// NewCache creates an empty Cache backed by the given loader.
func NewCache(loader Loader) *Cache {
	return &Cache{
		loader:  loader,
		entries: make(map[Kind]Instance),
		logger:  slog.Default(),
	}
}

// Acquire returns the cached instance for kind, constructing and placing it
// on the compute device if absent. Calling it repeatedly without an
// intervening ReleaseAll returns the same instance.
func (c *Cache) Acquire(ctx context.Context, kind Kind) (Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if inst, ok := c.entries[kind]; ok {
		return inst, nil
	}

	c.logger.Info("loading pipeline", "kind", kind.String())
	inst, err := c.loader.Load(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("loading %s pipeline: %w", kind, err)
	}
	c.logger.Info("pipeline loaded", "kind", kind.String(), "device", inst.Device())
	c.entries[kind] = inst
	return inst, nil
}

// ReleaseAll offloads every cached instance and drops the references, then
// asks the accelerator to reclaim freed memory. Offload failures are logged
// and do not abort the remaining evictions. With nothing loaded it is a
// no-op that still performs the reclaim sweep.
func (c *Cache) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for kind, inst := range c.entries {
		if err := inst.Offload(ctx); err != nil {
			c.logger.Warn("could not offload pipeline", "kind", kind.String(), "error", err)
		} else {
			c.logger.Info("pipeline moved off accelerator", "kind", kind.String())
		}
		delete(c.entries, kind)
	}

	if err := c.loader.ReclaimMemory(ctx); err != nil {
		c.logger.Warn("accelerator memory reclaim failed", "error", err)
	}
}

// Loaded reports which kinds currently hold a live instance.
func (c *Cache) Loaded() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()

	kinds := make([]Kind, 0, len(c.entries))
	for k := range c.entries {
		kinds = append(kinds, k)
	}
	return kinds
}
