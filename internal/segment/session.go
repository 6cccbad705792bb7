// Package segment holds the interactive segmentation session: a single
// loaded point cloud plus the accumulated click-prompt state refined by a
// Point-SAM worker.
package segment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/pointcloud"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/pointsam"
)

// DefaultSamplePoints is how many surface points a loaded mesh is sampled
// into.
const DefaultSamplePoints = 10000

// minSegmentPoints is the smallest segment considered meaningful. Clicks
// producing a segment at or below this size are rejected without touching
// the refinement mask.
const minSegmentPoints = 10

var (
	// ErrNoSession is returned by operations that need a loaded model.
	ErrNoSession = errors.New("no 3D model loaded")
	// ErrSegmentTooSmall rejects a click whose segment is too small to be
	// meaningful. Session state is unchanged and the caller may retry with
	// a different click.
	ErrSegmentTooSmall = errors.New("segmented region too small to be meaningful")
)

// Predictor is the segmentation network interface, satisfied by
// *pointsam.Client.
type Predictor interface {
	IsRunning(ctx context.Context) bool
	PredictMasks(ctx context.Context, req pointsam.PredictRequest) ([]pointsam.MaskCandidate, error)
}

// LoadInfo describes a freshly loaded session.
type LoadInfo struct {
	ModelID   string
	NumPoints int
	GLBPath   string
}

// ClickResult is the accepted outcome of one segmentation click.
type ClickResult struct {
	ModelID       string
	Mask          []int // 1 for points inside the segment
	SegmentPoints [][3]float32
	SegmentColors [][3]float32
	TotalPoints   int
}

type session struct {
	modelID string
	glbPath string
	points  [][3]float32 // normalized
	colors  [][3]float32
	shift   [3]float32
	scale   float32
	prompts [][3]float32
	labels  []int
	mask    []float32 // logits from the last accepted prediction
}

// Manager is the process-wide single-slot segmentation session. Loading a
// new model replaces the previous session wholesale; mutation is guarded by
// a single lock, matching the one-interactive-client assumption.
type Manager struct {
	mu           sync.Mutex
	predictor    Predictor
	samplePoints int
	rng          *rand.Rand
	session      *session
}

// NewManager creates an empty Manager over the given predictor. samplePoints
// controls how many surface points each loaded model is sampled to; values
// below 1 fall back to DefaultSamplePoints.
func NewManager(predictor Predictor, samplePoints int) *Manager {
	if samplePoints < 1 {
		samplePoints = DefaultSamplePoints
	}
	return &Manager{
		predictor:    predictor,
		samplePoints: samplePoints,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Available reports whether the segmentation worker is reachable.
func (m *Manager) Available(ctx context.Context) bool {
	return m.predictor.IsRunning(ctx)
}

// Load samples a point cloud from the model's GLB mesh and replaces any
// existing session. The mesh file is resolved by convention inside folder:
// model.glb, then sample_00.glb, then the alphabetically first *.glb.
func (m *Manager) Load(modelID, folder string) (LoadInfo, error) {
	glbPath, err := resolveGLB(folder)
	if err != nil {
		return LoadInfo{}, err
	}

	mesh, err := pointcloud.LoadGLB(glbPath)
	if err != nil {
		return LoadInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cloud, err := pointcloud.Sample(mesh, m.samplePoints, m.rng)
	if err != nil {
		return LoadInfo{}, err
	}
	normalized, shift, scale := pointcloud.Normalize(cloud.Points)

	m.session = &session{
		modelID: modelID,
		glbPath: glbPath,
		points:  normalized,
		colors:  cloud.Colors,
		shift:   shift,
		scale:   scale,
	}
	return LoadInfo{
		ModelID:   modelID,
		NumPoints: len(normalized),
		GLBPath:   glbPath,
	}, nil
}

// Click appends one prompt to the session and re-predicts the segment over
// the full prompt history, seeding with the previous mask. A nil position
// defaults to the cloud's centroid; otherwise the position is mapped into
// the session's normalized space. The highest-scoring candidate becomes the
// new mask unless its segment is too small, in which case the session is
// left exactly as before the click and ErrSegmentTooSmall is returned.
func (m *Manager) Click(ctx context.Context, position *[3]float32, label int) (ClickResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil {
		return ClickResult{}, ErrNoSession
	}

	var prompt [3]float32
	if position != nil {
		for k := 0; k < 3; k++ {
			prompt[k] = (position[k] - s.shift[k]) / s.scale
		}
	} else {
		prompt = pointcloud.Centroid(s.points)
	}

	prompts := append(append([][3]float32{}, s.prompts...), prompt)
	labels := append(append([]int{}, s.labels...), label)

	candidates, err := m.predictor.PredictMasks(ctx, pointsam.PredictRequest{
		Points:       s.points,
		Colors:       s.colors,
		PromptPoints: prompts,
		PromptLabels: labels,
		MaskSeed:     s.mask,
		FirstClick:   s.mask == nil,
	})
	if err != nil {
		return ClickResult{}, fmt.Errorf("predicting segmentation mask: %w", err)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.IoU > best.IoU {
			best = c
		}
	}

	result := ClickResult{
		ModelID:     s.modelID,
		Mask:        make([]int, len(best.Mask)),
		TotalPoints: len(s.points),
	}
	for i, logit := range best.Mask {
		if logit > 0 {
			result.Mask[i] = 1
			result.SegmentPoints = append(result.SegmentPoints, s.points[i])
			result.SegmentColors = append(result.SegmentColors, s.colors[i])
		}
	}
	if len(result.SegmentPoints) <= minSegmentPoints {
		// A rejected click must not poison the refinement state, so
		// neither the mask nor the prompt history is updated.
		return ClickResult{}, ErrSegmentTooSmall
	}

	s.prompts = prompts
	s.labels = labels
	s.mask = best.Mask
	result.SegmentPoints = pointcloud.Denormalize(result.SegmentPoints, s.shift, s.scale)
	return result, nil
}

// Clear resets the prompt history and mask while keeping the loaded point
// cloud, so a new segmentation pass can start without resampling the mesh.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return ErrNoSession
	}
	m.session.prompts = nil
	m.session.labels = nil
	m.session.mask = nil
	return nil
}

// PointCloud returns the loaded cloud in original (denormalized)
// coordinates for visualization.
func (m *Manager) PointCloud() (modelID string, points, colors [][3]float32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil {
		return "", nil, nil, ErrNoSession
	}
	return s.modelID, pointcloud.Denormalize(s.points, s.shift, s.scale), append([][3]float32{}, s.colors...), nil
}

// Loaded returns the loaded model's id, or false when the session is empty.
func (m *Manager) Loaded() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return "", false
	}
	return m.session.modelID, true
}

// resolveGLB picks the mesh file to segment from a generation folder.
func resolveGLB(folder string) (string, error) {
	if info, err := os.Stat(folder); err != nil || !info.IsDir() {
		return "", fmt.Errorf("model folder %s not found", folder)
	}

	for _, name := range []string{"model.glb", "sample_00.glb"} {
		path := filepath.Join(folder, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", fmt.Errorf("reading model folder: %w", err)
	}
	var glbs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".glb") {
			glbs = append(glbs, e.Name())
		}
	}
	if len(glbs) == 0 {
		return "", fmt.Errorf("no GLB file found in %s", folder)
	}
	sort.Strings(glbs)
	return filepath.Join(folder, glbs[0]), nil
}
