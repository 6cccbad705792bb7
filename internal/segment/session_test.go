package segment

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/pointsam"
)

type fakePredictor struct {
	running    bool
	requests   []pointsam.PredictRequest
	candidates []pointsam.MaskCandidate
	err        error
}

func (f *fakePredictor) IsRunning(context.Context) bool { return f.running }

func (f *fakePredictor) PredictMasks(_ context.Context, req pointsam.PredictRequest) ([]pointsam.MaskCandidate, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

// maskWith builds logits marking the first positive points as segmented.
func maskWith(total, positive int) []float32 {
	mask := make([]float32, total)
	for i := range mask {
		if i < positive {
			mask[i] = 1
		} else {
			mask[i] = -1
		}
	}
	return mask
}

func writeTriangleGLB(t *testing.T, path string) {
	t.Helper()
	doc := gltf.NewDocument()
	doc.Meshes = []*gltf.Mesh{{
		Primitives: []*gltf.Primitive{{
			Attributes: map[string]int{
				gltf.POSITION: modeler.WritePosition(doc, [][3]float32{
					{0, 0, 0}, {2, 0, 0}, {0, 2, 0},
				}),
			},
			Indices: gltf.Index(modeler.WriteIndices(doc, []uint16{0, 1, 2})),
		}},
	}}
	doc.Nodes = []*gltf.Node{{Mesh: gltf.Index(0)}}
	doc.Scenes[0].Nodes = []int{0}
	if err := gltf.SaveBinary(doc, path); err != nil {
		t.Fatalf("saving test GLB: %v", err)
	}
}

func newTestManager(t *testing.T, predictor Predictor) (*Manager, string) {
	t.Helper()
	folder := t.TempDir()
	writeTriangleGLB(t, filepath.Join(folder, "sample_00.glb"))

	m := NewManager(predictor, 50)
	return m, folder
}

func TestLoad(t *testing.T) {
	m, folder := newTestManager(t, &fakePredictor{})

	info, err := m.Load("gen1", folder)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info.ModelID != "gen1" || info.NumPoints != 50 {
		t.Errorf("info = %+v", info)
	}
	if info.GLBPath != filepath.Join(folder, "sample_00.glb") {
		t.Errorf("glb path = %q", info.GLBPath)
	}
	if id, ok := m.Loaded(); !ok || id != "gen1" {
		t.Errorf("Loaded() = %q, %v", id, ok)
	}
}

func TestLoad_PrefersModelGLB(t *testing.T) {
	m, folder := newTestManager(t, &fakePredictor{})
	writeTriangleGLB(t, filepath.Join(folder, "model.glb"))

	info, err := m.Load("gen1", folder)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if filepath.Base(info.GLBPath) != "model.glb" {
		t.Errorf("glb path = %q, want model.glb preferred", info.GLBPath)
	}
}

func TestLoad_FallsBackToFirstGLB(t *testing.T) {
	folder := t.TempDir()
	writeTriangleGLB(t, filepath.Join(folder, "zebra.glb"))
	writeTriangleGLB(t, filepath.Join(folder, "aardvark.glb"))

	m := NewManager(&fakePredictor{}, 50)

	info, err := m.Load("gen1", folder)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if filepath.Base(info.GLBPath) != "aardvark.glb" {
		t.Errorf("glb path = %q, want alphabetically first", info.GLBPath)
	}
}

func TestLoad_NoGLB(t *testing.T) {
	folder := t.TempDir()
	if err := os.WriteFile(filepath.Join(folder, "sample_00.obj"), []byte("o"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(&fakePredictor{}, 0)
	if _, err := m.Load("gen1", folder); err == nil {
		t.Error("expected error for folder without a GLB")
	}
}

func TestLoad_MissingFolder(t *testing.T) {
	m := NewManager(&fakePredictor{}, 0)
	if _, err := m.Load("gen1", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing folder")
	}
}

func TestLoad_ReplacesSession(t *testing.T) {
	predictor := &fakePredictor{candidates: []pointsam.MaskCandidate{{Mask: maskWith(50, 20), IoU: 0.9}}}
	m, folder := newTestManager(t, predictor)

	if _, err := m.Load("gen1", folder); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Click(context.Background(), nil, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Load("gen2", folder); err != nil {
		t.Fatal(err)
	}
	if id, _ := m.Loaded(); id != "gen2" {
		t.Errorf("model id = %q, want gen2", id)
	}

	// The replacement dropped the prompt history and mask.
	if _, err := m.Click(context.Background(), nil, 1); err != nil {
		t.Fatal(err)
	}
	last := predictor.requests[len(predictor.requests)-1]
	if len(last.PromptPoints) != 1 || !last.FirstClick || last.MaskSeed != nil {
		t.Errorf("session state leaked across load: %+v", last)
	}
}

func TestClick_NoSession(t *testing.T) {
	m := NewManager(&fakePredictor{}, 0)
	if _, err := m.Click(context.Background(), nil, 1); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestClick_Accumulates(t *testing.T) {
	predictor := &fakePredictor{candidates: []pointsam.MaskCandidate{
		{Mask: maskWith(50, 15), IoU: 0.4},
		{Mask: maskWith(50, 30), IoU: 0.8},
	}}
	m, folder := newTestManager(t, predictor)
	if _, err := m.Load("gen1", folder); err != nil {
		t.Fatal(err)
	}

	res, err := m.Click(context.Background(), nil, 1)
	if err != nil {
		t.Fatalf("Click: %v", err)
	}

	// The highest-IoU candidate wins.
	if len(res.SegmentPoints) != 30 || res.TotalPoints != 50 {
		t.Errorf("segment = %d/%d, want 30/50", len(res.SegmentPoints), res.TotalPoints)
	}

	first := predictor.requests[0]
	if !first.FirstClick || first.MaskSeed != nil {
		t.Errorf("first click flags wrong: %+v", first)
	}
	if len(first.PromptPoints) != 1 || first.PromptLabels[0] != 1 {
		t.Errorf("prompt history = %v / %v", first.PromptPoints, first.PromptLabels)
	}
	// A nil position defaults to the cloud centroid, which sits near the
	// origin in normalized space.
	for k, v := range first.PromptPoints[0] {
		if math.Abs(float64(v)) > 0.5 {
			t.Errorf("default prompt[%d] = %v, want near origin", k, v)
		}
	}

	if _, err := m.Click(context.Background(), &[3]float32{1, 1, 0}, 0); err != nil {
		t.Fatalf("second Click: %v", err)
	}
	second := predictor.requests[1]
	if second.FirstClick {
		t.Error("second click must not be flagged as first")
	}
	if len(second.PromptPoints) != 2 || second.PromptLabels[1] != 0 {
		t.Errorf("prompt history = %v / %v", second.PromptPoints, second.PromptLabels)
	}
	// The accepted mask seeds the refinement.
	if len(second.MaskSeed) != 50 || second.MaskSeed[0] <= 0 {
		t.Errorf("mask seed = %v", second.MaskSeed[:3])
	}
}

func TestClick_RejectedClickDoesNotPoisonState(t *testing.T) {
	predictor := &fakePredictor{candidates: []pointsam.MaskCandidate{{Mask: maskWith(50, 30), IoU: 0.9}}}
	m, folder := newTestManager(t, predictor)
	if _, err := m.Load("gen1", folder); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Click(context.Background(), nil, 1); err != nil {
		t.Fatal(err)
	}
	accepted := predictor.candidates[0].Mask

	// Ten segmented points is at the rejection threshold.
	predictor.candidates = []pointsam.MaskCandidate{{Mask: maskWith(50, 10), IoU: 0.9}}
	_, err := m.Click(context.Background(), &[3]float32{0.1, 0.1, 0}, 1)
	if !errors.Is(err, ErrSegmentTooSmall) {
		t.Fatalf("err = %v, want ErrSegmentTooSmall", err)
	}

	// The next click must refine from the mask accepted before the
	// rejection, with the rejected prompt dropped from the history.
	predictor.candidates = []pointsam.MaskCandidate{{Mask: maskWith(50, 25), IoU: 0.9}}
	if _, err := m.Click(context.Background(), &[3]float32{0.5, 0.5, 0}, 1); err != nil {
		t.Fatalf("Click after rejection: %v", err)
	}
	last := predictor.requests[len(predictor.requests)-1]
	if len(last.PromptPoints) != 2 {
		t.Errorf("prompt history = %d entries, want 2 (rejected click dropped)", len(last.PromptPoints))
	}
	for i, v := range last.MaskSeed {
		if v != accepted[i] {
			t.Fatalf("mask seed diverged at %d: %v != %v", i, v, accepted[i])
		}
	}
}

func TestClick_PredictorError(t *testing.T) {
	predictor := &fakePredictor{err: errors.New("worker crashed")}
	m, folder := newTestManager(t, predictor)
	if _, err := m.Load("gen1", folder); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Click(context.Background(), nil, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestClear(t *testing.T) {
	predictor := &fakePredictor{candidates: []pointsam.MaskCandidate{{Mask: maskWith(50, 20), IoU: 0.9}}}
	m, folder := newTestManager(t, predictor)
	if _, err := m.Load("gen1", folder); err != nil {
		t.Fatal(err)
	}

	_, beforePoints, _, err := m.PointCloud()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Click(context.Background(), nil, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	// Geometry is untouched, prompts and mask are gone.
	id, afterPoints, _, err := m.PointCloud()
	if err != nil {
		t.Fatal(err)
	}
	if id != "gen1" {
		t.Errorf("model id = %q", id)
	}
	if len(afterPoints) != len(beforePoints) {
		t.Fatalf("point count changed: %d != %d", len(afterPoints), len(beforePoints))
	}
	for i := range afterPoints {
		if afterPoints[i] != beforePoints[i] {
			t.Fatalf("point %d changed across Clear", i)
		}
	}

	if _, err := m.Click(context.Background(), nil, 1); err != nil {
		t.Fatal(err)
	}
	last := predictor.requests[len(predictor.requests)-1]
	if len(last.PromptPoints) != 1 || !last.FirstClick || last.MaskSeed != nil {
		t.Errorf("Clear did not reset prompt state: %+v", last)
	}
}

func TestClear_NoSession(t *testing.T) {
	m := NewManager(&fakePredictor{}, 0)
	if err := m.Clear(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestPointCloud_NoSession(t *testing.T) {
	m := NewManager(&fakePredictor{}, 0)
	if _, _, _, err := m.PointCloud(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestAvailable(t *testing.T) {
	m := NewManager(&fakePredictor{running: true}, 0)
	if !m.Available(context.Background()) {
		t.Error("expected available")
	}
	m = NewManager(&fakePredictor{}, 0)
	if m.Available(context.Background()) {
		t.Error("expected unavailable")
	}
}

func TestNewManager_SamplePoints(t *testing.T) {
	m := NewManager(&fakePredictor{}, 0)
	if m.samplePoints != DefaultSamplePoints {
		t.Errorf("samplePoints = %d, want %d", m.samplePoints, DefaultSamplePoints)
	}

	folder := t.TempDir()
	writeTriangleGLB(t, filepath.Join(folder, "sample_00.glb"))

	m = NewManager(&fakePredictor{}, 25)
	info, err := m.Load("gen1", folder)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info.NumPoints != 25 {
		t.Errorf("NumPoints = %d, want the configured sample count", info.NumPoints)
	}
}
