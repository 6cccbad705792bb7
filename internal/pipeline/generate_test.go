package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/storage"
)

type fakeImageGen struct {
	prompt    string
	inputs    []string
	generated string
	genErr    error
}

func (f *fakeImageGen) GenerateImage(_ context.Context, prompt string, imageInputs []string) (string, error) {
	f.prompt = prompt
	f.inputs = imageInputs
	if f.genErr != nil {
		return "", f.genErr
	}
	return "https://img.example/result.png", nil
}

func (f *fakeImageGen) Download(_ context.Context, _, destDir string) (string, error) {
	path := filepath.Join(destDir, "generated_image.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		return "", err
	}
	f.generated = path
	return path, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGenerate_TextPrompt(t *testing.T) {
	store := newTestStore(t)
	loader := &fakeLoader{next: &fakeInstance{}}
	stage := NewGenerateStage(store, NewCache(loader), nil)

	res, err := stage.Generate(context.Background(), GenerateRequest{Prompt: "a ceramic mug"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	inst := loader.instances[0]
	if inst.kind != KindTextTo3D {
		t.Errorf("pipeline kind = %v, want text_to_3d", inst.kind)
	}
	params := inst.generated[0]
	if params.Prompt != "a ceramic mug" || params.ImagePath != "" {
		t.Errorf("unexpected params: %+v", params)
	}
	if params.Seed != 1 || params.NumSamples != 1 {
		t.Errorf("defaults not applied: seed=%d samples=%d", params.Seed, params.NumSamples)
	}
	if params.OutputDir != res.Generation.Folder {
		t.Errorf("output dir %q != generation folder %q", params.OutputDir, res.Generation.Folder)
	}

	// Prompt provenance sidecar.
	data, err := os.ReadFile(filepath.Join(res.Generation.Folder, storage.PromptFile))
	if err != nil {
		t.Fatalf("reading prompt file: %v", err)
	}
	if string(data) != "a ceramic mug" {
		t.Errorf("prompt file = %q", data)
	}

	// Runs are recorded as completed.
	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestGenerate_RequiresInput(t *testing.T) {
	store := newTestStore(t)
	loader := &fakeLoader{}
	stage := NewGenerateStage(store, NewCache(loader), nil)

	if _, err := stage.Generate(context.Background(), GenerateRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if loader.loads != 0 {
		t.Error("no pipeline should have been loaded")
	}
}

func TestGenerate_ImageTakesPrecedence(t *testing.T) {
	store := newTestStore(t)
	loader := &fakeLoader{next: &fakeInstance{}}
	stage := NewGenerateStage(store, NewCache(loader), nil)

	res, err := stage.Generate(context.Background(), GenerateRequest{
		Prompt: "also a prompt",
		Images: []InputImage{{Data: []byte{0x89, 0x50}, Ext: ".png"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	inst := loader.instances[0]
	if inst.kind != KindImageTo3D {
		t.Errorf("pipeline kind = %v, want image_to_3d", inst.kind)
	}
	want := filepath.Join(res.Generation.Folder, storage.InputImage(0, ".png"))
	if got := inst.generated[0].ImagePath; got != want {
		t.Errorf("driving image = %q, want %q", got, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("input image not persisted: %v", err)
	}
	if res.Generation.Source != "image" {
		t.Errorf("source = %q, want image", res.Generation.Source)
	}
}

func TestGenerate_ImageFirstStrategy(t *testing.T) {
	store := newTestStore(t)
	loader := &fakeLoader{next: &fakeInstance{}}
	imagen := &fakeImageGen{}
	stage := NewGenerateStage(store, NewCache(loader), imagen)

	_, err := stage.Generate(context.Background(), GenerateRequest{
		Prompt:   "a chair",
		Strategy: StrategyImageFirst,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if imagen.prompt != "a chair" {
		t.Errorf("imagen prompt = %q", imagen.prompt)
	}
	inst := loader.instances[0]
	if inst.kind != KindImageTo3D {
		t.Errorf("pipeline kind = %v, want image_to_3d", inst.kind)
	}
	if got := inst.generated[0].ImagePath; got != imagen.generated {
		t.Errorf("driving image = %q, want downloaded %q", got, imagen.generated)
	}
}

func TestGenerate_ImageFirstFailureIsStageError(t *testing.T) {
	store := newTestStore(t)
	loader := &fakeLoader{}
	imagen := &fakeImageGen{genErr: errors.New("service unavailable")}
	stage := NewGenerateStage(store, NewCache(loader), imagen)

	_, err := stage.Generate(context.Background(), GenerateRequest{
		Prompt:   "a chair",
		Strategy: StrategyImageFirst,
	})
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "image_generation" {
		t.Fatalf("err = %v, want image_generation stage error", err)
	}
	if loader.loads != 0 {
		t.Error("pipeline must not be loaded when image generation fails")
	}

	runs, _ := store.ListRuns(10)
	if len(runs) != 1 || runs[0].Status != "failed" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestGenerate_GLBFailureNonFatal(t *testing.T) {
	store := newTestStore(t)
	inst := &fakeInstance{}
	loader := &fakeLoader{next: inst}
	stage := NewGenerateStage(store, NewCache(loader), nil)

	inst.samples = []SampleResult{{
		OBJ:      "sample_00.obj",
		GLBError: "texture baking failed",
		PLY:      "sample_00.ply",
		Slat:     "slat_00.pt",
	}}

	res, err := stage.Generate(context.Background(), GenerateRequest{Prompt: "a lamp"})
	if err != nil {
		t.Fatalf("GLB failure must not fail the generation: %v", err)
	}
	if res.Default.MeshGLB != "" {
		t.Errorf("GLB artifact should be absent, got %q", res.Default.MeshGLB)
	}
	if res.Default.MeshOBJ == "" || res.Default.GaussianPLY == "" || res.Default.Slat == "" {
		t.Errorf("remaining artifacts missing: %+v", res.Default)
	}

	bundle, err := store.GetBundle(res.Generation.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.MeshGLB != "" {
		t.Error("GLB must not be recorded when export failed")
	}
	if bundle.MeshOBJ == "" {
		t.Error("OBJ artifact not recorded")
	}
}

func TestGenerate_MultipleSamples(t *testing.T) {
	store := newTestStore(t)
	inst := &fakeInstance{samples: []SampleResult{
		{OBJ: "sample_00.obj", GLB: "sample_00.glb", PLY: "sample_00.ply", Slat: "slat_00.pt"},
		{OBJ: "sample_01.obj", GLB: "sample_01.glb", PLY: "sample_01.ply", Slat: "slat_01.pt"},
	}}
	loader := &fakeLoader{next: inst}
	stage := NewGenerateStage(store, NewCache(loader), nil)

	res, err := stage.Generate(context.Background(), GenerateRequest{Prompt: "a vase", Samples: 2, Seed: 7})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(res.Samples))
	}
	if res.Default != res.Samples[0] {
		t.Error("default bundle must be the first sample")
	}
	if inst.generated[0].Seed != 7 {
		t.Errorf("seed = %d, want 7", inst.generated[0].Seed)
	}

	second, err := store.GetBundle(res.Generation.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if second.MeshOBJ != "sample_01.obj" {
		t.Errorf("second sample OBJ = %q", second.MeshOBJ)
	}
}

func TestGenerate_PipelineFailureRecordsRun(t *testing.T) {
	store := newTestStore(t)
	inst := &fakeInstance{genErr: errors.New("CUDA out of memory")}
	loader := &fakeLoader{next: inst}
	stage := NewGenerateStage(store, NewCache(loader), nil)

	_, err := stage.Generate(context.Background(), GenerateRequest{Prompt: "a boat"})
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "generate" {
		t.Fatalf("err = %v, want generate stage error", err)
	}

	runs, _ := store.ListRuns(10)
	if len(runs) != 1 || runs[0].Status != "failed" {
		t.Errorf("runs = %+v", runs)
	}
}
