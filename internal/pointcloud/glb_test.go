package pointcloud

import (
	"path/filepath"
	"testing"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// writeTestGLB saves a single-triangle GLB, optionally with vertex colors.
func writeTestGLB(t *testing.T, path string, colored bool) {
	t.Helper()
	doc := gltf.NewDocument()

	attrs := map[string]int{
		gltf.POSITION: modeler.WritePosition(doc, [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}),
	}
	if colored {
		attrs[gltf.COLOR_0] = modeler.WriteColor(doc, [][4]uint8{
			{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255},
		})
	}
	doc.Meshes = []*gltf.Mesh{{
		Primitives: []*gltf.Primitive{{
			Attributes: attrs,
			Indices:    gltf.Index(modeler.WriteIndices(doc, []uint16{0, 1, 2})),
		}},
	}}
	doc.Nodes = []*gltf.Node{{Mesh: gltf.Index(0)}}
	doc.Scenes[0].Nodes = []int{0}

	if err := gltf.SaveBinary(doc, path); err != nil {
		t.Fatalf("saving test GLB: %v", err)
	}
}

func TestLoadGLB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample_00.glb")
	writeTestGLB(t, path, true)

	m, err := LoadGLB(path)
	if err != nil {
		t.Fatalf("LoadGLB: %v", err)
	}
	if len(m.Vertices) != 3 {
		t.Errorf("vertices = %d, want 3", len(m.Vertices))
	}
	if len(m.Faces) != 1 {
		t.Errorf("faces = %d, want 1", len(m.Faces))
	}
	if len(m.Colors) != 3 {
		t.Fatalf("colors = %d, want 3", len(m.Colors))
	}
	if m.Colors[0] != [3]float32{1, 0, 0} {
		t.Errorf("color[0] = %v, want red", m.Colors[0])
	}
}

func TestLoadGLB_Uncolored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.glb")
	writeTestGLB(t, path, false)

	m, err := LoadGLB(path)
	if err != nil {
		t.Fatalf("LoadGLB: %v", err)
	}
	if m.Colors != nil {
		t.Errorf("colors = %v, want nil for uncolored mesh", m.Colors)
	}
}

func TestLoadGLB_Missing(t *testing.T) {
	if _, err := LoadGLB(filepath.Join(t.TempDir(), "nope.glb")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadGLB_NoGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.glb")
	doc := gltf.NewDocument()
	if err := gltf.SaveBinary(doc, path); err != nil {
		t.Fatalf("saving empty GLB: %v", err)
	}
	if _, err := LoadGLB(path); err == nil {
		t.Error("expected error for GLB without geometry")
	}
}
