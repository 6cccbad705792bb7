package pointcloud

import (
	"fmt"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// LoadGLB reads all triangle primitives of a GLB file into a single Mesh,
// concatenating multi-primitive and multi-mesh documents the way a scene
// flatten would. Vertex colors (COLOR_0) are kept when present on every
// primitive that has them; primitives without colors contribute gray
// vertices once any other primitive is colored.
func LoadGLB(path string) (*Mesh, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening GLB: %w", err)
	}

	out := &Mesh{}
	hasColors := false

	for _, gm := range doc.Meshes {
		for _, prim := range gm.Primitives {
			if prim.Mode != gltf.PrimitiveTriangles {
				continue
			}
			posIdx, ok := prim.Attributes[gltf.POSITION]
			if !ok {
				continue
			}

			positions, err := modeler.ReadPosition(doc, doc.Accessors[posIdx], nil)
			if err != nil {
				return nil, fmt.Errorf("reading positions: %w", err)
			}

			var colors [][3]float32
			if colIdx, ok := prim.Attributes[gltf.COLOR_0]; ok {
				rgba, err := modeler.ReadColor(doc, doc.Accessors[colIdx], nil)
				if err != nil {
					return nil, fmt.Errorf("reading vertex colors: %w", err)
				}
				colors = make([][3]float32, len(rgba))
				for i, c := range rgba {
					colors[i] = [3]float32{
						float32(c[0]) / 255,
						float32(c[1]) / 255,
						float32(c[2]) / 255,
					}
				}
			}

			base := len(out.Vertices)
			out.Vertices = append(out.Vertices, positions...)

			if colors != nil {
				if !hasColors && base > 0 {
					out.Colors = grayFill(base)
				}
				hasColors = true
				out.Colors = append(out.Colors, colors...)
			} else if hasColors {
				out.Colors = append(out.Colors, grayFill(len(positions))...)
			}

			if prim.Indices != nil {
				indices, err := modeler.ReadIndices(doc, doc.Accessors[*prim.Indices], nil)
				if err != nil {
					return nil, fmt.Errorf("reading indices: %w", err)
				}
				for i := 0; i+2 < len(indices); i += 3 {
					out.Faces = append(out.Faces, [3]int{
						base + int(indices[i]),
						base + int(indices[i+1]),
						base + int(indices[i+2]),
					})
				}
			} else {
				for i := 0; i+2 < len(positions); i += 3 {
					out.Faces = append(out.Faces, [3]int{base + i, base + i + 1, base + i + 2})
				}
			}
		}
	}

	if len(out.Faces) == 0 {
		return nil, fmt.Errorf("no valid mesh geometry found in GLB file")
	}
	return out, nil
}

func grayFill(n int) [][3]float32 {
	out := make([][3]float32, n)
	for i := range out {
		out[i] = defaultGray
	}
	return out
}
