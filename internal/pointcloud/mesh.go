package pointcloud

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Mesh is triangle geometry with optional per-vertex colors in [0,1].
type Mesh struct {
	Vertices [][3]float32
	Faces    [][3]int
	Colors   [][3]float32 // nil when the mesh carries no color data
}

// Cloud is a sampled point cloud. Points may be in original or normalized
// coordinates depending on provenance; Colors are always in [0,1].
type Cloud struct {
	Points [][3]float32
	Colors [][3]float32
}

// defaultGray is used for meshes without color data.
var defaultGray = [3]float32{0.5, 0.5, 0.5}

// Sample draws n points from the mesh surface, area-weighted across faces.
// Point colors come from the nearest vertex of the sampled face, or mid-gray
// for uncolored meshes. Returns an error when the mesh has no faces with
// positive area.
func Sample(m *Mesh, n int, rng *rand.Rand) (*Cloud, error) {
	if len(m.Faces) == 0 {
		return nil, fmt.Errorf("mesh has no faces")
	}

	// Cumulative face areas for weighted face selection.
	cum := make([]float64, len(m.Faces))
	total := 0.0
	for i, f := range m.Faces {
		total += triangleArea(m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]])
		cum[i] = total
	}
	if total <= 0 {
		return nil, fmt.Errorf("mesh has no valid geometry (zero surface area)")
	}

	cloud := &Cloud{
		Points: make([][3]float32, n),
		Colors: make([][3]float32, n),
	}
	for i := 0; i < n; i++ {
		fi := sort.SearchFloat64s(cum, rng.Float64()*total)
		if fi >= len(m.Faces) {
			fi = len(m.Faces) - 1
		}
		f := m.Faces[fi]
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]

		// Uniform barycentric sample; fold u+v > 1 back into the triangle.
		u, v := rng.Float64(), rng.Float64()
		if u+v > 1 {
			u, v = 1-u, 1-v
		}
		var p [3]float32
		for k := 0; k < 3; k++ {
			p[k] = a[k] + float32(u)*(b[k]-a[k]) + float32(v)*(c[k]-a[k])
		}
		cloud.Points[i] = p

		if m.Colors == nil {
			cloud.Colors[i] = defaultGray
			continue
		}
		nearest := f[0]
		best := dist2(p, m.Vertices[f[0]])
		for _, vi := range f[1:] {
			if d := dist2(p, m.Vertices[vi]); d < best {
				best, nearest = d, vi
			}
		}
		cloud.Colors[i] = m.Colors[nearest]
	}
	return cloud, nil
}

// Normalize centers points at their centroid and scales by the maximum
// radius, returning the shift and scale needed to map back to the original
// coordinates (original = normalized*scale + shift).
func Normalize(points [][3]float32) (normalized [][3]float32, shift [3]float32, scale float32) {
	var sum [3]float64
	for _, p := range points {
		for k := 0; k < 3; k++ {
			sum[k] += float64(p[k])
		}
	}
	n := float64(len(points))
	for k := 0; k < 3; k++ {
		shift[k] = float32(sum[k] / n)
	}

	maxR := 0.0
	for _, p := range points {
		if r := math.Sqrt(dist2(p, shift)); r > maxR {
			maxR = r
		}
	}
	scale = float32(maxR)
	if scale == 0 {
		scale = 1
	}

	normalized = make([][3]float32, len(points))
	for i, p := range points {
		for k := 0; k < 3; k++ {
			normalized[i][k] = (p[k] - shift[k]) / scale
		}
	}
	return normalized, shift, scale
}

// Denormalize maps normalized points back to original coordinates.
func Denormalize(points [][3]float32, shift [3]float32, scale float32) [][3]float32 {
	out := make([][3]float32, len(points))
	for i, p := range points {
		for k := 0; k < 3; k++ {
			out[i][k] = p[k]*scale + shift[k]
		}
	}
	return out
}

// Centroid returns the mean position of the points.
func Centroid(points [][3]float32) [3]float32 {
	var sum [3]float64
	for _, p := range points {
		for k := 0; k < 3; k++ {
			sum[k] += float64(p[k])
		}
	}
	var c [3]float32
	if len(points) == 0 {
		return c
	}
	for k := 0; k < 3; k++ {
		c[k] = float32(sum[k] / float64(len(points)))
	}
	return c
}

func triangleArea(a, b, c [3]float32) float64 {
	var ab, ac [3]float64
	for k := 0; k < 3; k++ {
		ab[k] = float64(b[k] - a[k])
		ac[k] = float64(c[k] - a[k])
	}
	cx := ab[1]*ac[2] - ab[2]*ac[1]
	cy := ab[2]*ac[0] - ab[0]*ac[2]
	cz := ab[0]*ac[1] - ab[1]*ac[0]
	return 0.5 * math.Sqrt(cx*cx+cy*cy+cz*cz)
}

func dist2(a, b [3]float32) float64 {
	var d float64
	for k := 0; k < 3; k++ {
		dk := float64(a[k] - b[k])
		d += dk * dk
	}
	return d
}
