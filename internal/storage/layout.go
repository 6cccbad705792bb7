package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Fixed filenames inside a generation folder. Downstream stages rely on
// these conventions, in particular slat_00.pt as the optimization input.
const (
	PromptFile          = "prompt.txt"
	OptimizedGLBFile    = "sample_optimized.glb"
	StressesFile        = "stresses.png"
	StressesOptimized   = "stresses_optimized.png"
	GeneratedImageStem  = "generated_image"
	modelsDirName       = "models"
	generationIDPattern = "20060102_150405"
)

// SampleOBJ returns the OBJ filename for the i-th sample (sample_00.obj).
func SampleOBJ(i int) string { return fmt.Sprintf("sample_%02d.obj", i) }

// SampleGLB returns the GLB filename for the i-th sample (sample_00.glb).
func SampleGLB(i int) string { return fmt.Sprintf("sample_%02d.glb", i) }

// SamplePLY returns the PLY filename for the i-th sample (sample_00.ply).
func SamplePLY(i int) string { return fmt.Sprintf("sample_%02d.ply", i) }

// SampleSlat returns the sparse-latent filename for the i-th sample
// (slat_00.pt).
func SampleSlat(i int) string { return fmt.Sprintf("slat_%02d.pt", i) }

// InputImage returns the provenance filename for the i-th uploaded image.
func InputImage(i int, ext string) string {
	if ext == "" {
		ext = ".png"
	}
	return fmt.Sprintf("input_%d%s", i, ext)
}

// RelativeURL converts an absolute artifact path into a /files/ URL by
// locating the models root marker in the path. It returns "" for paths that
// do not contain a folder and filename below a models segment, rather than
// failing.
func RelativeURL(path string) string {
	if path == "" {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == modelsDirName {
			return "/files/" + parts[i+1] + "/" + parts[i+2]
		}
	}
	return ""
}

// URLBundle is Bundle with every path mapped through RelativeURL.
func URLBundle(b Bundle) Bundle {
	return Bundle{
		MeshOBJ:           RelativeURL(b.MeshOBJ),
		MeshGLB:           RelativeURL(b.MeshGLB),
		GaussianPLY:       RelativeURL(b.GaussianPLY),
		Slat:              RelativeURL(b.Slat),
		OptimizedGLB:      RelativeURL(b.OptimizedGLB),
		Stresses:          RelativeURL(b.Stresses),
		StressesOptimized: RelativeURL(b.StressesOptimized),
	}
}
