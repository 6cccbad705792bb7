// Package api maps the HTTP surface onto the generation, optimization, and
// segmentation subsystems. Handlers are stateless; all state lives in the
// injected dependencies.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/semaphore"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/pipeline"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/segment"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/storage"
)

const maxUploadSize = 50 << 20 // 50MB
const maxRequestBodySize = 1 << 20

// Generator runs one generation job.
type Generator interface {
	Generate(ctx context.Context, req pipeline.GenerateRequest) (pipeline.GenerateResult, error)
}

// Optimizer runs the physics optimization for a generation.
type Optimizer interface {
	Optimize(ctx context.Context, generationID string) (pipeline.OptimizeResult, error)
}

// Deps carries everything the handlers need. Accel serializes accelerator
// owners: heavy jobs hold it for their whole duration so two of them never
// interleave on the device.
type Deps struct {
	Store     *storage.Store
	Generator Generator
	Optimizer Optimizer
	Session   *segment.Manager
	Accel     *semaphore.Weighted
	Version   string
}

// NewHandler builds the HTTP router over deps.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/", handleInfo(deps))
	r.Get("/health", handleHealth(deps))

	r.Post("/generate", handleGenerate(deps))
	r.Post("/generate_from_text", handleGenerateFromText(deps))
	r.Post("/generate_from_image", handleGenerateFromImage(deps))
	r.Post("/optimize/{generation_id}", handleOptimize(deps))

	r.Get("/files/{folder}/{filename}", handleFile(deps))
	r.Get("/generations", handleListGenerations(deps))
	r.Get("/runs", handleListRuns(deps))

	r.Post("/load_3d_model", handleLoadModel(deps))
	r.Post("/clear_3d_prompts", handleClearPrompts(deps))
	r.Get("/get_pointcloud", handleGetPointCloud(deps))
	r.Post("/segment_3d_model", handleSegment(deps))

	return r
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// acquireAccel takes the accelerator slot or reports 503. The returned
// release func is nil when acquisition failed.
func acquireAccel(w http.ResponseWriter, r *http.Request, deps Deps) func() {
	if deps.Accel == nil {
		return func() {}
	}
	if err := deps.Accel.Acquire(r.Context(), 1); err != nil {
		httpError(w, http.StatusServiceUnavailable, "busy", "another job holds the accelerator: %v", err)
		return nil
	}
	return func() { deps.Accel.Release(1) }
}

type generationFiles struct {
	GLB  string `json:"glb,omitempty"`
	OBJ  string `json:"obj,omitempty"`
	PLY  string `json:"ply,omitempty"`
	Slat string `json:"slat,omitempty"`
}

type generationResponse struct {
	Success      bool            `json:"success"`
	GenerationID string          `json:"generation_id"`
	ModelURL     string          `json:"model_url,omitempty"`
	Files        generationFiles `json:"files"`
}

func respondGeneration(w http.ResponseWriter, res pipeline.GenerateResult) {
	urls := storage.URLBundle(res.Default)
	// The GLB export is best-effort; when it failed the OBJ still represents
	// the model.
	modelURL := urls.MeshGLB
	if modelURL == "" {
		modelURL = urls.MeshOBJ
	}
	writeJSON(w, http.StatusOK, generationResponse{
		Success:      true,
		GenerationID: res.Generation.ID,
		ModelURL:     modelURL,
		Files: generationFiles{
			GLB:  urls.MeshGLB,
			OBJ:  urls.MeshOBJ,
			PLY:  urls.GaussianPLY,
			Slat: urls.Slat,
		},
	})
}

func respondGenerationError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrInvalidInput) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		httpError(w, http.StatusInternalServerError, "stage_error", "%v", stageErr)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "generation failed: %v", err)
}

// readImages validates every uploaded file decodes as an image and returns
// the raw bytes with a format-derived extension.
func readImages(r *http.Request, field string) ([]pipeline.InputImage, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var images []pipeline.InputImage
	for _, hdr := range r.MultipartForm.File[field] {
		f, err := hdr.Open()
		if err != nil {
			return nil, fmt.Errorf("opening upload %s: %w", hdr.Filename, err)
		}
		var buf bytes.Buffer
		_, err = buf.ReadFrom(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading upload %s: %w", hdr.Filename, err)
		}

		_, format, err := image.DecodeConfig(bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("file %s is not a supported image", hdr.Filename)
		}
		ext := ".png"
		if format == "jpeg" {
			ext = ".jpg"
		}
		images = append(images, pipeline.InputImage{Data: buf.Bytes(), Ext: ext})
	}
	return images, nil
}

func parseSeed(raw string) (int, error) {
	if raw == "" {
		return 1, nil
	}
	return strconv.Atoi(raw)
}

// handleGenerate is the full pipeline: the prompt (optionally with reference
// images) first goes through the external image service, and the result
// drives the image-to-3D pipeline.
func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		text := strings.TrimSpace(r.FormValue("text"))
		if text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		seed, err := parseSeed(r.FormValue("seed"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid seed: %v", err)
			return
		}
		images, err := readImages(r, "images")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		release := acquireAccel(w, r, deps)
		if release == nil {
			return
		}
		defer release()

		res, err := deps.Generator.Generate(r.Context(), pipeline.GenerateRequest{
			Prompt:   text,
			Images:   images,
			Seed:     seed,
			Strategy: pipeline.StrategyImageFirst,
		})
		if err != nil {
			respondGenerationError(w, err)
			return
		}
		respondGeneration(w, res)
	}
}

func handleGenerateFromText(deps Deps) http.HandlerFunc {
	type request struct {
		Text string `json:"text"`
		Seed int    `json:"seed"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		req.Text = strings.TrimSpace(req.Text)
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		release := acquireAccel(w, r, deps)
		if release == nil {
			return
		}
		defer release()

		res, err := deps.Generator.Generate(r.Context(), pipeline.GenerateRequest{
			Prompt:   req.Text,
			Seed:     req.Seed,
			Strategy: pipeline.StrategyDirect,
		})
		if err != nil {
			respondGenerationError(w, err)
			return
		}
		respondGeneration(w, res)
	}
}

func handleGenerateFromImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		images, err := readImages(r, "image")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if len(images) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image is required")
			return
		}
		seed, err := parseSeed(r.FormValue("seed"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid seed: %v", err)
			return
		}

		release := acquireAccel(w, r, deps)
		if release == nil {
			return
		}
		defer release()

		res, err := deps.Generator.Generate(r.Context(), pipeline.GenerateRequest{
			Images:   images,
			Seed:     seed,
			Strategy: pipeline.StrategyDirect,
		})
		if err != nil {
			respondGenerationError(w, err)
			return
		}
		respondGeneration(w, res)
	}
}

func handleOptimize(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		generationID := chi.URLParam(r, "generation_id")

		release := acquireAccel(w, r, deps)
		if release == nil {
			return
		}
		defer release()

		res, err := deps.Optimizer.Optimize(r.Context(), generationID)
		if err != nil {
			var pre *pipeline.PreconditionError
			if errors.As(err, &pre) {
				if pre.Reason == pipeline.ReasonFolderMissing {
					httpError(w, http.StatusNotFound, "not_found", "%v", pre)
					return
				}
				httpError(w, http.StatusBadRequest, "precondition_failed", "%v", pre)
				return
			}
			httpError(w, http.StatusInternalServerError, "stage_error", "optimization failed: %v", err)
			return
		}

		urls := storage.URLBundle(res.Bundle)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":                res.Bundle.OptimizedGLB != "",
			"optimized_model_url":    urls.OptimizedGLB,
			"stresses_url":           urls.Stresses,
			"stresses_optimized_url": urls.StressesOptimized,
			"message":                res.Message,
		})
	}
}

func handleFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folder := filepath.Base(chi.URLParam(r, "folder"))
		filename := filepath.Base(chi.URLParam(r, "filename"))

		path := filepath.Join(deps.Store.ModelsDir(), folder, filename)
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			httpError(w, http.StatusNotFound, "not_found", "file not found")
			return
		}
		http.ServeFile(w, r, path)
	}
}

func handleListGenerations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		generations, err := deps.Store.ListGenerations(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list generations: %v", err)
			return
		}
		if generations == nil {
			generations = []storage.Generation{}
		}
		writeJSON(w, http.StatusOK, generations)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleLoadModel(deps Deps) http.HandlerFunc {
	type request struct {
		ModelID string `json:"model_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ModelID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model_id is required")
			return
		}
		if !deps.Session.Available(r.Context()) {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "segmentation subsystem is not available")
			return
		}

		release := acquireAccel(w, r, deps)
		if release == nil {
			return
		}
		defer release()

		folder := deps.Store.GenerationFolder(req.ModelID)
		info, err := deps.Session.Load(req.ModelID, folder)
		if err != nil {
			// Missing models are an expected interactive condition, not a
			// server fault.
			writeJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"error":   err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"model_id":   info.ModelID,
			"num_points": info.NumPoints,
			"glb_path":   storage.RelativeURL(info.GLBPath),
		})
	}
}

func handleClearPrompts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.Clear(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handleGetPointCloud(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		modelID, points, colors, err := deps.Session.PointCloud()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"model_id":   modelID,
			"points":     points,
			"colors":     colors,
			"num_points": len(points),
		})
	}
}

func handleSegment(deps Deps) http.HandlerFunc {
	type request struct {
		X           *float32 `json:"x"`
		Y           *float32 `json:"y"`
		Z           *float32 `json:"z"`
		PromptLabel int      `json:"prompt_label"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !deps.Session.Available(r.Context()) {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "segmentation subsystem is not available")
			return
		}

		var position *[3]float32
		if req.X != nil && req.Y != nil && req.Z != nil {
			position = &[3]float32{*req.X, *req.Y, *req.Z}
		}

		res, err := deps.Session.Click(r.Context(), position, req.PromptLabel)
		if err != nil {
			switch {
			case errors.Is(err, segment.ErrSegmentTooSmall), errors.Is(err, segment.ErrNoSession):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "segmentation failed: %v", err)
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"segment": map[string]any{
				"points": res.SegmentPoints,
				"colors": res.SegmentColors,
			},
			"mask":         res.Mask,
			"total_points": res.TotalPoints,
			"model_id":     res.ModelID,
		})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"message": "InstructMesh backend is running",
			"version": deps.Version,
		})
	}
}

func handleInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "instructmesh",
			"version": deps.Version,
			"endpoints": []string{
				"POST /generate",
				"POST /generate_from_text",
				"POST /generate_from_image",
				"POST /optimize/{generation_id}",
				"GET /files/{folder}/{filename}",
				"GET /generations",
				"GET /runs",
				"POST /load_3d_model",
				"POST /clear_3d_prompts",
				"GET /get_pointcloud",
				"POST /segment_3d_model",
				"GET /health",
			},
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
