package trellis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client communicates with a local TRELLIS worker over HTTP. The worker owns
// the accelerator: it loads diffusion pipelines, runs generation and physics
// optimization, and writes artifacts directly into the output folders it is
// given.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given worker base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Generation and optimization are long-running; no client timeout.
		httpClient: &http.Client{Timeout: 0},
	}
}

// IsRunning returns true if the worker responds to GET /api/version with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// PipelineInfo describes a loaded pipeline instance on the worker.
type PipelineInfo struct {
	Kind          string `json:"kind"`
	Device        string `json:"device"`
	AlreadyLoaded bool   `json:"already_loaded"`
}

// LoadPipeline asks the worker to load the given pipeline kind onto the
// compute device. Loading an already-loaded kind is a no-op on the worker
// side and reports AlreadyLoaded.
func (c *Client) LoadPipeline(ctx context.Context, kind string) (PipelineInfo, error) {
	var info PipelineInfo
	err := c.post(ctx, "/api/pipelines/load", map[string]string{"kind": kind}, &info)
	if err != nil {
		return PipelineInfo{}, fmt.Errorf("loading %s pipeline: %w", kind, err)
	}
	return info, nil
}

// OffloadPipeline moves the given pipeline off the accelerator and drops the
// worker's reference to it.
func (c *Client) OffloadPipeline(ctx context.Context, kind string) error {
	if err := c.post(ctx, "/api/pipelines/offload", map[string]string{"kind": kind}, nil); err != nil {
		return fmt.Errorf("offloading %s pipeline: %w", kind, err)
	}
	return nil
}

// ReclaimMemory asks the worker to run garbage collection and release cached
// accelerator allocations. Safe to call with nothing loaded.
func (c *Client) ReclaimMemory(ctx context.Context) error {
	if err := c.post(ctx, "/api/memory/reclaim", struct{}{}, nil); err != nil {
		return fmt.Errorf("reclaiming accelerator memory: %w", err)
	}
	return nil
}

// GenerateRequest is the JSON body for POST /api/generate.
type GenerateRequest struct {
	Kind        string  `json:"kind"`
	Prompt      string  `json:"prompt,omitempty"`
	ImagePath   string  `json:"image_path,omitempty"`
	Seed        int     `json:"seed"`
	NumSamples  int     `json:"num_samples"`
	OutputDir   string  `json:"output_dir"`
	Simplify    float64 `json:"simplify"`
	TextureSize int     `json:"texture_size"`
}

// SampleFiles lists the files the worker wrote for one sample. GLB export is
// best-effort: on failure GLB is empty and GLBError carries the reason.
type SampleFiles struct {
	OBJ      string `json:"obj"`
	GLB      string `json:"glb,omitempty"`
	GLBError string `json:"glb_error,omitempty"`
	PLY      string `json:"ply"`
	Slat     string `json:"slat"`
}

// GenerateResponse mirrors the JSON returned by POST /api/generate.
type GenerateResponse struct {
	Samples []SampleFiles `json:"samples"`
}

// Generate runs the loaded pipeline of the requested kind and writes all
// sample artifacts (OBJ, GLB, PLY, sparse-latent bundle) into OutputDir.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var resp GenerateResponse
	if err := c.post(ctx, "/api/generate", req, &resp); err != nil {
		return GenerateResponse{}, fmt.Errorf("running %s pipeline: %w", req.Kind, err)
	}
	return resp, nil
}

// OptimizeRequest is the JSON body for POST /api/optimize.
type OptimizeRequest struct {
	SlatPath          string  `json:"slat_path"`
	OutputDir         string  `json:"output_dir"`
	BoundaryDirection string  `json:"boundary_direction"`
	BoundaryThreshold float64 `json:"boundary_threshold"`
	Simplify          float64 `json:"simplify"`
	TextureSize       int     `json:"texture_size"`
}

// OptimizeResponse mirrors the JSON returned by POST /api/optimize.
type OptimizeResponse struct {
	OptimizedGLB      string `json:"optimized_glb"`
	Stresses          string `json:"stresses,omitempty"`
	StressesOptimized string `json:"stresses_optimized,omitempty"`
	Message           string `json:"message"`
}

// Optimize loads the sparse-latent bundle, derives the simulation voxels,
// applies the boundary conditions, runs the physics optimizer, and exports
// the optimized GLB plus stress renders of the first and last trajectory
// states into OutputDir.
func (c *Client) Optimize(ctx context.Context, req OptimizeRequest) (OptimizeResponse, error) {
	var resp OptimizeResponse
	if err := c.post(ctx, "/api/optimize", req, &resp); err != nil {
		return OptimizeResponse{}, err
	}
	return resp, nil
}

// Error codes reported by the worker.
const (
	CodeSlatInvalid = "slat_invalid"
	CodeNumerical   = "numerical"
)

// Error is a structured failure reported by the worker.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type errorResponse struct {
	Error Error `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
			return &er.Error
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
