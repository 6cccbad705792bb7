package pointsam

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

// Client communicates with a local Point-SAM worker over HTTP. The worker is
// stateless: every call carries the full point cloud and accumulated prompt
// history, and the previous mask when one exists.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given worker base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
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

// PredictRequest is the JSON body for POST /api/predict. Points, colors, and
// prompts are in the session's normalized coordinate space.
type PredictRequest struct {
	Points       [][3]float32 `json:"points"`
	Colors       [][3]float32 `json:"colors"`
	PromptPoints [][3]float32 `json:"prompt_points"`
	PromptLabels []int        `json:"prompt_labels"`
	MaskSeed     []float32    `json:"mask_seed,omitempty"`
	FirstClick   bool         `json:"first_click"`
}

// MaskCandidate is one predicted mask with its quality score. Mask holds
// per-point logits; a point belongs to the segment when its logit is > 0.
type MaskCandidate struct {
	Mask []float32 `json:"mask"`
	IoU  float64   `json:"iou"`
}

type predictResponse struct {
	Candidates []MaskCandidate `json:"candidates"`
}

// PredictMasks runs the network over the accumulated prompt history and
// returns all candidate masks with their predicted IoU scores.
func (c *Client) PredictMasks(ctx context.Context, req PredictRequest) ([]MaskCandidate, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling predict request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/predict", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating predict request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("requesting segmentation worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("segmentation worker returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding predict response: %w", err)
	}
	if len(pr.Candidates) == 0 {
		return nil, fmt.Errorf("segmentation worker returned no mask candidates")
	}
	return pr.Candidates, nil
}
