package imagen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// promptPrefix steers the image model toward a clean single-object render
// suitable as 3D-generation input.
const promptPrefix = "Generate only the following object without context: "

// Client talks to a Fal-style image generation service: local input images
// are uploaded to its storage first, then a generation request is submitted
// with the resulting public URLs.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New creates a Client for the given service base URL, API key, and model
// identifier (for example "fal-ai/nano-banana/edit").
func New(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// ensureImageURLs returns public URLs for the given inputs. Entries that are
// already URLs or data URIs pass through; local paths are uploaded
// concurrently.
func (c *Client) ensureImageURLs(ctx context.Context, inputs []string) ([]string, error) {
	urls := make([]string, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, item := range inputs {
		if strings.HasPrefix(item, "http://") || strings.HasPrefix(item, "https://") || strings.HasPrefix(item, "data:") {
			urls[i] = item
			continue
		}
		g.Go(func() error {
			u, err := c.upload(gctx, item)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", filepath.Base(item), err)
			}
			urls[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

type uploadResponse struct {
	URL string `json:"url"`
}

func (c *Client) upload(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/storage/upload", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Fal-File-Name", filepath.Base(path))
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload returned status %d", resp.StatusCode)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	return ur.URL, nil
}

type subscribeRequest struct {
	Prompt    string   `json:"prompt"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

type subscribeResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// GenerateImage submits the prompt (plus any reference images) and returns
// the URL of the first generated image.
func (c *Client) GenerateImage(ctx context.Context, prompt string, imageInputs []string) (string, error) {
	imageURLs, err := c.ensureImageURLs(ctx, imageInputs)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(subscribeRequest{
		Prompt:    promptPrefix + prompt,
		ImageURLs: imageURLs,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting image generation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return "", fmt.Errorf("image generation returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var sr subscribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(sr.Images) == 0 || sr.Images[0].URL == "" {
		return "", fmt.Errorf("image generation returned no images")
	}
	return sr.Images[0].URL, nil
}

// Download fetches url into destDir as generated_image.<ext>, picking the
// extension from the response content type. Returns the saved path.
func (c *Client) Download(ctx context.Context, url, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("User-Agent", "InstructMesh-Backend/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	ext := ".png"
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "jpeg") || strings.Contains(ct, "jpg") {
		ext = ".jpg"
	}

	path := filepath.Join(destDir, "generated_image"+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating image file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("writing image file: %w", err)
	}
	return path, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}
}
