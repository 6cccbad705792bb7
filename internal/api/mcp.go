package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/pipeline"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The accelerator semaphore
// is shared with the HTTP surface so agent-triggered jobs serialize with
// interactive ones.
type MCPDeps struct {
	Deps
}

// NewMCPServer creates an MCP server exposing the generation and
// optimization pipeline as agent tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"instructmesh",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("instructmesh — text/image to 3D generation with physics-based structural optimization."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_3d_from_text",
			mcp.WithDescription("Generate a textured 3D model (OBJ/GLB/PLY) from a text prompt."),
			mcp.WithString("prompt", mcp.Description("Text description of the object to generate"), mcp.Required()),
			mcp.WithNumber("seed", mcp.Description("Random seed (default 1)")),
		),
		mcpGenerateFromText(deps),
	)

	s.AddTool(
		mcp.NewTool("optimize_model",
			mcp.WithDescription("Run physics-based structural optimization over a previous generation. Requires the generation's sparse-latent bundle."),
			mcp.WithString("generation_id", mcp.Description("Id of the generation to optimize"), mcp.Required()),
		),
		mcpOptimize(deps),
	)

	s.AddTool(
		mcp.NewTool("list_generations",
			mcp.WithDescription("List recent generations with their ids and prompts."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListGenerations(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"instructmesh://runs",
			"Recent Runs",
			mcp.WithResourceDescription("Last 20 generation and optimization runs with their status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRuns(deps),
	)

	return s
}

func mcpGenerateFromText(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		seed := req.GetInt("seed", 1)

		if deps.Accel != nil {
			if err := deps.Accel.Acquire(ctx, 1); err != nil {
				return mcpError(fmt.Sprintf("accelerator busy: %v", err)), nil
			}
			defer deps.Accel.Release(1)
		}

		res, err := deps.Generator.Generate(ctx, pipeline.GenerateRequest{
			Prompt:   prompt,
			Seed:     seed,
			Strategy: pipeline.StrategyDirect,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		urls := storage.URLBundle(res.Default)
		b, err := json.Marshal(map[string]any{
			"generation_id": res.Generation.ID,
			"model_url":     urls.MeshGLB,
			"files": map[string]string{
				"glb":  urls.MeshGLB,
				"obj":  urls.MeshOBJ,
				"ply":  urls.GaussianPLY,
				"slat": urls.Slat,
			},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpOptimize(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		generationID, err := req.RequireString("generation_id")
		if err != nil {
			return mcpError("generation_id is required"), nil
		}

		if deps.Accel != nil {
			if err := deps.Accel.Acquire(ctx, 1); err != nil {
				return mcpError(fmt.Sprintf("accelerator busy: %v", err)), nil
			}
			defer deps.Accel.Release(1)
		}

		res, err := deps.Optimizer.Optimize(ctx, generationID)
		if err != nil {
			var pre *pipeline.PreconditionError
			if errors.As(err, &pre) {
				return mcpError(fmt.Sprintf("cannot optimize %s: %v", generationID, pre)), nil
			}
			return mcpError(fmt.Sprintf("optimization failed: %v", err)), nil
		}

		urls := storage.URLBundle(res.Bundle)
		b, err := json.Marshal(map[string]any{
			"generation_id":          res.GenerationID,
			"optimized_model_url":    urls.OptimizedGLB,
			"stresses_url":           urls.Stresses,
			"stresses_optimized_url": urls.StressesOptimized,
			"message":                res.Message,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListGenerations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		generations, err := deps.Store.ListGenerations(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list generations: %v", err)), nil
		}
		if len(generations) == 0 {
			return mcpText("[]"), nil
		}

		type genResult struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Source    string `json:"source"`
			Prompt    string `json:"prompt,omitempty"`
			Seed      int    `json:"seed"`
		}
		results := make([]genResult, len(generations))
		for i, g := range generations {
			results[i] = genResult{
				ID:        g.ID,
				CreatedAt: g.CreatedAt.Format(time.RFC3339),
				Source:    g.Source,
				Prompt:    g.Prompt,
				Seed:      g.Seed,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRuns(20)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}

		type runSummary struct {
			ID           string `json:"id"`
			Kind         string `json:"kind"`
			GenerationID string `json:"generation_id"`
			Status       string `json:"status"`
			Error        string `json:"error,omitempty"`
			StartedAt    string `json:"started_at"`
		}
		summaries := make([]runSummary, len(runs))
		for i, r := range runs {
			summaries[i] = runSummary{
				ID:           r.ID,
				Kind:         r.Kind,
				GenerationID: r.GenerationID,
				Status:       r.Status,
				Error:        r.Error,
				StartedAt:    r.StartedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
