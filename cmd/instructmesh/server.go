package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/api"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/config"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/imagen"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/pipeline"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/pointsam"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/segment"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/storage"
	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/trellis"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the instructmesh server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running instructmesh server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instructmesh system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "instructmesh.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "instructmesh version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice: probe the health endpoint before taking the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("instructmesh is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("instructmesh is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Probe the ML workers. The trellis worker is required; segmentation
	// degrades to 503 responses when its worker is down.
	trellisClient := trellis.New(cfg.Trellis.BaseURL)
	printStep("checking trellis worker at %s", cfg.Trellis.BaseURL)
	if !trellisClient.IsRunning(ctx) {
		printError("trellis worker is not reachable at %s", cfg.Trellis.BaseURL)
		return fmt.Errorf("trellis worker not running at %s", cfg.Trellis.BaseURL)
	}
	printSuccess("trellis worker is ready")

	pointsamClient := pointsam.New(cfg.PointSAM.BaseURL)
	if pointsamClient.IsRunning(ctx) {
		printSuccess("segmentation worker is ready")
	} else {
		printWarning("segmentation worker is not reachable at %s; segmentation endpoints will return 503", cfg.PointSAM.BaseURL)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Wire the pipeline stages over the workers.
	backend := pipeline.NewTrellisBackend(trellisClient)
	cache := pipeline.NewCache(backend)

	var imageGen pipeline.ImageGenerator
	if cfg.Imagen.APIKey != "" {
		imageGen = imagen.New(cfg.Imagen.BaseURL, cfg.Imagen.APIKey, cfg.Imagen.Model)
		slog.Info("image generation service enabled", "model", cfg.Imagen.Model)
	} else {
		slog.Warn("no image service API key configured; the /generate image-first route is disabled")
	}

	deps := api.Deps{
		Store:     store,
		Generator: pipeline.NewGenerateStage(store, cache, imageGen),
		Optimizer: pipeline.NewOptimizeStage(store, cache, backend),
		Session:   segment.NewManager(pointsamClient, cfg.Segmentation.SamplePoints),
		Accel:     semaphore.NewWeighted(1),
		Version:   version,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	// MCP server on stdio, sharing the accelerator semaphore with HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Deps: deps})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "instructmesh listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("instructmesh is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop instructmesh (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to instructmesh (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if trellis.New(cfg.Trellis.BaseURL).IsRunning(ctx) {
		printStatus("Trellis worker", "running at %s", cfg.Trellis.BaseURL)
	} else {
		printStatus("Trellis worker", "not running")
	}
	if pointsam.New(cfg.PointSAM.BaseURL).IsRunning(ctx) {
		printStatus("Segmentation worker", "running at %s", cfg.PointSAM.BaseURL)
	} else {
		printStatus("Segmentation worker", "not running")
	}

	if cfg.Imagen.APIKey != "" {
		printStatus("Image service", "%s", cfg.Imagen.Model)
	} else {
		printStatus("Image service", "disabled (no API key)")
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
