package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		if s.env != "" {
			t.Setenv(s.env, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnvOverrides(t)

	cfg, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "absent.json")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Trellis.BaseURL != "http://localhost:5000" {
		t.Errorf("Trellis.BaseURL = %q", cfg.Trellis.BaseURL)
	}
	if cfg.PointSAM.BaseURL != "http://localhost:5001" {
		t.Errorf("PointSAM.BaseURL = %q", cfg.PointSAM.BaseURL)
	}
	if cfg.Imagen.Model != "fal-ai/nano-banana/edit" {
		t.Errorf("Imagen.Model = %q", cfg.Imagen.Model)
	}
	if cfg.Segmentation.SamplePoints != 10000 {
		t.Errorf("Segmentation.SamplePoints = %d, want 10000", cfg.Segmentation.SamplePoints)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestFileValues(t *testing.T) {
	clearEnvOverrides(t)

	path := writeTempConfig(t, `{
		"server.port": 9000,
		"trellis.base_url": "http://gpu-box:5000",
		"storage.data_dir": "/srv/instructmesh",
		"segmentation.sample_points": 4096
	}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Trellis.BaseURL != "http://gpu-box:5000" {
		t.Errorf("Trellis.BaseURL = %q", cfg.Trellis.BaseURL)
	}
	if cfg.Storage.DataDir != "/srv/instructmesh" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Segmentation.SamplePoints != 4096 {
		t.Errorf("Segmentation.SamplePoints = %d, want 4096", cfg.Segmentation.SamplePoints)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnvOverrides(t)

	path := writeTempConfig(t, `{"server.port": 9000}`)
	t.Setenv("IMESH_SERVER_PORT", "7777")
	t.Setenv("IMESH_FAL_API_KEY", "env-secret")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want env override 7777", cfg.Server.Port)
	}
	if cfg.Imagen.APIKey != "env-secret" {
		t.Errorf("Imagen.APIKey = %q, want env-secret", cfg.Imagen.APIKey)
	}
}

func TestBadIntInFile(t *testing.T) {
	clearEnvOverrides(t)

	path := writeTempConfig(t, `{"server.port": "not-a-number"}`)
	if _, err := loadWith(newFileBackend(path)); err == nil {
		t.Fatal("expected error for non-integer port")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Imagen.APIKey = "super-secret"

	for _, info := range ShowAll(cfg) {
		if strings.Contains(info.Value, "super-secret") {
			t.Errorf("secret leaked via %s", info.Key)
		}
	}
}

func TestSetKeyRejectsSecrets(t *testing.T) {
	if err := SetKey("imagen.api_key", "x"); err == nil {
		t.Error("expected error when setting a secret key")
	}
}

func TestSetKeyUnknown(t *testing.T) {
	if err := SetKey("nope.nothing", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}
