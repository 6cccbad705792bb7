package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "IMESH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "trellis.base_url", typ: kString, env: "IMESH_TRELLIS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Trellis.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Trellis.BaseURL },
	},
	{
		key: "pointsam.base_url", typ: kString, env: "IMESH_POINTSAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.PointSAM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.PointSAM.BaseURL },
	},
	{
		key: "imagen.base_url", typ: kString, env: "IMESH_IMAGEN_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Imagen.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Imagen.BaseURL },
	},
	{
		key: "imagen.api_key", typ: kString, env: "IMESH_FAL_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Imagen.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Imagen.APIKey },
	},
	{
		key: "imagen.model", typ: kString, env: "IMESH_IMAGEN_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Imagen.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Imagen.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "IMESH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "segmentation.sample_points", typ: kInt, env: "IMESH_SEGMENTATION_SAMPLE_POINTS",
		apply:   func(cfg *Config, v any) { cfg.Segmentation.SamplePoints = v.(int) },
		extract: func(cfg Config) any { return cfg.Segmentation.SamplePoints },
	},
	{
		key: "log.level", typ: kString, env: "IMESH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
