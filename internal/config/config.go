package config

// Config is the full runtime configuration. Values come from defaults, the
// JSON config file, and IMESH_* environment variables, in that order of
// precedence.
type Config struct {
	Server       ServerConfig
	Trellis      TrellisConfig
	PointSAM     PointSAMConfig
	Imagen       ImagenConfig
	Storage      StorageConfig
	Segmentation SegmentationConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port int
}

type TrellisConfig struct {
	BaseURL string
}

type PointSAMConfig struct {
	BaseURL string
}

// ImagenConfig points at the external image generation service used by the
// image-first strategy. An empty APIKey disables the strategy.
type ImagenConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

type SegmentationConfig struct {
	SamplePoints int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Trellis: TrellisConfig{
			BaseURL: "http://localhost:5000",
		},
		PointSAM: PointSAMConfig{
			BaseURL: "http://localhost:5001",
		},
		Imagen: ImagenConfig{
			BaseURL: "https://queue.fal.run",
			Model:   "fal-ai/nano-banana/edit",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Segmentation: SegmentationConfig{
			SamplePoints: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/instructmesh/config.json and applies IMESH_* environment
// overrides. Secrets (the image service API key) come from the environment
// only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
