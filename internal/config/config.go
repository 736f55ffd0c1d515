package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/slothify/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Models     Models     `json:"models"`
	Upscale    Upscale    `json:"upscale"`
	Enhance    Enhance    `json:"enhance"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers int    `json:"workers"`
	TempDir string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Models locates the cached model artifacts and their download sources.
// Empty URLs fall back to the published release assets.
type Models struct {
	Dir             string `json:"dir"`
	RealesrganZip   string `json:"realesrgan_zip_url"`
	BirefnetURL     string `json:"birefnet_url"`
	GFPGANURL       string `json:"gfpgan_url"`
	FaceCascadeURL  string `json:"face_cascade_url"`
	OnnxRuntimeLib  string `json:"onnxruntime_lib"`
	DisableFaces    bool   `json:"disable_faces"`
	DisableUpscaler bool   `json:"disable_upscaler"`
}

// Upscale configures the Real-ESRGAN subprocess.
type Upscale struct {
	Model          string `json:"model"`
	Scale          int    `json:"scale"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	GPU            int    `json:"gpu"`
	Threads        string `json:"threads"` // load:proc:save spec, e.g. 1:1:1
}

// Enhance configures the CLAHE enhancement stage.
type Enhance struct {
	ClipLimit float64 `json:"clip_limit"`
	TileSize  int     `json:"tile_size"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("SLOTHIFY_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings no component can honor.
func (c *Config) Validate() error {
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be >= 1, got %d", c.Processing.Workers)
	}
	if c.Upscale.Scale < 1 {
		return fmt.Errorf("upscale.scale must be >= 1, got %d", c.Upscale.Scale)
	}
	if c.Upscale.TimeoutSeconds < 1 {
		return fmt.Errorf("upscale.timeout_seconds must be >= 1, got %d", c.Upscale.TimeoutSeconds)
	}
	if c.Enhance.ClipLimit <= 0 {
		return fmt.Errorf("enhance.clip_limit must be > 0, got %g", c.Enhance.ClipLimit)
	}
	if c.Enhance.TileSize < 2 {
		return fmt.Errorf("enhance.tile_size must be >= 2, got %d", c.Enhance.TileSize)
	}
	return nil
}

func defaultConfig() *Config {
	modelsDir := filepath.Join(userDataDir(), "slothify", "models")
	return &Config{
		Processing: Processing{
			Workers: defaultParallel,
			TempDir: os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./slothified",
			DatabasePath:  filepath.Join(userDataDir(), "slothify", "slothify.db"),
		},
		Models: Models{
			Dir: modelsDir,
		},
		Upscale: Upscale{
			Model:          "realesrgan-x4plus",
			Scale:          4,
			TimeoutSeconds: 900,
			GPU:            0,
			Threads:        "1:1:1",
		},
		Enhance: Enhance{
			ClipLimit: 1.0,
			TileSize:  4,
		},
	}
}

func userDataDir() string {
	if runtime.GOOS == "windows" {
		if d := os.Getenv("LOCALAPPDATA"); d != "" {
			return d
		}
	}
	if d, err := os.UserHomeDir(); err == nil {
		return filepath.Join(d, ".local", "share")
	}
	return os.TempDir()
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
