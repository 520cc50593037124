package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad backend", func(c *Config) { c.Models.Backend = "gpu" }, "Backend"},
		{"zero concurrency", func(c *Config) { c.Batch.Concurrency = 0 }, "Concurrency"},
		{"scale too large", func(c *Config) { c.Enhance.Scale = 32 }, "Scale"},
		{"negative scale", func(c *Config) { c.Enhance.Scale = -1 }, "Scale"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "Level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "Format"},
		{"empty model", func(c *Config) { c.Enhance.Model = "" }, "Model"},
		{"crf out of range", func(c *Config) { c.FFmpeg.CRF = 60 }, "CRF"},
		{"zero timeout", func(c *Config) { c.Models.Timeout = 0 }, "models.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remaster.yaml")
	yaml := `
enhance:
  model: esrgan_anime
  scale: 2
batch:
  concurrency: 6
models:
  timeout: 90s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("REMASTER_BATCH__CONCURRENCY", "3")
	t.Setenv("REMASTER_LOGGING__LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Enhance.Model != "esrgan_anime" {
		t.Errorf("Model = %q, want file value", cfg.Enhance.Model)
	}
	if cfg.Enhance.Scale != 2 {
		t.Errorf("Scale = %d, want 2", cfg.Enhance.Scale)
	}
	if cfg.Batch.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want env override 3", cfg.Batch.Concurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Models.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", cfg.Models.Timeout)
	}
	if cfg.FFmpeg.FFmpegPath != "ffmpeg" {
		t.Errorf("FFmpegPath = %q, want default", cfg.FFmpeg.FFmpegPath)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvTransform(t *testing.T) {
	tests := map[string]string{
		"REMASTER_BATCH__CONCURRENCY":   "batch.concurrency",
		"REMASTER_PATHS__OUTPUT_DIR":    "paths.output_dir",
		"REMASTER_SERVER__RATE_WINDOW":  "server.rate_window",
		"REMASTER_CONFIG":               "",
	}
	for in, want := range tests {
		if got := envTransform(in); got != want {
			t.Errorf("envTransform(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPathFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "a.yaml", "in.png"}, "a.yaml"},
		{[]string{"--config=b.yaml"}, "b.yaml"},
		{[]string{"-model", "esrgan", "in.png"}, ""},
		{[]string{"config", "x"}, ""},
	}
	for _, tt := range tests {
		if got := PathFromArgs(tt.args); got != tt.want {
			t.Errorf("PathFromArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batch.MaxConcurrency = 3
	if got := cfg.ConcurrencyCap(); got != 3 {
		t.Errorf("ConcurrencyCap = %d, want 3", got)
	}
	cfg.Batch.MaxConcurrency = 0
	if got := cfg.ConcurrencyCap(); got < 1 {
		t.Errorf("ConcurrencyCap = %d, want >= 1", got)
	}
}
