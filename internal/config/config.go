package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/bdougie/remaster/internal/validation"
)

// Backend selects how ESRGAN-family models are executed.
type Backend string

const (
	// BackendAuto uses the external executable when it is on PATH and
	// falls back to the built-in resampler otherwise.
	BackendAuto     Backend = "auto"
	BackendProcess  Backend = "process"
	BackendResample Backend = "resample"
)

// Config is the full runtime configuration
type Config struct {
	Paths   PathsConfig   `koanf:"paths"`
	Enhance EnhanceConfig `koanf:"enhance"`
	Batch   BatchConfig   `koanf:"batch"`
	Models  ModelsConfig  `koanf:"models"`
	FFmpeg  FFmpegConfig  `koanf:"ffmpeg"`
	Storage StorageConfig `koanf:"storage"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

type PathsConfig struct {
	OutputDir string `koanf:"output_dir" validate:"required"`
	UploadDir string `koanf:"upload_dir" validate:"required"`
	ModelsDir string `koanf:"models_dir" validate:"required"`
}

type EnhanceConfig struct {
	Model string `koanf:"model" validate:"required"`
	// Scale 0 means the model's native factor.
	Scale        int  `koanf:"scale" validate:"gte=0,lte=16"`
	MaxImageSize int  `koanf:"max_image_size" validate:"gte=0"`
	Stabilize    bool `koanf:"stabilize"`
}

type BatchConfig struct {
	Concurrency int `koanf:"concurrency" validate:"gte=1"`
	// MaxConcurrency caps Concurrency; 0 means runtime.NumCPU().
	MaxConcurrency int    `koanf:"max_concurrency" validate:"gte=0"`
	Recursive      bool   `koanf:"recursive"`
	SkipExisting   bool   `koanf:"skip_existing"`
	ReportPath     string `koanf:"report_path"`
}

type ModelsConfig struct {
	Backend        Backend       `koanf:"backend" validate:"oneof=auto process resample"`
	Executable     string        `koanf:"executable" validate:"required"`
	GPUID          int           `koanf:"gpu_id"`
	TileSize       int           `koanf:"tile_size" validate:"gte=0"`
	Timeout        time.Duration `koanf:"timeout"`
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`
}

type FFmpegConfig struct {
	FFmpegPath  string `koanf:"ffmpeg_path" validate:"required"`
	FFprobePath string `koanf:"ffprobe_path" validate:"required"`
	CRF         int    `koanf:"crf" validate:"gte=0,lte=51"`
	Preset      string `koanf:"preset"`
	PixFmt      string `koanf:"pix_fmt" validate:"required"`
}

type StorageConfig struct {
	PostgresDSN string `koanf:"postgres_dsn"`
	JobsDir     string `koanf:"jobs_dir" validate:"required"`
	FlushBatch  int    `koanf:"flush_batch" validate:"gte=1"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	MaxUploadBytes  int64         `koanf:"max_upload_bytes" validate:"gte=1"`
	RateLimit       int           `koanf:"rate_limit" validate:"gte=0"`
	RateWindow      time.Duration `koanf:"rate_window"`
	Workers         int           `koanf:"workers" validate:"gte=1"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `koanf:"level" validate:"oneof=debug info warn error"`
	Format  string `koanf:"format" validate:"oneof=console json"`
	NoColor bool   `koanf:"no_color"`
}

// DefaultConfig returns the built-in defaults. Every other layer overrides
// these.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			OutputDir: "output",
			UploadDir: "uploads",
			ModelsDir: "models",
		},
		Enhance: EnhanceConfig{
			Model:        "esrgan",
			Scale:        0,
			MaxImageSize: 4096,
		},
		Batch: BatchConfig{
			Concurrency: 2,
		},
		Models: ModelsConfig{
			Backend:        BackendAuto,
			Executable:     "realesrgan-ncnn-vulkan",
			GPUID:          -1,
			Timeout:        5 * time.Minute,
			BreakerTimeout: time.Minute,
		},
		FFmpeg: FFmpegConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			CRF:         18,
			Preset:      "medium",
			PixFmt:      "yuv420p",
		},
		Storage: StorageConfig{
			JobsDir:    "data/jobs",
			FlushBatch: 10,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            5000,
			MaxUploadBytes:  100 << 20,
			RateLimit:       60,
			RateWindow:      time.Minute,
			Workers:         1,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Models.Timeout <= 0 {
		return fmt.Errorf("invalid config: models.timeout must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid config: server.shutdown_timeout must be positive")
	}
	return nil
}

// ConcurrencyCap returns the effective upper bound on batch workers.
func (c *Config) ConcurrencyCap() int {
	if c.Batch.MaxConcurrency > 0 {
		return c.Batch.MaxConcurrency
	}
	return runtime.NumCPU()
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
