package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdougie/remaster/internal/config"
	"github.com/bdougie/remaster/internal/models"
	"github.com/bdougie/remaster/internal/registry"
)

// Built-in model descriptors.
var (
	ESRGAN = models.ModelDescriptor{
		ID:          "esrgan",
		Weights:     "RealESRGAN_x4plus",
		Scale:       4,
		ColorDepth:  8,
		Description: "General purpose 4x (photos, real content)",
	}
	ESRGANAnime = models.ModelDescriptor{
		ID:          "esrgan_anime",
		Weights:     "RealESRGAN_x4plus_anime_6B",
		Scale:       4,
		ColorDepth:  8,
		Description: "Anime and cartoon 4x",
	}
	Bicubic = models.ModelDescriptor{
		ID:          "bicubic",
		Scale:       2,
		ColorDepth:  8,
		Description: "Catmull-Rom resampling with sharpening, no weights",
	}
)

// Options selects and configures the backend used by the ESRGAN models.
type Options struct {
	Backend config.Backend
	Process ProcessOptions
}

// OptionsFromConfig builds Options from loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Backend: cfg.Models.Backend,
		Process: ProcessOptions{
			Executable:     cfg.Models.Executable,
			ModelsDir:      cfg.Paths.ModelsDir,
			GPUID:          cfg.Models.GPUID,
			TileSize:       cfg.Models.TileSize,
			Timeout:        cfg.Models.Timeout,
			BreakerTimeout: cfg.Models.BreakerTimeout,
		},
	}
}

// Register adds the built-in models to r.
func Register(r *registry.Registry, opts Options, logger *slog.Logger) error {
	esrgan := esrganFactory(opts, logger)
	for _, d := range []models.ModelDescriptor{ESRGAN, ESRGANAnime} {
		if err := r.Register(d, esrgan); err != nil {
			return err
		}
	}
	return r.Register(Bicubic, func(context.Context, models.ModelDescriptor) (registry.Capability, error) {
		return Resampler{}, nil
	})
}

func esrganFactory(opts Options, logger *slog.Logger) registry.Factory {
	return func(ctx context.Context, d models.ModelDescriptor) (registry.Capability, error) {
		switch opts.Backend {
		case config.BackendResample:
			return Resampler{}, nil
		case config.BackendProcess:
			return NewProcess(opts.Process, d, logger)
		case config.BackendAuto, "":
			p, err := NewProcess(opts.Process, d, logger)
			if err != nil {
				logger.Warn("model executable unavailable, using resampler", "model", d.ID, "error", err)
				return Resampler{}, nil
			}
			return p, nil
		default:
			return nil, fmt.Errorf("%w: unknown backend %q", models.ErrModelLoad, opts.Backend)
		}
	}
}
