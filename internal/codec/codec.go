package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/bdougie/remaster/internal/config"
	"github.com/bdougie/remaster/internal/models"
)

// FrameReader yields decoded frames in strictly increasing index order. It
// returns io.EOF once the stream is exhausted and cannot be restarted.
type FrameReader interface {
	Next() (models.Frame, error)
	Close() error
}

// FrameWriter accepts frames in index order and finalizes the output on
// Close. Abort discards everything written so far.
type FrameWriter interface {
	Write(models.Frame) error
	Close() error
	Abort()
	Frames() int
}

// ErrMissingBinary is returned by Check when ffmpeg or ffprobe is absent.
var ErrMissingBinary = errors.New("required binary not found")

// Options configures the ffmpeg invocations.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	CRF         int
	Preset      string
	PixFmt      string
}

// OptionsFromConfig builds Options from loaded configuration.
func OptionsFromConfig(cfg config.FFmpegConfig) Options {
	return Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		CRF:         cfg.CRF,
		Preset:      cfg.Preset,
		PixFmt:      cfg.PixFmt,
	}
}

// Codec decodes and encodes video through ffmpeg subprocesses.
type Codec struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Codec {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.PixFmt == "" {
		opts.PixFmt = "yuv420p"
	}
	return &Codec{opts: opts, logger: logger}
}

// Check verifies that ffmpeg and ffprobe are reachable.
func (c *Codec) Check() error {
	for _, bin := range []string{c.opts.FFmpegPath, c.opts.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingBinary, bin)
		}
	}
	return nil
}
