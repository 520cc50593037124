package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/metrics"
	"github.com/bdougie/remaster/internal/models"
)

// ProcessOptions configures an external Real-ESRGAN executable.
type ProcessOptions struct {
	Executable     string
	ModelsDir      string
	GPUID          int
	TileSize       int
	Timeout        time.Duration
	BreakerTimeout time.Duration
}

// Process runs a realesrgan-ncnn-vulkan compatible executable once per
// image through temp PNG files. It always runs at the model's native scale
// and resamples to the requested factor afterwards.
type Process struct {
	opts   ProcessOptions
	desc   models.ModelDescriptor
	bin    string
	logger *slog.Logger
	cb     *gobreaker.CircuitBreaker[*image.NRGBA]
}

// NewProcess checks that the executable and the model weights exist.
func NewProcess(opts ProcessOptions, d models.ModelDescriptor, logger *slog.Logger) (*Process, error) {
	bin, err := exec.LookPath(opts.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", models.ErrModelLoad, opts.Executable, err)
	}
	for _, ext := range []string{".param", ".bin"} {
		w := filepath.Join(opts.ModelsDir, d.Weights+ext)
		if _, err := os.Stat(w); err != nil {
			return nil, fmt.Errorf("%w: weights %s: %v", models.ErrModelLoad, w, err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}

	name := "model-" + d.ID
	metrics.BreakerState.WithLabelValues(name).Set(0)

	p := &Process{opts: opts, desc: d, bin: bin, logger: logger}
	p.cb = gobreaker.NewCircuitBreaker[*image.NRGBA](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("model backend breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return p, nil
}

func (p *Process) Apply(ctx context.Context, img *image.NRGBA, scale int) (*image.NRGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", models.ErrInvalidInput)
	}

	out, err := p.cb.Execute(func() (*image.NRGBA, error) {
		return p.run(ctx, img)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.BreakerRequests.WithLabelValues(p.cb.Name(), "rejected").Inc()
			return nil, fmt.Errorf("%w: %s backend unavailable: %v", models.ErrModelLoad, p.desc.ID, err)
		}
		metrics.BreakerRequests.WithLabelValues(p.cb.Name(), "failure").Inc()
		return nil, err
	}
	metrics.BreakerRequests.WithLabelValues(p.cb.Name(), "success").Inc()

	if scale == p.desc.Scale {
		return out, nil
	}
	b := img.Bounds()
	return resizeTo(out, b.Dx()*scale, b.Dy()*scale), nil
}

func (p *Process) run(ctx context.Context, img *image.NRGBA) (*image.NRGBA, error) {
	dir, err := os.MkdirTemp("", "remaster-model-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", models.ErrIO, err)
	}
	defer os.RemoveAll(dir)

	in, err := imaging.Encode(filepath.Join(dir, "in.png"), img, imaging.FormatPNG)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(dir, "out.png")

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	args := []string{
		"-i", in,
		"-o", out,
		"-m", p.opts.ModelsDir,
		"-n", p.desc.Weights,
		"-s", strconv.Itoa(p.desc.Scale),
		"-f", "png",
	}
	if p.opts.GPUID >= 0 {
		args = append(args, "-g", strconv.Itoa(p.opts.GPUID))
	}
	if p.opts.TileSize > 0 {
		args = append(args, "-t", strconv.Itoa(p.opts.TileSize))
	}

	cmd := exec.CommandContext(ctx, p.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", p.desc.ID, ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %v: %s", filepath.Base(p.bin), err, lastLine(stderr.String()))
	}
	p.logger.Debug("model pass complete", "model", p.desc.ID, "elapsed", time.Since(start))

	result, _, err := imaging.Decode(out)
	if err != nil {
		return nil, fmt.Errorf("read model output: %w", err)
	}
	return result, nil
}

func resizeTo(img *image.NRGBA, w, h int) *image.NRGBA {
	if img.Bounds().Dx() == w && img.Bounds().Dy() == h {
		return img
	}
	return imaging.FitExact(img, w, h)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
