package enhancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bdougie/remaster/internal/codec"
	"github.com/bdougie/remaster/internal/models"
)

// FrameCodec decodes and re-encodes video streams. *codec.Codec satisfies it.
type FrameCodec interface {
	Decode(ctx context.Context, path string) (codec.FrameReader, codec.Metadata, error)
	Encode(ctx context.Context, meta codec.Metadata, outputPath string) (codec.FrameWriter, error)
}

// VideoOptions are per-video settings.
type VideoOptions struct {
	Scale     int
	Stabilize bool
	// Progress, if set, is called after each frame is handed to the encoder.
	Progress func(done, total int)
}

// VideoEnhancer enhances a video frame by frame.
type VideoEnhancer struct {
	images *ImageEnhancer
	codec  FrameCodec
	logger *slog.Logger
}

func NewVideoEnhancer(images *ImageEnhancer, c FrameCodec, logger *slog.Logger) *VideoEnhancer {
	return &VideoEnhancer{images: images, codec: c, logger: logger}
}

// Enhance decodes input, runs every frame through the model, optionally
// stabilizes, and encodes to output with the source frame rate and audio.
// The first failing frame aborts the whole video and no output is left
// behind. Cancellation is honoured between frames.
func (v *VideoEnhancer) Enhance(ctx context.Context, input, output, modelID string, opts VideoOptions) (string, error) {
	d, err := v.images.models.Descriptor(modelID)
	if err != nil {
		return "", err
	}
	scale, err := EffectiveScale(d, opts.Scale)
	if err != nil {
		return "", err
	}
	capability, err := v.images.models.Resolve(ctx, modelID)
	if err != nil {
		return "", err
	}

	reader, meta, err := v.codec.Decode(ctx, input)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	writer, err := v.codec.Encode(ctx, meta, output)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			writer.Abort()
		}
	}()

	write := func(f models.Frame) error {
		if err := writer.Write(f); err != nil {
			return &models.FrameProcessingError{Index: f.Index, Err: err}
		}
		return nil
	}
	sink := write
	var stab *Stabilizer
	if opts.Stabilize {
		stab = NewStabilizer(write)
		sink = stab.Push
	}

	v.logger.Info("enhancing video", "input", input, "frames", meta.FrameCount, "fps", meta.FrameRate,
		"model", d.ID, "scale", scale, "stabilize", opts.Stabilize, "audio", meta.Audio != nil)

	start := time.Now()
	decoded := 0
	nextLog := 10
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("enhance %s at frame %d: %w", input, decoded, err)
		}

		f, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("enhance %s at frame %d: %w", input, decoded, ctxErr)
			}
			return "", err
		}
		decoded++

		out, err := v.images.apply(ctx, capability, f.Image, scale)
		if err != nil {
			return "", &models.FrameProcessingError{Index: f.Index, Err: err}
		}
		if err := sink(models.Frame{Index: f.Index, Image: out}); err != nil {
			return "", err
		}

		if opts.Progress != nil {
			opts.Progress(decoded, meta.FrameCount)
		}
		if meta.FrameCount > 0 && decoded*100/meta.FrameCount >= nextLog {
			v.logger.Debug("video progress", "input", input, "frames", decoded, "total", meta.FrameCount)
			nextLog += 10
		}
	}

	if stab != nil {
		if err := stab.Flush(); err != nil {
			return "", err
		}
	}
	if writer.Frames() != decoded {
		return "", fmt.Errorf("encoded %d frames, decoded %d", writer.Frames(), decoded)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	committed = true

	v.logger.Info("video enhanced", "input", input, "output", output, "frames", decoded,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return output, nil
}
