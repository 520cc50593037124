package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/models"
)

const framePattern = "frame_%06d.png"

// ExtractFrames writes every interval-th frame of videoPath as a PNG into
// outputDir/<video name>/ and returns the number written. Existing frames
// are left alone and extraction is skipped.
func (c *Codec) ExtractFrames(ctx context.Context, videoPath, outputDir string, interval int) (int, error) {
	if interval < 1 {
		return 0, fmt.Errorf("%w: interval must be at least 1", models.ErrInvalidInput)
	}

	videoName := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	frameDir := filepath.Join(outputDir, videoName)

	if existing, err := listFrames(frameDir); err == nil && len(existing) > 0 {
		c.logger.Info("frames already extracted, skipping", "dir", frameDir, "frames", len(existing))
		return len(existing), nil
	}
	if err := os.MkdirAll(frameDir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create frame directory %s: %v", models.ErrIO, frameDir, err)
	}

	reader, meta, err := c.Decode(ctx, videoPath)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	c.logger.Info("extracting frames", "video", videoPath, "dir", frameDir, "interval", interval, "frames", meta.FrameCount)

	written := 0
	for {
		f, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, err
		}
		if f.Index%interval != 0 {
			continue
		}
		name := filepath.Join(frameDir, fmt.Sprintf(framePattern, f.Index))
		if _, err := imaging.Encode(name, f.Image, imaging.FormatPNG); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// AssembleFrames encodes the PNG frames in dir, in name order, into a video
// at the given rational frame rate.
func (c *Codec) AssembleFrames(ctx context.Context, dir, frameRate, outputPath string) (int, error) {
	frames, err := listFrames(dir)
	if err != nil {
		return 0, fmt.Errorf("%w: read frame directory %s: %v", models.ErrInvalidInput, dir, err)
	}
	if len(frames) == 0 {
		return 0, fmt.Errorf("%w: no frames in %s", models.ErrInvalidInput, dir)
	}

	w, err := c.Encode(ctx, Metadata{FrameRate: frameRate, FrameCount: len(frames)}, outputPath)
	if err != nil {
		return 0, err
	}
	for i, name := range frames {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return i, err
		}
		img, _, err := imaging.Decode(filepath.Join(dir, name))
		if err != nil {
			w.Abort()
			return i, &models.FrameProcessingError{Index: i, Err: err}
		}
		if err := w.Write(models.Frame{Index: i, Image: img}); err != nil {
			w.Abort()
			return i, &models.FrameProcessingError{Index: i, Err: err}
		}
	}
	if err := w.Close(); err != nil {
		return len(frames), err
	}
	return len(frames), nil
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var frames []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".png") && !strings.HasPrefix(e.Name(), ".") {
			frames = append(frames, e.Name())
		}
	}
	sort.Strings(frames)
	return frames, nil
}
