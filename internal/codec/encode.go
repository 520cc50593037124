package codec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/metrics"
	"github.com/bdougie/remaster/internal/models"
)

// Encode prepares a writer for outputPath. ffmpeg is started on the first
// Write, once the frame size is known. The source frame rate is reused
// exactly and meta.Audio, when set, is stream-copied from its source file.
func (c *Codec) Encode(ctx context.Context, meta Metadata, outputPath string) (FrameWriter, error) {
	ext := strings.ToLower(filepath.Ext(outputPath))
	if !imaging.IsVideoExt(ext) {
		return nil, fmt.Errorf("%w: output container %q", models.ErrUnsupportedFormat, ext)
	}
	if parseRate(meta.FrameRate) <= 0 {
		return nil, fmt.Errorf("%w: frame rate %q", models.ErrInvalidInput, meta.FrameRate)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output directory: %v", models.ErrIO, err)
	}
	return &frameWriter{ctx: ctx, codec: c, meta: meta, output: outputPath, ext: ext}, nil
}

type frameWriter struct {
	ctx    context.Context
	codec  *Codec
	meta   Metadata
	output string
	ext    string

	tmp    string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	width  int
	height int
	count  int
	closed bool
}

func (w *frameWriter) Frames() int { return w.count }

func (w *frameWriter) Write(f models.Frame) error {
	if w.closed {
		return fmt.Errorf("write frame %d: writer closed", f.Index)
	}
	if f.Index != w.count {
		return fmt.Errorf("write frame %d: expected frame %d", f.Index, w.count)
	}
	if f.Image == nil {
		return fmt.Errorf("%w: frame %d has no image", models.ErrInvalidInput, f.Index)
	}
	b := f.Image.Bounds()
	if w.cmd == nil {
		if err := w.start(b.Dx(), b.Dy()); err != nil {
			return err
		}
	}
	if b.Dx() != w.width || b.Dy() != w.height {
		return fmt.Errorf("%w: frame %d is %dx%d, stream is %dx%d",
			models.ErrInvalidInput, f.Index, b.Dx(), b.Dy(), w.width, w.height)
	}

	img := imaging.Normalize(f.Image)
	rowBytes := w.width * 4
	for y := 0; y < w.height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+rowBytes]
		if _, err := w.stdin.Write(row); err != nil {
			return w.fail(fmt.Errorf("write frame %d: %v", f.Index, err))
		}
	}
	w.count++
	metrics.FramesProcessed.Inc()
	return nil
}

func (w *frameWriter) start(width, height int) error {
	tmp, err := os.CreateTemp(filepath.Dir(w.output), ".remaster-*"+w.ext)
	if err != nil {
		return fmt.Errorf("%w: create temp output: %v", models.ErrIO, err)
	}
	tmp.Close()
	w.tmp = tmp.Name()
	w.width, w.height = width, height

	args := w.codec.encodeArgs(w.meta, width, height, w.ext, w.tmp)
	w.cmd = exec.CommandContext(w.ctx, w.codec.opts.FFmpegPath, args...)
	w.stderr = &bytes.Buffer{}
	w.cmd.Stderr = w.stderr
	w.stdin, err = w.cmd.StdinPipe()
	if err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("%w: encoder pipe: %v", models.ErrIO, err)
	}
	if err := w.cmd.Start(); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("%w: start ffmpeg: %v", models.ErrIO, err)
	}
	w.codec.logger.Debug("encoding video", "output", w.output, "size", fmt.Sprintf("%dx%d", width, height),
		"fps", w.meta.FrameRate, "audio", w.meta.Audio != nil)
	return nil
}

// encodeArgs builds the ffmpeg command line for a raw RGBA pipe input.
func (c *Codec) encodeArgs(meta Metadata, width, height int, ext, out string) []string {
	args := []string{
		"-y", "-v", "error", "-nostdin",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-framerate", meta.FrameRate,
		"-i", "pipe:0",
	}
	if meta.Audio != nil {
		args = append(args, "-i", meta.Audio.Source)
	}
	args = append(args, "-map", "0:v:0")
	if meta.Audio != nil {
		args = append(args, "-map", "1:"+strconv.Itoa(meta.Audio.Index), "-c:a", "copy")
	}

	switch ext {
	case ".avi":
		args = append(args, "-c:v", "mpeg4", "-q:v", "2")
	case ".wmv":
		args = append(args, "-c:v", "wmv2", "-q:v", "2")
	default:
		args = append(args, "-c:v", "libx264", "-crf", strconv.Itoa(c.opts.CRF))
		if c.opts.Preset != "" {
			args = append(args, "-preset", c.opts.Preset)
		}
	}
	if (width%2 != 0 || height%2 != 0) && strings.HasPrefix(c.opts.PixFmt, "yuv420") {
		args = append(args, "-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2")
	}
	args = append(args, "-pix_fmt", c.opts.PixFmt)
	if ext == ".mp4" || ext == ".mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, out)
}

func (w *frameWriter) fail(cause error) error {
	w.Abort()
	return fmt.Errorf("%w: encode %s: %v: %s", models.ErrIO, w.output, cause, strings.TrimSpace(w.stderr.String()))
}

// Close flushes the encoder and moves the finished file into place.
func (w *frameWriter) Close() error {
	if w.closed {
		return nil
	}
	if w.cmd == nil {
		w.closed = true
		return fmt.Errorf("%w: no frames written to %s", models.ErrInvalidInput, w.output)
	}
	w.closed = true

	if err := w.stdin.Close(); err != nil {
		_ = w.cmd.Wait()
		os.Remove(w.tmp)
		return fmt.Errorf("%w: close encoder input: %v", models.ErrIO, err)
	}
	if err := w.cmd.Wait(); err != nil {
		os.Remove(w.tmp)
		if ctxErr := w.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: ffmpeg encode %s: %v: %s", models.ErrIO, w.output, err, strings.TrimSpace(w.stderr.String()))
	}
	if err := os.Rename(w.tmp, w.output); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("%w: rename into %s: %v", models.ErrIO, w.output, err)
	}
	return nil
}

// Abort stops ffmpeg and removes the partial output.
func (w *frameWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	if w.cmd == nil {
		return
	}
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait()
	os.Remove(w.tmp)
}
