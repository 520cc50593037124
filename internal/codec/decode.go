package codec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"

	"github.com/bdougie/remaster/internal/models"
)

var errReaderClosed = errors.New("frame reader closed")

// Decode probes path and starts streaming its frames as raw RGBA. Nothing is
// buffered beyond the frame being read.
func (c *Codec) Decode(ctx context.Context, path string) (FrameReader, Metadata, error) {
	meta, err := c.Probe(ctx, path)
	if err != nil {
		return nil, Metadata{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, c.opts.FFmpegPath,
		"-v", "error",
		"-nostdin",
		"-noautorotate",
		"-i", path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-fps_mode", "passthrough",
		"pipe:1",
	)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, Metadata{}, fmt.Errorf("%w: decoder pipe: %v", models.ErrIO, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, Metadata{}, fmt.Errorf("%w: start ffmpeg: %v", models.ErrIO, err)
	}

	c.logger.Debug("decoding video", "path", path, "frames", meta.FrameCount, "fps", meta.FrameRate,
		"size", fmt.Sprintf("%dx%d", meta.Width, meta.Height))

	return &frameReader{
		ctx:      ctx,
		cancel:   cancel,
		cmd:      cmd,
		stdout:   bufio.NewReaderSize(stdout, meta.Width*meta.Height*4),
		stderr:   stderr,
		path:     path,
		width:    meta.Width,
		height:   meta.Height,
		expected: meta.FrameCount,
	}, meta, nil
}

type frameReader struct {
	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *bytes.Buffer

	path     string
	width    int
	height   int
	expected int

	next int
	done bool
	err  error
}

func (r *frameReader) Next() (models.Frame, error) {
	if r.done {
		return models.Frame{}, r.err
	}

	img := image.NewNRGBA(image.Rect(0, 0, r.width, r.height))
	_, readErr := io.ReadFull(r.stdout, img.Pix)
	if readErr == nil {
		f := models.Frame{Index: r.next, Image: img}
		r.next++
		return f, nil
	}

	r.finish(readErr)
	return models.Frame{}, r.err
}

// finish reaps ffmpeg and decides whether the stream ended cleanly.
func (r *frameReader) finish(readErr error) {
	r.done = true
	waitErr := r.cmd.Wait()
	ctxErr := r.ctx.Err()
	r.cancel()

	if ctxErr != nil {
		r.err = ctxErr
		return
	}

	clean := errors.Is(readErr, io.EOF) && waitErr == nil
	if clean && r.next >= r.expected {
		r.err = io.EOF
		return
	}

	var cause error
	switch {
	case waitErr != nil:
		cause = fmt.Errorf("ffmpeg: %v: %s", waitErr, strings.TrimSpace(r.stderr.String()))
	case errors.Is(readErr, io.ErrUnexpectedEOF):
		cause = errors.New("truncated frame")
	}
	expected := r.expected
	if expected < r.next {
		expected = r.next
	}
	r.err = &models.CorruptMediaError{Path: r.path, Expected: expected, Decoded: r.next, Err: cause}
}

func (r *frameReader) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	r.err = errReaderClosed
	r.cancel()
	_ = r.cmd.Wait()
	return nil
}
