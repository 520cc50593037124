package enhancer

import (
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/bdougie/remaster/internal/codec"
	"github.com/bdougie/remaster/internal/codec/codectest"
	"github.com/bdougie/remaster/internal/logging"
	"github.com/bdougie/remaster/internal/models"
	"github.com/bdougie/remaster/internal/registry"
)

// memCodec serves frames from memory and records what is encoded.
type memCodec struct {
	frames    []*image.NRGBA
	readErr   error // returned after all frames when set
	decodeErr error

	decodes atomic.Int32
	writer  *memWriter
	reader  *memReader
}

func (c *memCodec) Decode(_ context.Context, path string) (codec.FrameReader, codec.Metadata, error) {
	c.decodes.Add(1)
	if c.decodeErr != nil {
		return nil, codec.Metadata{}, c.decodeErr
	}
	b := c.frames[0].Bounds()
	meta := codec.Metadata{
		Path: path, Width: b.Dx(), Height: b.Dy(),
		FrameRate: "30000/1001", FPS: 29.97, FrameCount: len(c.frames),
		Audio: &codec.AudioTrack{Source: path, Index: 1, Codec: "aac"},
	}
	c.reader = &memReader{codec: c}
	return c.reader, meta, nil
}

func (c *memCodec) Encode(_ context.Context, meta codec.Metadata, out string) (codec.FrameWriter, error) {
	c.writer = &memWriter{meta: meta, path: out}
	return c.writer, nil
}

type memReader struct {
	codec       *memCodec
	next        int
	closed      bool
	maxInFlight int
}

func (r *memReader) Next() (models.Frame, error) {
	if r.next >= len(r.codec.frames) {
		if r.codec.readErr != nil {
			return models.Frame{}, r.codec.readErr
		}
		return models.Frame{}, io.EOF
	}
	if w := r.codec.writer; w != nil {
		r.maxInFlight = max(r.maxInFlight, r.next-len(w.frames))
	}
	f := models.Frame{Index: r.next, Image: r.codec.frames[r.next]}
	r.next++
	return f, nil
}

func (r *memReader) Close() error {
	r.closed = true
	return nil
}

type memWriter struct {
	meta      codec.Metadata
	path      string
	frames    []models.Frame
	closed    bool
	aborted   bool
	failAfter int // fail Write once this many frames are held; zero disables
}

func (w *memWriter) Write(f models.Frame) error {
	if w.failAfter > 0 && len(w.frames) >= w.failAfter {
		return errors.New("pipe closed")
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

func (w *memWriter) Abort()      { w.aborted = true }
func (w *memWriter) Frames() int { return len(w.frames) }

// failingCapability fails on the call numbered failAt (zero-based).
type failingCapability struct {
	calls  atomic.Int32
	failAt int32
	cancel context.CancelFunc
}

func (c *failingCapability) Apply(_ context.Context, img *image.NRGBA, scale int) (*image.NRGBA, error) {
	n := c.calls.Add(1) - 1
	if n == c.failAt {
		if c.cancel != nil {
			c.cancel()
		} else {
			return nil, errors.New("out of memory")
		}
	}
	b := img.Bounds()
	return image.NewNRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale)), nil
}

func frames(n, w, h int) []*image.NRGBA {
	out := make([]*image.NRGBA, n)
	for i := range out {
		out[i] = pattern(w, h)
	}
	return out
}

func videoEnhancer(t *testing.T, m Models, c FrameCodec) *VideoEnhancer {
	t.Helper()
	return NewVideoEnhancer(NewImageEnhancer(m, 0, logging.Discard()), c, logging.Discard())
}

func TestVideoEnhancePreservesFrames(t *testing.T) {
	for _, stabilize := range []bool{false, true} {
		c := &memCodec{frames: frames(12, 8, 6)}
		v := videoEnhancer(t, newRegistry(t), c)

		var progress []int
		out, err := v.Enhance(context.Background(), "in.mp4", "out.mp4", "esrgan", VideoOptions{
			Scale:     2,
			Stabilize: stabilize,
			Progress:  func(done, _ int) { progress = append(progress, done) },
		})
		if err != nil {
			t.Fatalf("stabilize=%v: %v", stabilize, err)
		}
		if out != "out.mp4" {
			t.Errorf("output = %q", out)
		}
		w := c.writer
		if len(w.frames) != 12 || !w.closed || w.aborted {
			t.Errorf("stabilize=%v: wrote %d frames, closed=%v aborted=%v", stabilize, len(w.frames), w.closed, w.aborted)
		}
		for i, f := range w.frames {
			if f.Index != i {
				t.Fatalf("frame %d has index %d", i, f.Index)
			}
			if f.Image.Bounds() != image.Rect(0, 0, 16, 12) {
				t.Fatalf("frame %d bounds %v", i, f.Image.Bounds())
			}
		}
		if w.meta.FrameRate != "30000/1001" || w.meta.Audio == nil {
			t.Errorf("encoder metadata = %+v", w.meta)
		}
		if len(progress) != 12 || progress[11] != 12 {
			t.Errorf("progress = %v", progress)
		}
		if !c.reader.closed {
			t.Error("reader not closed")
		}
		if c.reader.maxInFlight > stabilizeRadius+1 {
			t.Errorf("held %d frames at once", c.reader.maxInFlight)
		}
	}
}

func TestVideoEnhanceFrameFailure(t *testing.T) {
	capability := &failingCapability{failAt: 5}
	r := registry.New(logging.Discard())
	_ = r.Register(models.ModelDescriptor{ID: "flaky", Scale: 2}, func(context.Context, models.ModelDescriptor) (registry.Capability, error) {
		return capability, nil
	})

	c := &memCodec{frames: frames(10, 4, 4)}
	_, err := videoEnhancer(t, r, c).Enhance(context.Background(), "in.mkv", "out.mkv", "flaky", VideoOptions{})

	var fpe *models.FrameProcessingError
	if !errors.As(err, &fpe) {
		t.Fatalf("err = %v, want FrameProcessingError", err)
	}
	if fpe.Index != 5 {
		t.Errorf("Index = %d, want 5", fpe.Index)
	}
	if !c.writer.aborted || c.writer.closed {
		t.Errorf("aborted=%v closed=%v, want aborted only", c.writer.aborted, c.writer.closed)
	}
	if c.reader.next != 6 {
		t.Errorf("decoded %d frames after failure at 5", c.reader.next)
	}
}

func TestVideoEnhanceWriteFailure(t *testing.T) {
	c := &memCodec{frames: frames(6, 4, 4)}
	v := videoEnhancer(t, newRegistry(t), &writeFailCodec{memCodec: c, failAfter: 3})

	_, err := v.Enhance(context.Background(), "in.mkv", "out.mkv", "bicubic", VideoOptions{})
	var fpe *models.FrameProcessingError
	if !errors.As(err, &fpe) || fpe.Index != 3 {
		t.Fatalf("err = %v, want FrameProcessingError at 3", err)
	}
	if !c.writer.aborted {
		t.Error("writer not aborted")
	}
}

type writeFailCodec struct {
	*memCodec
	failAfter int
}

func (c *writeFailCodec) Encode(ctx context.Context, meta codec.Metadata, out string) (codec.FrameWriter, error) {
	w, err := c.memCodec.Encode(ctx, meta, out)
	c.writer.failAfter = c.failAfter
	return w, err
}

func TestVideoEnhanceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	capability := &failingCapability{failAt: 3, cancel: cancel}
	r := registry.New(logging.Discard())
	_ = r.Register(models.ModelDescriptor{ID: "slow", Scale: 2}, func(context.Context, models.ModelDescriptor) (registry.Capability, error) {
		return capability, nil
	})

	c := &memCodec{frames: frames(20, 4, 4)}
	_, err := videoEnhancer(t, r, c).Enhance(ctx, "in.mkv", "out.mkv", "slow", VideoOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.reader.next != 4 {
		t.Errorf("decoded %d frames, want 4", c.reader.next)
	}
	if !c.writer.aborted {
		t.Error("writer not aborted")
	}
}

func TestVideoEnhanceResolvesModelBeforeDecoding(t *testing.T) {
	c := &memCodec{frames: frames(2, 4, 4)}
	v := videoEnhancer(t, newRegistry(t), c)

	_, err := v.Enhance(context.Background(), "in.mp4", "out.mp4", "missing", VideoOptions{})
	if !errors.Is(err, models.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
	_, err = v.Enhance(context.Background(), "in.mp4", "out.mp4", "esrgan", VideoOptions{Scale: 3})
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	if c.decodes.Load() != 0 {
		t.Errorf("decoded %d times", c.decodes.Load())
	}
}

func TestVideoEnhanceCorruptMedia(t *testing.T) {
	corrupt := &models.CorruptMediaError{Path: "in.mp4", Expected: 10, Decoded: 4}
	c := &memCodec{frames: frames(4, 4, 4), readErr: corrupt}

	_, err := videoEnhancer(t, newRegistry(t), c).Enhance(context.Background(), "in.mp4", "out.mp4", "bicubic", VideoOptions{Stabilize: true})
	var got *models.CorruptMediaError
	if !errors.As(err, &got) || got.Decoded != 4 {
		t.Fatalf("err = %v, want CorruptMediaError with 4 decoded", err)
	}
	if !c.writer.aborted {
		t.Error("writer not aborted")
	}
}

func TestVideoEnhanceDecodeError(t *testing.T) {
	c := &memCodec{decodeErr: models.ErrUnsupportedFormat}
	_, err := videoEnhancer(t, newRegistry(t), c).Enhance(context.Background(), "in.flv", "out.flv", "bicubic", VideoOptions{})
	if !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestVideoEnhanceWithFFmpeg(t *testing.T) {
	if testing.Short() {
		t.Skip("encodes 120 frames")
	}
	codectest.RequireEncoder(t, "libx264")
	dir := t.TempDir()
	src := codectest.Make(t, dir, "clip.mp4", codectest.Sample{Frames: 120, Rate: 30, Width: 32, Height: 24, Audio: true})

	c := codec.New(codec.Options{CRF: 28, Preset: "ultrafast", PixFmt: "yuv420p"}, logging.Discard())
	v := videoEnhancer(t, newRegistry(t), c)

	out := filepath.Join(dir, "clip_enhanced.mp4")
	written, err := v.Enhance(context.Background(), src, out, "esrgan", VideoOptions{Scale: 2, Stabilize: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := codectest.CountFrames(t, written); got != 120 {
		t.Errorf("output frames = %d, want 120", got)
	}
	if got := codectest.FrameRate(t, written); got != "30/1" {
		t.Errorf("output rate = %s, want 30/1", got)
	}
	if codectest.AudioDigest(t, written) != codectest.AudioDigest(t, src) {
		t.Error("audio packets changed")
	}
}
