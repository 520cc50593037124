// Package embeddings computes small image signatures used to find visually
// similar outputs.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"github.com/bdougie/remaster/internal/imaging"
)

// Dim is the length of every signature.
const Dim = 16

// ErrQueueFull is returned when more requests are pending than the queue holds.
var ErrQueueFull = errors.New("signature queue is full, try again later")

// Result is the outcome of one signature request.
type Result struct {
	Path      string
	Signature []float32
	Error     error
}

type work struct {
	ctx    context.Context
	path   string
	result chan<- Result
}

type cacheKey struct {
	path    string
	size    int64
	modTime int64
}

// Service computes signatures on a fixed pool of workers and caches them by
// file identity.
type Service struct {
	numWorkers int
	queue      chan work
	cache      sync.Map // cacheKey -> []float32
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewService starts numWorkers workers (4 when numWorkers <= 0).
func NewService(numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	s := &Service{
		numWorkers: numWorkers,
		queue:      make(chan work, 100),
	}
	s.startWorkers()
	return s
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for w := range s.queue {
				sig, err := s.compute(w.ctx, w.path)
				w.result <- Result{Path: w.path, Signature: sig, Error: err}
				close(w.result)
			}
		}()
	}
}

// Request queues a signature computation for the image at path. The
// returned channel yields exactly one Result.
func (s *Service) Request(ctx context.Context, path string) <-chan Result {
	ch := make(chan Result, 1)
	select {
	case s.queue <- work{ctx: ctx, path: path, result: ch}:
	default:
		ch <- Result{Path: path, Error: ErrQueueFull}
		close(ch)
	}
	return ch
}

// Compute blocks until the signature of path is available.
func (s *Service) Compute(ctx context.Context, path string) ([]float32, error) {
	select {
	case r := <-s.Request(ctx, path):
		return r.Signature, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) compute(ctx context.Context, path string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := cacheKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if cached, ok := s.cache.Load(key); ok {
		return cached.([]float32), nil
	}

	img, _, err := imaging.Decode(path)
	if err != nil {
		return nil, fmt.Errorf("signature of %s: %w", path, err)
	}
	sig := Signature(img)
	s.cache.Store(key, sig)
	return sig, nil
}

// Close stops the workers after draining queued requests.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	s.wg.Wait()
}

// Signature returns a unit-length Dim-bin luminance histogram of img.
// Fully transparent pixels are ignored. Upscaling preserves the histogram
// closely, so an output and its source have nearly identical signatures.
func Signature(img image.Image) []float32 {
	src := imaging.Normalize(img)
	var hist [Dim]float64
	for i := 0; i+3 < len(src.Pix); i += 4 {
		if src.Pix[i+3] == 0 {
			continue
		}
		r, g, b := float64(src.Pix[i]), float64(src.Pix[i+1]), float64(src.Pix[i+2])
		y := 0.299*r + 0.587*g + 0.114*b
		bin := min(int(y)*Dim/256, Dim-1)
		hist[bin]++
	}

	var norm float64
	for _, v := range hist {
		norm += v * v
	}
	sig := make([]float32, Dim)
	if norm == 0 {
		return sig
	}
	norm = math.Sqrt(norm)
	for i, v := range hist {
		sig[i] = float32(v / norm)
	}
	return sig
}

// Cosine returns the cosine similarity of two signatures.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
