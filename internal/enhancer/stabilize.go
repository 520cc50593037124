package enhancer

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/bdougie/remaster/internal/models"
)

const (
	stabilizeRadius = 2
	thumbWidth      = 96
	searchRadius    = 4
)

// Window weights for offsets -2..+2. Near the ends of the stream only the
// frames that exist contribute, renormalized.
var stabilizeWeights = [2*stabilizeRadius + 1]int{1, 2, 4, 2, 1}

// Stabilizer removes camera jitter. It estimates the global translation
// between consecutive frames, smooths the accumulated camera path over a
// centered five-frame window, and shifts every frame onto the smoothed path.
// Frames are emitted in order as soon as their look-ahead is available, so
// at most stabilizeRadius+1 frames are held.
type Stabilizer struct {
	emit func(models.Frame) error

	pending []models.Frame
	path    []image.Point // camera path for frames base, base+1, ...
	base    int
	last    int
	prev    *image.Gray
}

func NewStabilizer(emit func(models.Frame) error) *Stabilizer {
	return &Stabilizer{emit: emit, last: -1}
}

// Push adds the next frame. Frames must arrive with consecutive indices
// starting at zero.
func (s *Stabilizer) Push(f models.Frame) error {
	if f.Index != s.last+1 {
		return fmt.Errorf("stabilizer: got frame %d, want %d", f.Index, s.last+1)
	}
	s.last = f.Index

	thumb, factor := thumbnail(f.Image)
	var pos image.Point
	if n := len(s.path); n > 0 {
		m := estimateShift(s.prev, thumb, searchRadius)
		pos = s.path[n-1].Add(image.Pt(
			int(math.Round(float64(m.X)*factor)),
			int(math.Round(float64(m.Y)*factor)),
		))
	}
	s.path = append(s.path, pos)
	s.prev = thumb
	s.pending = append(s.pending, f)

	for len(s.pending) > 0 && s.pending[0].Index+stabilizeRadius <= s.last {
		if err := s.emitNext(); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits the frames still waiting for look-ahead that will never come.
func (s *Stabilizer) Flush() error {
	for len(s.pending) > 0 {
		if err := s.emitNext(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stabilizer) emitNext() error {
	f := s.pending[0]
	s.pending[0] = models.Frame{}
	s.pending = s.pending[1:]

	i := f.Index
	lo := max(0, i-stabilizeRadius)
	hi := min(s.last, i+stabilizeRadius)

	var sx, sy, sw int
	for j := lo; j <= hi; j++ {
		w := stabilizeWeights[j-i+stabilizeRadius]
		p := s.path[j-s.base]
		sx += w * p.X
		sy += w * p.Y
		sw += w
	}
	smoothed := image.Pt(roundDiv(sx, sw), roundDiv(sy, sw))
	correction := smoothed.Sub(s.path[i-s.base])

	out := f.Image
	if correction != (image.Point{}) {
		out = shift(f.Image, correction)
	}

	for s.base < i+1-stabilizeRadius {
		s.path = s.path[1:]
		s.base++
	}
	return s.emit(models.Frame{Index: i, Image: out})
}

// thumbnail returns a small grayscale copy and the full-to-thumb size ratio.
func thumbnail(img *image.NRGBA) (*image.Gray, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= thumbWidth {
		g := image.NewGray(image.Rect(0, 0, w, h))
		draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
		return g, 1
	}
	th := max(1, h*thumbWidth/w)
	g := image.NewGray(image.Rect(0, 0, thumbWidth, th))
	draw.ApproxBiLinear.Scale(g, g.Bounds(), img, b, draw.Src, nil)
	return g, float64(w) / float64(thumbWidth)
}

// estimateShift finds the translation d minimizing the mean absolute
// difference between prev(x,y) and cur(x+d.X, y+d.Y). Ties keep the
// smaller displacement.
func estimateShift(prev, cur *image.Gray, radius int) image.Point {
	w := min(prev.Rect.Dx(), cur.Rect.Dx())
	h := min(prev.Rect.Dy(), cur.Rect.Dy())

	best := image.Point{}
	bestCost := math.MaxFloat64
	for r := 0; r <= radius; r++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if max(abs(dx), abs(dy)) != r {
					continue
				}
				cost := meanAbsDiff(prev, cur, dx, dy, w, h)
				if cost < bestCost {
					best, bestCost = image.Pt(dx, dy), cost
				}
			}
		}
	}
	return best
}

func meanAbsDiff(prev, cur *image.Gray, dx, dy, w, h int) float64 {
	x0, x1 := max(0, -dx), min(w, w-dx)
	y0, y1 := max(0, -dy), min(h, h-dy)
	if x1-x0 < 1 || y1-y0 < 1 {
		return math.MaxFloat64
	}
	var sum, n int
	for y := y0; y < y1; y++ {
		pr := prev.Pix[y*prev.Stride:]
		cr := cur.Pix[(y+dy)*cur.Stride:]
		for x := x0; x < x1; x++ {
			sum += abs(int(pr[x]) - int(cr[x+dx]))
			n++
		}
	}
	return float64(sum) / float64(n)
}

// shift moves content by d, repeating edge pixels into the uncovered border.
func shift(img *image.NRGBA, d image.Point) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := clampInt(y-d.Y, 0, h-1)
		for x := 0; x < w; x++ {
			sx := clampInt(x-d.X, 0, w-1)
			si := img.PixOffset(b.Min.X+sx, b.Min.Y+sy)
			di := out.PixOffset(x, y)
			copy(out.Pix[di:di+4], img.Pix[si:si+4])
		}
	}
	return out
}

func roundDiv(a, b int) int {
	return int(math.Round(float64(a) / float64(b)))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
