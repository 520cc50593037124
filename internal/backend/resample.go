package backend

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/bdougie/remaster/internal/models"
)

// Resampler upscales with Catmull-Rom interpolation followed by a light
// sharpen blend. It needs no weights and is fully deterministic.
type Resampler struct{}

func (Resampler) Apply(_ context.Context, img *image.NRGBA, scale int) (*image.NRGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", models.ErrInvalidInput)
	}
	if scale < 1 {
		return nil, fmt.Errorf("%w: scale %d", models.ErrInvalidInput, scale)
	}
	return sharpenBlend(Resize(img, scale)), nil
}

// Resize scales img by an integer factor. The result never aliases img.
func Resize(img *image.NRGBA, scale int) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// sharpenBlend mixes the image 70/30 with a 3x3 sharpened copy. Edge pixels
// reuse the nearest row or column.
func sharpenBlend(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			o := dst.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				center := int(src.Pix[i+c])
				sum := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						if dx == 0 && dy == 0 {
							continue
						}
						nx := b.Min.X + clamp(x+dx, 0, w-1)
						ny := b.Min.Y + clamp(y+dy, 0, h-1)
						sum += int(src.Pix[src.PixOffset(nx, ny)+c])
					}
				}
				sharp := clamp(9*center-sum, 0, 255)
				dst.Pix[o+c] = uint8((7*center + 3*sharp + 5) / 10)
			}
			dst.Pix[o+3] = src.Pix[i+3]
		}
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
