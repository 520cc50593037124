package imaging

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/bdougie/remaster/internal/models"
)

// Format is an image container format.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
	FormatWebP Format = "webp"
)

var imageExts = map[string]Format{
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".png":  FormatPNG,
	".bmp":  FormatBMP,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
	".webp": FormatWebP,
}

// FormatFromPath returns the format implied by the file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	f, ok := imageExts[ext]
	if !ok {
		return "", fmt.Errorf("%w: image extension %q", models.ErrUnsupportedFormat, ext)
	}
	return f, nil
}

// Decode reads an image file into an 8-bit NRGBA buffer anchored at (0,0).
func Decode(path string) (*image.NRGBA, Format, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, "", fmt.Errorf("%w: %s does not exist", models.ErrInvalidInput, path)
	}
	format, err := DetectFormat(path)
	if err != nil {
		return nil, "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: open %s: %v", models.ErrIO, path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode %s: %v", models.ErrInvalidInput, path, err)
	}
	if img.Bounds().Empty() {
		return nil, "", fmt.Errorf("%w: %s has no pixels", models.ErrInvalidInput, path)
	}

	return Normalize(img), format, nil
}

// Normalize converts any color model to 8-bit non-premultiplied RGBA with
// bounds starting at the origin. An image already in that form is returned
// unchanged.
func Normalize(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// FitWithin downsizes img so its longest side is at most maxDim. A maxDim of
// zero or an image already within bounds is returned as is.
func FitWithin(img *image.NRGBA, maxDim int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return img
	}
	ratio := float64(maxDim) / float64(max(w, h))
	nw := max(1, int(float64(w)*ratio))
	nh := max(1, int(float64(h)*ratio))

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// FitExact resamples img to exactly w by h.
func FitExact(img *image.NRGBA, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// OutputFormat is the format actually written for a requested format.
// WebP has no encoder, so WebP inputs are written as PNG.
func OutputFormat(f Format) Format {
	if f == FormatWebP {
		return FormatPNG
	}
	return f
}

// OutputPath adjusts path's extension to match OutputFormat.
func OutputPath(path string, f Format) string {
	if OutputFormat(f) == f {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".png"
}

// Encode writes img to path in the given format and returns the path
// actually written. The file is written to a temp name and renamed into
// place so a failed encode never leaves a partial output behind.
func Encode(path string, img image.Image, format Format) (string, error) {
	path = OutputPath(path, format)
	format = OutputFormat(format)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: create output directory: %v", models.ErrIO, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".remaster-*"+filepath.Ext(path))
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", models.ErrIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	if err := encodeTo(w, img, format); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: encode %s: %v", models.ErrIO, format, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: write %s: %v", models.ErrIO, path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %v", models.ErrIO, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("%w: rename into %s: %v", models.ErrIO, path, err)
	}
	return path, nil
}

func encodeTo(w *bufio.Writer, img image.Image, format Format) error {
	switch format {
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	case FormatPNG:
		return png.Encode(w, img)
	case FormatBMP:
		return bmp.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return fmt.Errorf("%w: no encoder for %s", models.ErrUnsupportedFormat, format)
	}
}
