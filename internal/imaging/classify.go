package imaging

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/bdougie/remaster/internal/models"
)

var videoExts = map[string]bool{
	".mp4": true,
	".avi": true,
	".mov": true,
	".mkv": true,
	".wmv": true,
}

// Sniffed MIME types accepted when the extension is missing or unknown.
var imageMIMEs = []string{"image/jpeg", "image/png", "image/bmp", "image/tiff", "image/webp"}

// IsVideoExt reports whether ext (with dot) names a supported container.
func IsVideoExt(ext string) bool {
	return videoExts[strings.ToLower(ext)]
}

// IsImageExt reports whether ext (with dot) names a supported image format.
func IsImageExt(ext string) bool {
	_, ok := imageExts[strings.ToLower(ext)]
	return ok
}

// Classify decides whether path is an image, a video, or unsupported. The
// extension wins when it is recognised; otherwise the content is sniffed for
// images only, since the video codec picks its container from the extension.
func Classify(path string) models.MediaKind {
	ext := filepath.Ext(path)
	switch {
	case IsImageExt(ext):
		return models.KindImage
	case IsVideoExt(ext):
		return models.KindVideo
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return models.KindUnsupported
	}
	if mimetype.EqualsAny(mt.String(), imageMIMEs...) {
		return models.KindImage
	}
	return models.KindUnsupported
}

var mimeFormats = map[string]Format{
	"image/jpeg": FormatJPEG,
	"image/png":  FormatPNG,
	"image/bmp":  FormatBMP,
	"image/tiff": FormatTIFF,
	"image/webp": FormatWebP,
}

// DetectFormat resolves an image format from the extension, falling back to
// content sniffing for files without a recognised one.
func DetectFormat(path string) (Format, error) {
	if f, err := FormatFromPath(path); err == nil {
		return f, nil
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return FormatFromPath(path)
	}
	for m := mt; m != nil; m = m.Parent() {
		if f, ok := mimeFormats[m.String()]; ok {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %s is %s", models.ErrUnsupportedFormat, path, mt.String())
}

// EnhancedName returns "<stem>_enhanced<ext>" for input.
func EnhancedName(input string) string {
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "_enhanced" + ext
}
