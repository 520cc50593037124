package enhancer

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/models"
	"github.com/bdougie/remaster/internal/registry"
)

// Models resolves model identifiers to capabilities. *registry.Registry
// satisfies it.
type Models interface {
	Descriptor(id string) (models.ModelDescriptor, error)
	Resolve(ctx context.Context, id string) (registry.Capability, error)
}

// ImageEnhancer runs single images through a model.
type ImageEnhancer struct {
	models       Models
	maxImageSize int
	logger       *slog.Logger
}

// NewImageEnhancer returns an enhancer. Inputs whose longest side exceeds
// maxImageSize are downsized first; zero disables the limit.
func NewImageEnhancer(m Models, maxImageSize int, logger *slog.Logger) *ImageEnhancer {
	return &ImageEnhancer{models: m, maxImageSize: maxImageSize, logger: logger}
}

// EffectiveScale validates a requested scale against a model. Zero selects
// the native factor; otherwise the scale must divide or be a multiple of it.
func EffectiveScale(d models.ModelDescriptor, requested int) (int, error) {
	if requested == 0 {
		return d.Scale, nil
	}
	if requested < 1 || requested > 16 {
		return 0, fmt.Errorf("%w: scale %d out of range 1-16", models.ErrInvalidInput, requested)
	}
	if d.Scale%requested != 0 && requested%d.Scale != 0 {
		return 0, fmt.Errorf("%w: scale %d incompatible with %s native x%d", models.ErrInvalidInput, requested, d.ID, d.Scale)
	}
	return requested, nil
}

// Enhance returns a new, enhanced buffer. img is never modified.
func (e *ImageEnhancer) Enhance(ctx context.Context, img image.Image, modelID string, scale int) (*image.NRGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", models.ErrInvalidInput)
	}
	d, err := e.models.Descriptor(modelID)
	if err != nil {
		return nil, err
	}
	scale, err = EffectiveScale(d, scale)
	if err != nil {
		return nil, err
	}
	capability, err := e.models.Resolve(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, capability, img, scale)
}

func (e *ImageEnhancer) apply(ctx context.Context, c registry.Capability, img image.Image, scale int) (*image.NRGBA, error) {
	src := imaging.Normalize(img)
	out, err := c.Apply(ctx, src, scale)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if out == nil || out == src || out.Bounds().Dx() != b.Dx()*scale || out.Bounds().Dy() != b.Dy()*scale {
		return nil, fmt.Errorf("model returned %v for %dx%d at x%d", boundsOf(out), b.Dx(), b.Dy(), scale)
	}
	return out, nil
}

func boundsOf(img *image.NRGBA) image.Rectangle {
	if img == nil {
		return image.Rectangle{}
	}
	return img.Bounds()
}

// EnhanceFile decodes input, enhances it, and writes it to output in the
// input's format. It returns the path actually written, which differs from
// output only when the format has no encoder.
func (e *ImageEnhancer) EnhanceFile(ctx context.Context, input, output, modelID string, scale int) (string, error) {
	d, err := e.models.Descriptor(modelID)
	if err != nil {
		return "", err
	}
	if scale, err = EffectiveScale(d, scale); err != nil {
		return "", err
	}

	img, format, err := imaging.Decode(input)
	if err != nil {
		return "", err
	}
	if fitted := imaging.FitWithin(img, e.maxImageSize); fitted != img {
		e.logger.Info("downsized oversized input", "input", input,
			"from", img.Bounds().Size(), "to", fitted.Bounds().Size(), "limit", e.maxImageSize)
		img = fitted
	}

	capability, err := e.models.Resolve(ctx, modelID)
	if err != nil {
		return "", err
	}
	out, err := e.apply(ctx, capability, img, scale)
	if err != nil {
		return "", err
	}

	written, err := imaging.Encode(output, out, format)
	if err != nil {
		return "", err
	}
	e.logger.Debug("image enhanced", "input", input, "output", written, "model", d.ID, "scale", scale)
	return written, nil
}
