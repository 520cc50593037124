package models

import (
	"context"
	"errors"
	"fmt"
)

// Error categories. Wrap them with fmt.Errorf("%w: ...") so callers can
// classify with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrModelNotFound     = errors.New("model not found")
	ErrModelLoad         = errors.New("model load failed")
	ErrCorruptMedia      = errors.New("corrupt media")
	ErrFrameProcessing   = errors.New("frame processing failed")
	ErrIO                = errors.New("i/o error")
)

// CorruptMediaError reports a decode that stopped before the advertised
// frame count.
type CorruptMediaError struct {
	Path     string
	Expected int
	Decoded  int
	Err      error
}

func (e *CorruptMediaError) Error() string {
	msg := fmt.Sprintf("corrupt media %q: decoded %d of %d frames", e.Path, e.Decoded, e.Expected)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptMediaError) Is(target error) bool { return target == ErrCorruptMedia }

func (e *CorruptMediaError) Unwrap() error { return e.Err }

// FrameProcessingError aborts a video at the failing frame.
type FrameProcessingError struct {
	Index int
	Err   error
}

func (e *FrameProcessingError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Index, e.Err)
}

func (e *FrameProcessingError) Is(target error) bool { return target == ErrFrameProcessing }

func (e *FrameProcessingError) Unwrap() error { return e.Err }

// ErrorKind returns the stable report code for err.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrFrameProcessing):
		return "frame_processing"
	case errors.Is(err, ErrCorruptMedia):
		return "corrupt_media"
	case errors.Is(err, ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, ErrModelLoad):
		return "model_load"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "internal"
	}
}
