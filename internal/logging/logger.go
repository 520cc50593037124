package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	Level   string
	Format  string // console or json
	NoColor bool
}

// New builds the process logger. Console output goes through tint, json
// output through zerolog.
func New(w io.Writer, opts Options) *slog.Logger {
	level := ParseLevel(opts.Level)

	if strings.EqualFold(opts.Format, "json") {
		zl := zerolog.New(w).With().Timestamp().Logger().Level(slogToZerologLevel(level))
		return slog.New(NewSlogHandler(zl))
	}

	return slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
			NoColor:    opts.NoColor,
		}),
	)
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
