package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdougie/remaster/internal/backend"
	"github.com/bdougie/remaster/internal/batch"
	"github.com/bdougie/remaster/internal/codec"
	"github.com/bdougie/remaster/internal/config"
	"github.com/bdougie/remaster/internal/enhancer"
	"github.com/bdougie/remaster/internal/logging"
	"github.com/bdougie/remaster/internal/registry"
)

const usage = `Usage: remaster <command> [flags] [args]

Commands:
  enhance-image    upscale a single image
  enhance-video    upscale a video, optionally stabilized
  batch            enhance every image and video in a directory
  extract-frames   write every Nth frame of a video as PNG
  assemble-frames  encode a directory of PNG frames into a video
  similar          list stored outputs that look like an image
  models           list registered models
  check            verify ffmpeg and model backends
  serve            run the HTTP API and job runner

Run "remaster <command> -h" for command flags.
`

type command func(ctx context.Context, a *app, args []string) int

var commands = map[string]command{
	"enhance-image":   enhanceImage,
	"enhance-video":   enhanceVideo,
	"batch":           runBatch,
	"extract-frames":  extractFrames,
	"assemble-frames": assembleFrames,
	"similar":         similar,
	"models":          listModels,
	"check":           check,
	"serve":           serve,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 1
	}

	cfg, err := config.Load(config.PathFromArgs(args[1:]))
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	a := &app{cfg: cfg, stdout: stdout, stderr: stderr}
	return cmd(ctx, a, args[1:])
}

// app carries configuration and lazily built components shared by the
// subcommands.
type app struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	registry *registry.Registry
	codec    *codec.Codec
	images   *enhancer.ImageEnhancer
	videos   *enhancer.VideoEnhancer
	batches  *batch.Scheduler
}

// flagSet returns a FlagSet carrying the flags every command accepts.
func (a *app) flagSet(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.stderr, "Usage: remaster %s %s\n\nFlags:\n", name, synopsis)
		fs.PrintDefaults()
	}
	fs.String("config", "", "config file (default remaster.yaml, or $"+config.ConfigPathEnvVar+")")
	fs.StringVar(&a.cfg.Logging.Level, "log-level", a.cfg.Logging.Level, "log level: debug, info, warn, error")
	fs.StringVar(&a.cfg.Logging.Format, "log-format", a.cfg.Logging.Format, "log format: console or json")
	return fs
}

// parse parses args, revalidates the flag-adjusted config and builds the
// logger. A non-negative return is the exit code to stop with.
func (a *app) parse(fs *flag.FlagSet, args []string) int {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if err := a.cfg.Validate(); err != nil {
		fmt.Fprintln(a.stderr, err)
		return 1
	}
	a.logger = logging.New(a.stderr, logging.Options{
		Level:   a.cfg.Logging.Level,
		Format:  a.cfg.Logging.Format,
		NoColor: a.cfg.Logging.NoColor,
	})
	return -1
}

// wire builds the registry, codec, enhancers and batch scheduler.
func (a *app) wire() error {
	a.registry = registry.New(a.logger)
	if err := backend.Register(a.registry, backend.OptionsFromConfig(a.cfg), a.logger); err != nil {
		return fmt.Errorf("register models: %w", err)
	}
	a.codec = codec.New(codec.OptionsFromConfig(a.cfg.FFmpeg), a.logger)
	a.images = enhancer.NewImageEnhancer(a.registry, a.cfg.Enhance.MaxImageSize, a.logger)
	a.videos = enhancer.NewVideoEnhancer(a.images, a.codec, a.logger)
	a.batches = batch.New(a.images, a.videos, a.cfg.ConcurrencyCap(), a.logger)
	return nil
}

func (a *app) close() {
	if a.registry == nil {
		return
	}
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("Failed to release models", "error", err)
	}
}

// fail logs err and returns the exit code for a fatal error.
func (a *app) fail(msg string, err error) int {
	a.logger.Error(msg, "error", err)
	return 1
}
