package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bdougie/remaster/internal/batch"
	"github.com/bdougie/remaster/internal/embeddings"
	"github.com/bdougie/remaster/internal/enhancer"
	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/jobs"
	"github.com/bdougie/remaster/internal/models"
	"github.com/bdougie/remaster/internal/server"
	"github.com/bdougie/remaster/internal/storage"
	"github.com/bdougie/remaster/internal/supervisor"
)

// persistTimeout bounds report persistence after an interrupted batch.
const persistTimeout = 30 * time.Second

func enhanceImage(ctx context.Context, a *app, args []string) int {
	fs := a.flagSet("enhance-image", "[flags] <image>")
	model := fs.String("model", a.cfg.Enhance.Model, "model id")
	scale := fs.Int("scale", a.cfg.Enhance.Scale, "upscale factor, 0 for the model's native factor")
	output := fs.String("o", "", "output path (default <output_dir>/<name>_enhanced<ext>)")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	input := fs.Arg(0)
	if *output == "" {
		*output = filepath.Join(a.cfg.Paths.OutputDir, imaging.EnhancedName(input))
	}

	if err := a.wire(); err != nil {
		return a.fail("Failed to initialize", err)
	}
	defer a.close()

	start := time.Now()
	out, err := a.images.EnhanceFile(ctx, input, *output, *model, *scale)
	if err != nil {
		return a.fail("Failed to enhance image", err)
	}
	a.logger.Info("Image enhanced", "input", input, "output", out, "elapsed", time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(a.stdout, out)
	return 0
}

func enhanceVideo(ctx context.Context, a *app, args []string) int {
	fs := a.flagSet("enhance-video", "[flags] <video>")
	model := fs.String("model", a.cfg.Enhance.Model, "model id")
	scale := fs.Int("scale", a.cfg.Enhance.Scale, "upscale factor, 0 for the model's native factor")
	stabilize := fs.Bool("stabilize", a.cfg.Enhance.Stabilize, "smooth frame-to-frame jitter")
	output := fs.String("o", "", "output path (default <output_dir>/<name>_enhanced<ext>)")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	input := fs.Arg(0)
	if *output == "" {
		*output = filepath.Join(a.cfg.Paths.OutputDir, imaging.EnhancedName(input))
	}

	if err := a.wire(); err != nil {
		return a.fail("Failed to initialize", err)
	}
	defer a.close()
	if err := a.codec.Check(); err != nil {
		return a.fail("Video support unavailable", err)
	}

	start := time.Now()
	lastLogged := time.Time{}
	out, err := a.videos.Enhance(ctx, input, *output, *model, enhancer.VideoOptions{
		Scale:     *scale,
		Stabilize: *stabilize,
		Progress: func(done, total int) {
			if done == total || time.Since(lastLogged) >= 2*time.Second {
				lastLogged = time.Now()
				a.logger.Info("Enhancing video", "frame", done, "total", total)
			}
		},
	})
	if err != nil {
		return a.fail("Failed to enhance video", err)
	}
	a.logger.Info("Video enhanced", "input", input, "output", out, "elapsed", time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(a.stdout, out)
	return 0
}

func runBatch(ctx context.Context, a *app, args []string) int {
	fs := a.flagSet("batch", "[flags] <dir> | <file>...")
	model := fs.String("model", a.cfg.Enhance.Model, "model id")
	scale := fs.Int("scale", a.cfg.Enhance.Scale, "upscale factor, 0 for the model's native factor")
	stabilize := fs.Bool("stabilize", a.cfg.Enhance.Stabilize, "stabilize videos")
	concurrency := fs.Int("concurrency", a.cfg.Batch.Concurrency, "parallel jobs, clamped to the configured maximum")
	recursive := fs.Bool("recursive", a.cfg.Batch.Recursive, "descend into subdirectories")
	skipExisting := fs.Bool("skip-existing", a.cfg.Batch.SkipExisting, "skip inputs whose output already exists")
	outputDir := fs.String("o", a.cfg.Paths.OutputDir, "output directory")
	reportPath := fs.String("report", a.cfg.Batch.ReportPath, "write the JSON report to this file")
	dsn := fs.String("postgres", a.cfg.Storage.PostgresDSN, "record results in this PostgreSQL database")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}

	if err := a.wire(); err != nil {
		return a.fail("Failed to initialize", err)
	}
	defer a.close()

	opts := batch.Options{
		Scale:        *scale,
		Stabilize:    *stabilize,
		Concurrency:  *concurrency,
		OutputDir:    *outputDir,
		Recursive:    *recursive,
		SkipExisting: *skipExisting,
		OnResult: func(done, total int, res models.JobResult) {
			a.logger.Info("Finished item", "done", done, "total", total, "input", res.InputPath, "status", res.Status)
		},
	}

	var report models.BatchReport
	if info, err := os.Stat(fs.Arg(0)); fs.NArg() == 1 && err == nil && info.IsDir() {
		report, err = a.batches.RunDir(ctx, fs.Arg(0), *model, opts)
		if err != nil {
			return a.fail("Failed to run batch", err)
		}
	} else {
		report = a.batches.Run(ctx, fs.Args(), *model, opts)
	}

	printReport(a, report)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if *reportPath != "" {
		if err := storage.Save(persistCtx, storage.NewFileStore(*reportPath, report, a.cfg.Storage.FlushBatch), report); err != nil {
			a.logger.Error("Failed to write report", "path", *reportPath, "error", err)
		} else {
			a.logger.Info("Report written", "path", *reportPath)
		}
	}
	if *dsn != "" {
		if err := recordHistory(persistCtx, a, *dsn, report); err != nil {
			a.logger.Error("Failed to record batch history", "error", err)
		}
	}

	code := report.ExitCode()
	if report.Cancelled && code == 0 {
		code = 1
	}
	return code
}

func recordHistory(ctx context.Context, a *app, dsn string, report models.BatchReport) error {
	if err := storage.InitSchema(ctx, dsn); err != nil {
		return err
	}
	signer := embeddings.NewService(runtime.NumCPU())
	defer signer.Close()

	store, err := storage.NewPostgresStore(ctx, dsn, report, signer, a.logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := storage.Save(ctx, store, report); err != nil {
		return err
	}
	a.logger.Info("Batch history recorded", "batch", store.BatchID())
	return nil
}

func printReport(a *app, report models.BatchReport) {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INPUT\tKIND\tSTATUS\tDETAIL")
	for _, res := range report.Results {
		detail := res.OutputPath
		if res.Status != models.StatusSucceeded {
			detail = res.ErrorKind
			if res.Error != "" {
				detail += ": " + res.Error
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.InputPath, res.Kind, res.Status, detail)
	}
	tw.Flush()

	s := report.Summary
	fmt.Fprintf(a.stdout, "\n%d total, %d succeeded, %d failed, %d skipped in %s (%s)\n",
		s.Total, s.Succeeded, s.Failed, s.Skipped, report.Elapsed.Round(time.Millisecond), report.Outcome)
	if report.Cancelled {
		fmt.Fprintln(a.stdout, "batch was cancelled")
	}
}

func extractFrames(ctx context.Context, a *app, args []string) int {
	fs := a.flagSet("extract-frames", "[flags] <video>")
	interval := fs.Int("interval", 1, "keep every Nth frame")
	outputDir := fs.String("o", filepath.Join(a.cfg.Paths.OutputDir, "frames"), "output directory")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	if err := a.wire(); err != nil {
		return a.fail("Failed to initialize", err)
	}
	defer a.close()

	n, err := a.codec.ExtractFrames(ctx, fs.Arg(0), *outputDir, *interval)
	if err != nil {
		return a.fail("Failed to extract frames", err)
	}
	a.logger.Info("Frames extracted", "video", fs.Arg(0), "frames", n, "dir", *outputDir)
	return 0
}

func assembleFrames(ctx context.Context, a *app, args []string) int {
	fs := a.flagSet("assemble-frames", "[flags] <frame dir> <output>")
	rate := fs.String("rate", "30", "frame rate, integer or rational such as 30000/1001")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}
	if err := a.wire(); err != nil {
		return a.fail("Failed to initialize", err)
	}
	defer a.close()

	n, err := a.codec.AssembleFrames(ctx, fs.Arg(0), *rate, fs.Arg(1))
	if err != nil {
		return a.fail("Failed to assemble frames", err)
	}
	a.logger.Info("Video assembled", "frames", n, "output", fs.Arg(1))
	fmt.Fprintln(a.stdout, fs.Arg(1))
	return 0
}

func similar(ctx context.Context, a *app, args []string) int {
	fs := a.flagSet("similar", "[flags] <image>")
	dsn := fs.String("postgres", a.cfg.Storage.PostgresDSN, "PostgreSQL database holding batch history")
	limit := fs.Int("limit", 5, "maximum matches")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 || *dsn == "" || *limit < 1 {
		fs.Usage()
		return 1
	}

	signer := embeddings.NewService(1)
	defer signer.Close()
	store, err := storage.OpenPostgres(ctx, *dsn, signer, a.logger)
	if err != nil {
		return a.fail("Failed to open history", err)
	}
	defer store.Close()

	matches, err := store.SearchSimilarOutputs(ctx, fs.Arg(0), *limit)
	if err != nil {
		return a.fail("Failed to search", err)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIMILARITY\tMODEL\tINPUT\tOUTPUT")
	for _, m := range matches {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", m.Similarity, m.Model, m.InputPath, m.OutputPath)
	}
	tw.Flush()
	return 0
}

func listModels(_ context.Context, a *app, args []string) int {
	fs := a.flagSet("models", "[flags]")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if err := a.wire(); err != nil {
		return a.fail("Failed to initialize", err)
	}
	defer a.close()

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCALE\tDEPTH\tWEIGHTS\tDESCRIPTION")
	for _, d := range a.registry.Descriptors() {
		weights := d.Weights
		if weights == "" {
			weights = "-"
		}
		fmt.Fprintf(tw, "%s\t%dx\t%d\t%s\t%s\n", d.ID, d.Scale, d.ColorDepth, weights, d.Description)
	}
	tw.Flush()
	return 0
}

func check(ctx context.Context, a *app, args []string) int {
	fs := a.flagSet("check", "[flags]")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if err := a.wire(); err != nil {
		return a.fail("Failed to initialize", err)
	}
	defer a.close()

	code := 0
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tSTATUS")
	if err := a.codec.Check(); err != nil {
		fmt.Fprintf(tw, "ffmpeg\t%v\n", err)
		code = 1
	} else {
		fmt.Fprintln(tw, "ffmpeg\tok")
	}
	for _, d := range a.registry.Descriptors() {
		if _, err := a.registry.Resolve(ctx, d.ID); err != nil {
			fmt.Fprintf(tw, "model %s\t%v\n", d.ID, err)
			code = 1
			continue
		}
		fmt.Fprintf(tw, "model %s\tok\n", d.ID)
	}
	tw.Flush()
	return code
}

func serve(ctx context.Context, a *app, args []string) int {
	fs := a.flagSet("serve", "[flags]")
	fs.StringVar(&a.cfg.Server.Host, "host", a.cfg.Server.Host, "listen host")
	fs.IntVar(&a.cfg.Server.Port, "port", a.cfg.Server.Port, "listen port")
	fs.IntVar(&a.cfg.Server.Workers, "workers", a.cfg.Server.Workers, "background job workers")
	if code := a.parse(fs, args); code >= 0 {
		return code
	}
	if err := a.wire(); err != nil {
		return a.fail("Failed to initialize", err)
	}
	defer a.close()
	if err := a.codec.Check(); err != nil {
		a.logger.Warn("Video support unavailable", "error", err)
	}

	store, err := jobs.Open(a.cfg.Storage.JobsDir, a.logger)
	if err != nil {
		return a.fail("Failed to open job store", err)
	}
	defer store.Close()

	runner := jobs.NewRunner(store, a.batches, jobs.RunnerOptions{
		Workers:   a.cfg.Server.Workers,
		OutputDir: a.cfg.Paths.OutputDir,
	}, a.logger)

	api := server.New(a.registry, runner, a.batches, a.codec.Check, server.Options{
		UploadDir:      a.cfg.Paths.UploadDir,
		OutputDir:      a.cfg.Paths.OutputDir,
		DefaultModel:   a.cfg.Enhance.Model,
		Concurrency:    a.cfg.Batch.Concurrency,
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
		RateLimit:      a.cfg.Server.RateLimit,
		RateWindow:     a.cfg.Server.RateWindow,
	}, a.logger)
	httpServer := &http.Server{
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(a.logger, supervisor.TreeConfig{ShutdownTimeout: a.cfg.Server.ShutdownTimeout})
	tree.AddWorker(runner)
	tree.AddAPI(supervisor.NewHTTPService(httpServer, a.cfg.Addr(), a.cfg.Server.ShutdownTimeout))

	a.logger.Info("Serving", "addr", a.cfg.Addr(), "models", strings.Join(modelIDs(a), ","))
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return a.fail("Server stopped", err)
	}
	a.logger.Info("Server stopped")
	return 0
}

func modelIDs(a *app) []string {
	var ids []string
	for _, d := range a.registry.Descriptors() {
		ids = append(ids, d.ID)
	}
	return ids
}
