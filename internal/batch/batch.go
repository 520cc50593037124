// Package batch runs enhancement jobs over many inputs with a bounded
// worker pool and collects a report in input order.
package batch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/remaster/internal/enhancer"
	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/metrics"
	"github.com/bdougie/remaster/internal/models"
)

// ReasonCancelled is the error kind of items never started because the
// batch was cancelled.
const ReasonCancelled = "cancelled"

// ReasonExists is the error kind of items skipped because their output
// already exists.
const ReasonExists = "exists"

// Images enhances single image files. *enhancer.ImageEnhancer satisfies it.
type Images interface {
	EnhanceFile(ctx context.Context, input, output, modelID string, scale int) (string, error)
}

// Videos enhances single video files. *enhancer.VideoEnhancer satisfies it.
type Videos interface {
	Enhance(ctx context.Context, input, output, modelID string, opts enhancer.VideoOptions) (string, error)
}

// Options control one batch run.
type Options struct {
	Scale     int
	Stabilize bool
	// Concurrency is clamped to [1, the scheduler's cap].
	Concurrency int
	// OutputDir receives outputs; empty writes next to each input.
	OutputDir    string
	Recursive    bool
	SkipExisting bool
	// OnResult, if set, is called once per item as it finishes. Calls are
	// serialized but arrive in completion order.
	OnResult func(done, total int, res models.JobResult)
}

// Scheduler dispatches inputs to the image or video enhancer.
type Scheduler struct {
	images         Images
	videos         Videos
	maxConcurrency int
	logger         *slog.Logger
}

// New returns a scheduler whose pool never exceeds maxConcurrency workers.
func New(images Images, videos Videos, maxConcurrency int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		images:         images,
		videos:         videos,
		maxConcurrency: max(1, maxConcurrency),
		logger:         logger,
	}
}

// Concurrency returns n clamped to the scheduler's range.
func (s *Scheduler) Concurrency(n int) int {
	return min(max(n, 1), s.maxConcurrency)
}

// RunDir enhances every supported file in dir, in lexical path order.
// Only a dir that cannot be read is an error; per-file failures are in the
// report.
func (s *Scheduler) RunDir(ctx context.Context, dir, modelID string, opts Options) (models.BatchReport, error) {
	inputs, err := Enumerate(dir, opts.Recursive, opts.OutputDir)
	if err != nil {
		return models.BatchReport{}, err
	}
	s.logger.Info("enumerated batch inputs", "dir", dir, "files", len(inputs), "recursive", opts.Recursive)
	return s.run(ctx, dir, inputs, modelID, opts), nil
}

// Run enhances inputs and returns one result per input, in input order.
func (s *Scheduler) Run(ctx context.Context, inputs []string, modelID string, opts Options) models.BatchReport {
	return s.run(ctx, "", inputs, modelID, opts)
}

func (s *Scheduler) run(ctx context.Context, base string, inputs []string, modelID string, opts Options) models.BatchReport {
	report := models.BatchReport{
		ID:        uuid.NewString(),
		ModelID:   modelID,
		StartedAt: time.Now(),
		Results:   make([]models.JobResult, len(inputs)),
	}
	jobs := Plan(base, inputs, modelID, opts)

	workers := s.Concurrency(opts.Concurrency)
	if opts.Concurrency > workers {
		s.logger.Warn("concurrency clamped", "requested", opts.Concurrency, "using", workers, "max", s.maxConcurrency)
	}
	s.logger.Info("batch started", "batch", report.ID, "items", len(jobs), "model", modelID, "workers", workers)

	var (
		mu   sync.Mutex
		done int
	)
	record := func(i int, res models.JobResult) {
		report.Results[i] = res
		metrics.RecordJob(string(res.Kind), string(res.Status), res.Duration)
		mu.Lock()
		defer mu.Unlock()
		done++
		if opts.OnResult != nil {
			opts.OnResult(done, len(jobs), res)
		}
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, job := range jobs {
		if ctx.Err() != nil {
			record(i, skipped(job, ReasonCancelled))
			continue
		}
		g.Go(func() error {
			// A slot may free up only after cancellation.
			if ctx.Err() != nil {
				record(i, skipped(job, ReasonCancelled))
				return nil
			}
			record(i, s.runJob(ctx, job, opts))
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now()
	report.Elapsed = report.FinishedAt.Sub(report.StartedAt)
	report.Cancelled = ctx.Err() != nil
	report.Finalize()

	s.logger.Info("batch finished", "batch", report.ID,
		"succeeded", report.Summary.Succeeded, "failed", report.Summary.Failed, "skipped", report.Summary.Skipped,
		"outcome", report.Outcome, "elapsed", report.Elapsed.Round(time.Millisecond))
	return report
}

func skipped(job models.EnhancementJob, reason string) models.JobResult {
	return models.JobResult{
		InputPath:  job.InputPath,
		Kind:       job.Kind,
		Status:     models.StatusSkipped,
		OutputPath: job.OutputPath,
		ErrorKind:  reason,
	}
}

// runJob never returns an error: every failure, including a panic in an
// enhancer, becomes a failed result.
func (s *Scheduler) runJob(ctx context.Context, job models.EnhancementJob, opts Options) (res models.JobResult) {
	if opts.SkipExisting && exists(job.OutputPath) {
		s.logger.Debug("output exists, skipping", "input", job.InputPath, "output", job.OutputPath)
		return skipped(job, ReasonExists)
	}

	res = models.JobResult{InputPath: job.InputPath, Kind: job.Kind, StartedAt: time.Now()}
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	var (
		out string
		err error
	)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("enhancer panicked", "input", job.InputPath, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
			out = ""
		}
		res.Duration = time.Since(res.StartedAt)
		if err != nil {
			res.Status = models.StatusFailed
			res.ErrorKind = models.ErrorKind(err)
			res.Error = err.Error()
			s.logger.Warn("job failed", "input", job.InputPath, "kind", job.Kind, "error_kind", res.ErrorKind, "err", err)
			return
		}
		res.Status = models.StatusSucceeded
		res.OutputPath = out
		s.logger.Info("job succeeded", "input", job.InputPath, "output", out, "duration", res.Duration.Round(time.Millisecond))
	}()

	switch job.Kind {
	case models.KindImage:
		// An image that has started always finishes.
		out, err = s.images.EnhanceFile(context.WithoutCancel(ctx), job.InputPath, job.OutputPath, job.ModelID, job.Options.Scale)
	case models.KindVideo:
		out, err = s.videos.Enhance(ctx, job.InputPath, job.OutputPath, job.ModelID, enhancer.VideoOptions{
			Scale:     job.Options.Scale,
			Stabilize: job.Options.Stabilize,
		})
	default:
		err = fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, job.InputPath)
	}
	return res
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Plan classifies inputs and assigns output paths. Outputs are named
// "<stem>_enhanced<ext>"; with an output dir they keep their path relative
// to base (or just the file name when base is empty). Colliding names get
// a numeric suffix.
func Plan(base string, inputs []string, modelID string, opts Options) []models.EnhancementJob {
	jobs := make([]models.EnhancementJob, len(inputs))
	used := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		kind := imaging.Classify(in)
		out := outputPath(base, in, opts.OutputDir)
		if kind == models.KindImage {
			if f, err := imaging.FormatFromPath(out); err == nil {
				out = imaging.OutputPath(out, f)
			}
		}
		for n := 2; used[out]; n++ {
			ext := filepath.Ext(out)
			out = strings.TrimSuffix(out, ext) + "_" + strconv.Itoa(n) + ext
		}
		used[out] = true

		jobs[i] = models.EnhancementJob{
			Index:      i,
			InputPath:  in,
			OutputPath: out,
			Kind:       kind,
			ModelID:    modelID,
			Options:    models.JobOptions{Scale: opts.Scale, Stabilize: opts.Stabilize},
		}
	}
	return jobs
}

func outputPath(base, input, outputDir string) string {
	name := imaging.EnhancedName(input)
	if outputDir == "" {
		return filepath.Join(filepath.Dir(input), name)
	}
	if base != "" {
		if rel, err := filepath.Rel(base, filepath.Dir(input)); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.Join(outputDir, rel, name)
		}
	}
	return filepath.Join(outputDir, name)
}

// Enumerate lists the supported media files under dir in lexical order.
// Hidden entries and the output dir (when it lies inside dir) are skipped.
// Without an output dir, earlier outputs sit beside the inputs and files
// named like them are skipped too.
func Enumerate(dir string, recursive bool, outputDir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", models.ErrInvalidInput, dir)
	}

	skipDir := ""
	if outputDir != "" {
		if abs, err := filepath.Abs(outputDir); err == nil {
			skipDir = abs
		}
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !recursive {
				return filepath.SkipDir
			}
			if abs, err := filepath.Abs(path); err == nil && abs == skipDir {
				return filepath.SkipDir
			}
			return nil
		}
		if outputDir == "" && isEnhancedName(path) {
			return nil
		}
		ext := filepath.Ext(path)
		if imaging.IsImageExt(ext) || imaging.IsVideoExt(ext) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk %s: %w", models.ErrIO, dir, err)
	}
	slices.Sort(files)
	return files, nil
}

// isEnhancedName reports whether path is named like a Plan output:
// "<stem>_enhanced<ext>" or "<stem>_enhanced_<n><ext>".
func isEnhancedName(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if strings.HasSuffix(stem, "_enhanced") {
		return true
	}
	i := strings.LastIndexByte(stem, '_')
	if i < 0 || !strings.HasSuffix(stem[:i], "_enhanced") {
		return false
	}
	n, err := strconv.Atoi(stem[i+1:])
	return err == nil && n >= 2
}
