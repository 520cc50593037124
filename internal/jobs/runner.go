package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/remaster/internal/batch"
	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/models"
)

// ErrQueueFull is returned by Submit when the in-memory queue is full.
var ErrQueueFull = errors.New("job queue is full")

// ReasonInterrupted marks jobs that were processing when the runner stopped
// unexpectedly.
const ReasonInterrupted = "interrupted"

// Scheduler runs a batch. *batch.Scheduler satisfies it.
type Scheduler interface {
	Run(ctx context.Context, inputs []string, modelID string, opts batch.Options) models.BatchReport
}

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	Workers   int
	OutputDir string
	QueueSize int
}

// Runner executes queued jobs in the background. It is a suture service:
// Serve recovers persisted state, then works the queue until its context
// ends.
type Runner struct {
	store     *Store
	scheduler Scheduler
	opts      RunnerOptions
	queue     chan string
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
}

func NewRunner(store *Store, scheduler Scheduler, opts RunnerOptions, logger *slog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Runner{
		store:     store,
		scheduler: scheduler,
		opts:      opts,
		queue:     make(chan string, opts.QueueSize),
		logger:    logger,
		pending:   make(map[string]bool),
	}
}

// Submit validates and persists a new job and queues it.
func (r *Runner) Submit(ctx context.Context, input, model string, scale int, stabilize bool) (*Job, error) {
	kind := imaging.Classify(input)
	if kind == models.KindUnsupported {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, input)
	}
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		InputPath: input,
		Model:     model,
		Scale:     scale,
		Stabilize: stabilize,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Put(ctx, job); err != nil {
		return nil, err
	}
	if !r.enqueue(job.ID) {
		job.Status = StatusFailed
		job.ErrorKind = "queue_full"
		job.Error = ErrQueueFull.Error()
		_ = r.store.Put(ctx, job)
		return nil, ErrQueueFull
	}
	r.logger.Info("job queued", "job", job.ID, "input", input, "model", model, "kind", kind)
	return job, nil
}

// Get returns a job by ID.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

// List returns every job, oldest first.
func (r *Runner) List(ctx context.Context) ([]*Job, error) {
	return r.store.List(ctx)
}

func (r *Runner) enqueue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[id] {
		return true
	}
	select {
	case r.queue <- id:
		r.pending[id] = true
		return true
	default:
		return false
	}
}

// Serve implements suture.Service.
func (r *Runner) Serve(ctx context.Context) error {
	if err := r.restore(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-r.queue:
					r.process(ctx, id)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) String() string {
	return "job-runner"
}

// restore marks jobs left processing by a previous run as failed and
// re-queues the ones still queued.
func (r *Runner) restore(ctx context.Context) error {
	jobs, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	requeued, interrupted := 0, 0
	for _, job := range jobs {
		switch job.Status {
		case StatusProcessing:
			r.mu.Lock()
			inFlight := r.pending[job.ID]
			r.mu.Unlock()
			if inFlight {
				continue
			}
			r.finish(ctx, job, models.JobResult{Status: models.StatusFailed, ErrorKind: ReasonInterrupted,
				Error: "processing was interrupted by a restart"})
			interrupted++
		case StatusQueued:
			if r.enqueue(job.ID) {
				requeued++
			}
		}
	}
	if requeued+interrupted > 0 {
		r.logger.Info("recovered jobs", "requeued", requeued, "interrupted", interrupted)
	}
	return nil
}

func (r *Runner) process(ctx context.Context, id string) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Error("load queued job", "job", id, "err", err)
		r.release(id)
		return
	}
	if job.Status != StatusQueued {
		r.release(id)
		return
	}

	now := time.Now().UTC()
	job.Status = StatusProcessing
	job.StartedAt = &now
	if err := r.store.Put(ctx, job); err != nil {
		r.logger.Error("mark job processing", "job", id, "err", err)
		r.release(id)
		return
	}

	report := r.scheduler.Run(ctx, []string{job.InputPath}, job.Model, batch.Options{
		Scale:       job.Scale,
		Stabilize:   job.Stabilize,
		Concurrency: 1,
		OutputDir:   r.opts.OutputDir,
	})
	res := report.Results[0]

	// Work cut short by shutdown runs again on the next start.
	if ctx.Err() != nil && (res.ErrorKind == batch.ReasonCancelled || res.ErrorKind == models.ErrorKind(ctx.Err())) {
		job.Status = StatusQueued
		job.StartedAt = nil
		if err := r.store.Put(context.WithoutCancel(ctx), job); err != nil {
			r.logger.Error("requeue job", "job", id, "err", err)
		}
		r.release(id)
		return
	}
	r.finish(context.WithoutCancel(ctx), job, res)
	r.release(id)
}

func (r *Runner) finish(ctx context.Context, job *Job, res models.JobResult) {
	now := time.Now().UTC()
	job.FinishedAt = &now
	if res.Status == models.StatusSucceeded {
		job.Status = StatusCompleted
		job.OutputPath = res.OutputPath
	} else {
		job.Status = StatusFailed
		job.ErrorKind = res.ErrorKind
		job.Error = res.Error
	}
	if err := r.store.Put(ctx, job); err != nil {
		r.logger.Error("store job result", "job", job.ID, "err", err)
		return
	}
	r.logger.Info("job finished", "job", job.ID, "status", job.Status, "error_kind", job.ErrorKind)
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
