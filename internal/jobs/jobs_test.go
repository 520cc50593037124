package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdougie/remaster/internal/batch"
	"github.com/bdougie/remaster/internal/logging"
	"github.com/bdougie/remaster/internal/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeScheduler succeeds unless the input contains "bad".
type fakeScheduler struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeScheduler) Run(_ context.Context, inputs []string, model string, opts batch.Options) models.BatchReport {
	f.mu.Lock()
	f.calls = append(f.calls, inputs[0])
	f.mu.Unlock()

	res := models.JobResult{InputPath: inputs[0], Status: models.StatusSucceeded,
		OutputPath: filepath.Join(opts.OutputDir, "out_"+filepath.Base(inputs[0]))}
	if strings.Contains(inputs[0], "bad") {
		res = models.JobResult{InputPath: inputs[0], Status: models.StatusFailed, ErrorKind: "invalid_input", Error: "cannot decode"}
	}
	r := models.BatchReport{ModelID: model, Results: []models.JobResult{res}}
	r.Finalize()
	return r
}

func waitDone(t *testing.T, r *Runner, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Done() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func serve(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	})
}

func TestStorePutGetList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"c", "a", "b"} {
		job := &Job{ID: id, InputPath: id + ".png", Status: StatusQueued, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Put(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.InputPath != "a.png" || !got.CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("Get = %+v", got)
	}
	if _, err := s.Get(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, j := range list {
		ids = append(ids, j.ID)
	}
	if strings.Join(ids, ",") != "c,a,b" {
		t.Errorf("List order = %v, want creation order", ids)
	}
}

func TestSubmitRejectsUnsupported(t *testing.T) {
	r := NewRunner(openStore(t), &fakeScheduler{}, RunnerOptions{}, logging.Discard())
	if _, err := r.Submit(context.Background(), "notes.txt", "esrgan", 0, false); !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Errorf("err = %v", err)
	}
}

func TestRunnerProcessesJobs(t *testing.T) {
	sched := &fakeScheduler{}
	r := NewRunner(openStore(t), sched, RunnerOptions{Workers: 2, OutputDir: "out"}, logging.Discard())
	serve(t, r)

	ctx := context.Background()
	ok, err := r.Submit(ctx, "in/good.png", "esrgan", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	bad, err := r.Submit(ctx, "in/bad.mp4", "esrgan", 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if ok.Status != StatusQueued || ok.Kind != models.KindImage || bad.Kind != models.KindVideo {
		t.Errorf("submitted = %+v / %+v", ok, bad)
	}

	done := waitDone(t, r, ok.ID)
	if done.Status != StatusCompleted || done.OutputPath != filepath.Join("out", "out_good.png") {
		t.Errorf("good job = %+v", done)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Error("timestamps not set")
	}

	failed := waitDone(t, r, bad.ID)
	if failed.Status != StatusFailed || failed.ErrorKind != "invalid_input" {
		t.Errorf("bad job = %+v", failed)
	}
}

func TestRunnerRestoresState(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, st := range []Status{StatusProcessing, StatusQueued, StatusCompleted} {
		job := &Job{ID: fmt.Sprintf("job-%d", i), InputPath: fmt.Sprintf("in/%d.png", i), Model: "esrgan", Status: st, CreatedAt: now}
		if err := store.Put(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	sched := &fakeScheduler{}
	r := NewRunner(store, sched, RunnerOptions{}, logging.Discard())
	serve(t, r)

	interrupted := waitDone(t, r, "job-0")
	if interrupted.Status != StatusFailed || interrupted.ErrorKind != ReasonInterrupted {
		t.Errorf("processing job after restart = %+v", interrupted)
	}
	if requeued := waitDone(t, r, "job-1"); requeued.Status != StatusCompleted {
		t.Errorf("queued job after restart = %+v", requeued)
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.calls) != 1 || sched.calls[0] != "in/1.png" {
		t.Errorf("scheduler calls = %v", sched.calls)
	}
}
