package server

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/bdougie/remaster/internal/backend"
	"github.com/bdougie/remaster/internal/batch"
	"github.com/bdougie/remaster/internal/config"
	"github.com/bdougie/remaster/internal/jobs"
	"github.com/bdougie/remaster/internal/logging"
	"github.com/bdougie/remaster/internal/models"
	"github.com/bdougie/remaster/internal/registry"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*jobs.Job
	next int
}

func (f *fakeJobs) Submit(_ context.Context, input, model string, scale int, stabilize bool) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	job := &jobs.Job{ID: "job-" + string(rune('0'+f.next)), InputPath: input, Model: model, Scale: scale,
		Stabilize: stabilize, Status: jobs.StatusQueued, CreatedAt: time.Now()}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) List(context.Context) ([]*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*jobs.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

type fakeBatches struct {
	dir  string
	opts batch.Options
}

func (f *fakeBatches) RunDir(_ context.Context, dir, model string, opts batch.Options) (models.BatchReport, error) {
	f.dir, f.opts = dir, opts
	r := models.BatchReport{ModelID: model, Results: []models.JobResult{
		{InputPath: filepath.Join(dir, "a.png"), Status: models.StatusSucceeded},
		{InputPath: filepath.Join(dir, "b.png"), Status: models.StatusFailed, ErrorKind: "invalid_input"},
	}}
	r.Finalize()
	return r, nil
}

type fixture struct {
	handler http.Handler
	jobs    *fakeJobs
	batches *fakeBatches
	uploads string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	reg := registry.New(logging.Discard())
	if err := backend.Register(reg, backend.Options{Backend: config.BackendResample}, logging.Discard()); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		jobs:    &fakeJobs{jobs: map[string]*jobs.Job{}},
		batches: &fakeBatches{},
		uploads: t.TempDir(),
	}
	opts := Options{
		UploadDir:      f.uploads,
		OutputDir:      t.TempDir(),
		DefaultModel:   "esrgan",
		Concurrency:    2,
		MaxUploadBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.handler = New(reg, f.jobs, f.batches, nil, opts, logging.Discard()).Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthAndModels(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	health := decode[map[string]any](t, rec)
	if health["status"] != "ok" || health["models"] != float64(3) {
		t.Errorf("health = %v", health)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/models", nil, "")
	descs := decode[[]models.ModelDescriptor](t, rec)
	if len(descs) != 3 || descs[0].ID != "bicubic" {
		t.Errorf("models = %+v", descs)
	}
}

func TestSubmitJob(t *testing.T) {
	f := newFixture(t, nil)
	if err := os.WriteFile(filepath.Join(f.uploads, "photo.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"input":"photo.png","scale":2}`), "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	job := decode[jobs.Job](t, rec)
	if job.Model != "esrgan" || job.Scale != 2 || job.InputPath != filepath.Join(f.uploads, "photo.png") {
		t.Errorf("job = %+v", job)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/jobs/"+job.ID {
		t.Errorf("Location = %q", loc)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil, "")
	if rec.Code != http.StatusOK || decode[jobs.Job](t, rec).ID != job.ID {
		t.Errorf("get job: %d %s", rec.Code, rec.Body)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/jobs", nil, "")
	if list := decode[[]jobs.Job](t, rec); len(list) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestSubmitJobRejects(t *testing.T) {
	f := newFixture(t, nil)
	if err := os.WriteFile(filepath.Join(f.uploads, "photo.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing input", `{}`, http.StatusBadRequest},
		{"escaping path", `{"input":"../etc/passwd"}`, http.StatusBadRequest},
		{"absolute path", `{"input":"/etc/passwd"}`, http.StatusBadRequest},
		{"missing file", `{"input":"nope.png"}`, http.StatusBadRequest},
		{"unknown model", `{"input":"photo.png","model":"waifu2x"}`, http.StatusBadRequest},
		{"scale out of range", `{"input":"photo.png","scale":99}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/jobs", strings.NewReader(tt.body), "application/json")
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestGetUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/api/v1/jobs/missing", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("status %d", rec.Code)
	}
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartBody(t, "../My Clip.mp4", []byte("fake video"), map[string]string{"stabilize": "true", "model": "esrgan_anime"})

	rec := f.do(t, http.MethodPost, "/api/v1/uploads", body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	job := decode[jobs.Job](t, rec)
	if !job.Stabilize || job.Model != "esrgan_anime" {
		t.Errorf("job = %+v", job)
	}
	if filepath.Dir(job.InputPath) != f.uploads || !strings.HasSuffix(job.InputPath, "_My_Clip.mp4") {
		t.Errorf("saved as %s", job.InputPath)
	}
	data, err := os.ReadFile(job.InputPath)
	if err != nil || string(data) != "fake video" {
		t.Errorf("saved content = %q, %v", data, err)
	}
}

func TestUploadRejects(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxUploadBytes = 512 })

	body, ct := multipartBody(t, "notes.txt", []byte("hello"), nil)
	if rec := f.do(t, http.MethodPost, "/api/v1/uploads", body, ct); rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("txt upload status %d", rec.Code)
	}

	body, ct = multipartBody(t, "big.png", bytes.Repeat([]byte("x"), 4096), nil)
	if rec := f.do(t, http.MethodPost, "/api/v1/uploads", body, ct); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload status %d: %s", rec.Code, rec.Body)
	}

	body, ct = multipartBody(t, "a.png", []byte("x"), map[string]string{"scale": "nine"})
	if rec := f.do(t, http.MethodPost, "/api/v1/uploads", body, ct); rec.Code != http.StatusBadRequest {
		t.Errorf("bad scale status %d", rec.Code)
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t, nil)
	out := filepath.Join(t.TempDir(), "photo_enhanced.png")
	if err := os.WriteFile(out, []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.jobs.jobs["done"] = &jobs.Job{ID: "done", Status: jobs.StatusCompleted, OutputPath: out}
	f.jobs.jobs["busy"] = &jobs.Job{ID: "busy", Status: jobs.StatusProcessing}

	rec := f.do(t, http.MethodGet, "/api/v1/jobs/done/download", nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "pixels" {
		t.Fatalf("download: %d %q", rec.Code, rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "photo_enhanced.png") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/jobs/busy/download", nil, ""); rec.Code != http.StatusConflict {
		t.Errorf("unfinished download status %d", rec.Code)
	}
}

func TestRunBatch(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/batches", strings.NewReader(`{"dir":"set1","scale":2,"recursive":true}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	report := decode[models.BatchReport](t, rec)
	if report.Outcome != models.OutcomePartial || report.Summary.Failed != 1 || len(report.Results) != 2 {
		t.Errorf("report = %+v", report)
	}
	if f.batches.dir != filepath.Join(f.uploads, "set1") || f.batches.opts.Concurrency != 2 || !f.batches.opts.Recursive {
		t.Errorf("RunDir called with %s %+v", f.batches.dir, f.batches.opts)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/batches", strings.NewReader(`{"dir":"../x"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("escaping dir status %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateLimit = 2
		o.RateWindow = time.Minute
	})
	var last int
	for i := 0; i < 3; i++ {
		last = f.do(t, http.MethodPost, "/api/v1/jobs", strings.NewReader(`{}`), "application/json").Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status %d, want 429", last)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/health", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("health limited: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("metrics: %d", rec.Code)
	}
}
