// Package server exposes enhancement jobs and batches over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdougie/remaster/internal/batch"
	"github.com/bdougie/remaster/internal/jobs"
	"github.com/bdougie/remaster/internal/models"
)

// Models lists the registered models. *registry.Registry satisfies it.
type Models interface {
	Descriptors() []models.ModelDescriptor
	Descriptor(id string) (models.ModelDescriptor, error)
}

// Jobs accepts and reports asynchronous jobs. *jobs.Runner satisfies it.
type Jobs interface {
	Submit(ctx context.Context, input, model string, scale int, stabilize bool) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context) ([]*jobs.Job, error)
}

// Batches runs synchronous directory batches. *batch.Scheduler satisfies it.
type Batches interface {
	RunDir(ctx context.Context, dir, modelID string, opts batch.Options) (models.BatchReport, error)
}

// Options hold the server settings taken from config.
type Options struct {
	UploadDir      string
	OutputDir      string
	DefaultModel   string
	Concurrency    int
	MaxUploadBytes int64
	// RateLimit requests per RateWindow per client IP; zero disables.
	RateLimit  int
	RateWindow time.Duration
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	models  Models
	jobs    Jobs
	batches Batches
	health  func() error
	opts    Options
	logger  *slog.Logger
}

// New returns a server. health reports whether the media tools are usable;
// nil means always healthy.
func New(m Models, j Jobs, b Batches, health func() error, opts Options, logger *slog.Logger) *Server {
	if health == nil {
		health = func() error { return nil }
	}
	return &Server{models: m, jobs: j, batches: b, health: health, opts: opts, logger: logger}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/models", s.handleModels)

		r.Group(func(r chi.Router) {
			if s.opts.RateLimit > 0 {
				r.Use(httprate.LimitByIP(s.opts.RateLimit, s.opts.RateWindow))
			}
			r.Post("/jobs", s.handleSubmitJob)
			r.Post("/uploads", s.handleUpload)
			r.Post("/batches", s.handleRunBatch)
		})

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/download", s.handleDownload)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
