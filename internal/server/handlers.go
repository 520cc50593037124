package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/bdougie/remaster/internal/batch"
	"github.com/bdougie/remaster/internal/imaging"
	"github.com/bdougie/remaster/internal/jobs"
	"github.com/bdougie/remaster/internal/models"
	"github.com/bdougie/remaster/internal/validation"
)

// JobRequest submits a file already in the upload directory.
type JobRequest struct {
	// Input is relative to the upload directory.
	Input     string `json:"input" validate:"required"`
	Model     string `json:"model"`
	Scale     int    `json:"scale" validate:"gte=0,lte=16"`
	Stabilize bool   `json:"stabilize"`
}

// BatchRequest enhances a directory under the upload directory.
type BatchRequest struct {
	Dir         string `json:"dir"`
	Model       string `json:"model"`
	Scale       int    `json:"scale" validate:"gte=0,lte=16"`
	Stabilize   bool   `json:"stabilize"`
	Concurrency int    `json:"concurrency" validate:"gte=0"`
	Recursive   bool   `json:"recursive"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	kind := models.ErrorKind(err)
	if kind == "internal" {
		kind = ""
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, models.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, jobs.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"models": len(s.models.Descriptors()),
		"video":  true,
	}
	if err := s.health(); err != nil {
		resp["status"] = "degraded"
		resp["video"] = false
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.models.Descriptors())
}

// resolve maps a client path onto base, refusing anything that escapes it.
func resolve(base, p string) (string, error) {
	p = filepath.FromSlash(p)
	if p == "" {
		return base, nil
	}
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("%w: path %q must be relative to the upload directory", models.ErrInvalidInput, p)
	}
	return filepath.Join(base, p), nil
}

func (s *Server) model(id string) (string, error) {
	if id == "" {
		id = s.opts.DefaultModel
	}
	d, err := s.models.Descriptor(id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}
	return d.ID, nil
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	input, err := resolve(s.opts.UploadDir, req.Input)
	if err == nil {
		if _, statErr := os.Stat(input); statErr != nil {
			err = fmt.Errorf("%w: %s does not exist", models.ErrInvalidInput, req.Input)
		}
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.submit(w, r, input, req.Model, req.Scale, req.Stabilize)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, input, model string, scale int, stabilize bool) {
	modelID, err := s.model(model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), input, modelID, scale, stabilize)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

// handleUpload stores a multipart "file" part and queues a job for it.
// Optional form fields: model, scale, stabilize.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.opts.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.opts.MaxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file part: %w", err))
		return
	}
	defer file.Close()

	name := sanitize(header.Filename)
	ext := filepath.Ext(name)
	if !imaging.IsImageExt(ext) && !imaging.IsVideoExt(ext) {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, name))
		return
	}

	scale := 0
	if v := r.FormValue("scale"); v != "" {
		if scale, err = strconv.Atoi(v); err != nil || scale < 0 || scale > 16 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: bad scale %q", models.ErrInvalidInput, v))
			return
		}
	}
	stabilize, _ := strconv.ParseBool(r.FormValue("stabilize"))

	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	dst := filepath.Join(s.opts.UploadDir, uuid.NewString()+"_"+name)
	out, err := os.Create(dst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dst)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("save upload: %w", err))
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("save upload: %w", err))
		return
	}
	s.logger.Info("upload saved", "file", dst, "bytes", header.Size)

	s.submit(w, r, dst, r.FormValue("model"), scale, stabilize)
}

// sanitize keeps the base name of an uploaded file with unsafe characters
// replaced.
func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if strings.Trim(name, "._") == "" {
		return "upload"
	}
	return name
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if job.Status != jobs.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Errorf("job %s is %s", job.ID, job.Status))
		return
	}
	f, err := os.Open(job.OutputPath)
	if err != nil {
		writeError(w, http.StatusGone, fmt.Errorf("output no longer available"))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(job.OutputPath)))
	http.ServeContent(w, r, filepath.Base(job.OutputPath), info.ModTime(), f)
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dir, err := resolve(s.opts.UploadDir, req.Dir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	modelID, err := s.model(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = s.opts.Concurrency
	}

	report, err := s.batches.RunDir(r.Context(), dir, modelID, batch.Options{
		Scale:       req.Scale,
		Stabilize:   req.Stabilize,
		Concurrency: concurrency,
		OutputDir:   s.opts.OutputDir,
		Recursive:   req.Recursive,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
