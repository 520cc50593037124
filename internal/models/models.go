package models

import (
	"image"
	"time"
)

// MediaKind classifies an input file.
type MediaKind string

const (
	KindImage       MediaKind = "image"
	KindVideo       MediaKind = "video"
	KindUnsupported MediaKind = "unsupported"
)

// ModelDescriptor describes a registered enhancement model
type ModelDescriptor struct {
	ID          string `json:"id"`
	Weights     string `json:"weights"`
	Scale       int    `json:"scale"`
	ColorDepth  int    `json:"color_depth"`
	Description string `json:"description"`
}

// JobOptions are the per-job knobs a caller may override
type JobOptions struct {
	// Scale of 0 selects the model's native factor.
	Scale     int  `json:"scale,omitempty"`
	Stabilize bool `json:"stabilize,omitempty"`
}

// EnhancementJob is one unit of batch work.
type EnhancementJob struct {
	Index      int
	InputPath  string
	OutputPath string
	Kind       MediaKind
	ModelID    string
	Options    JobOptions
}

// Frame is a single decoded video frame
type Frame struct {
	Index int
	Image *image.NRGBA
}

// JobStatus is the terminal state of a job within a batch.
type JobStatus string

const (
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusSkipped   JobStatus = "skipped"
)

// JobResult represents the outcome of one enhancement job
type JobResult struct {
	InputPath  string        `json:"input_path"`
	Kind       MediaKind     `json:"kind"`
	Status     JobStatus     `json:"status"`
	OutputPath string        `json:"output_path,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

// BatchOutcome summarizes a whole batch for exit signaling.
type BatchOutcome string

const (
	OutcomeEmpty     BatchOutcome = "empty"
	OutcomeSucceeded BatchOutcome = "succeeded"
	OutcomePartial   BatchOutcome = "partial_failure"
	OutcomeFailed    BatchOutcome = "failed"
)

// BatchSummary holds per-status counts.
type BatchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// BatchReport lists one result per input, in input order.
type BatchReport struct {
	ID         string        `json:"id"`
	ModelID    string        `json:"model"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Results    []JobResult   `json:"results"`
	Summary    BatchSummary  `json:"summary"`
	Outcome    BatchOutcome  `json:"outcome"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Finalize recomputes Summary and Outcome from Results.
func (r *BatchReport) Finalize() {
	s := BatchSummary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	r.Summary = s

	switch {
	case s.Total == 0:
		r.Outcome = OutcomeEmpty
	case s.Failed == 0:
		r.Outcome = OutcomeSucceeded
	case s.Succeeded == 0:
		r.Outcome = OutcomeFailed
	default:
		r.Outcome = OutcomePartial
	}
}

// ExitCode maps the outcome to a process exit status: 0 when nothing failed,
// 1 when every attempted item failed, 2 on partial failure.
func (r *BatchReport) ExitCode() int {
	switch r.Outcome {
	case OutcomeFailed:
		return 1
	case OutcomePartial:
		return 2
	default:
		return 0
	}
}

// SimilarOutput is a row returned by output similarity search
type SimilarOutput struct {
	InputPath  string  `json:"input_path"`
	OutputPath string  `json:"output_path"`
	Model      string  `json:"model"`
	Similarity float64 `json:"similarity"`
}
