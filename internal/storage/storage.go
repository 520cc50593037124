package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/bdougie/remaster/internal/models"
)

// DefaultBatchSize is how many results FileStore buffers between writes.
const DefaultBatchSize = 10

// Storage records job results.
type Storage interface {
	// AddResult adds a single job result
	AddResult(ctx context.Context, result models.JobResult) error

	// Flush ensures all pending results are saved
	Flush() error
}

// Save feeds every result of report to s, in report order, then flushes.
func Save(ctx context.Context, s Storage, report models.BatchReport) error {
	for _, res := range report.Results {
		if err := s.AddResult(ctx, res); err != nil {
			return err
		}
	}
	return s.Flush()
}

// FileStore writes results as a JSON report file, batching writes.
type FileStore struct {
	mu        sync.Mutex
	path      string
	batchSize int
	report    models.BatchReport
	pending   int
}

// NewFileStore returns a store that writes to path. The report header
// (ID, model, timing, summary) is taken from header; results arrive through
// AddResult.
func NewFileStore(path string, header models.BatchReport, batchSize int) *FileStore {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	header.Results = nil
	return &FileStore{path: path, batchSize: batchSize, report: header}
}

// AddResult adds a result to the batch and flushes if the batch is full
func (s *FileStore) AddResult(_ context.Context, result models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.Results = append(s.report.Results, result)
	s.pending++

	if s.pending >= s.batchSize {
		return s.flush()
	}
	return nil
}

// Flush writes all results added so far.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

func (s *FileStore) flush() error {
	if s.pending == 0 && fileExists(s.path) {
		return nil
	}
	if err := WriteReport(s.path, s.report); err != nil {
		return err
	}
	s.pending = 0
	return nil
}

// WriteReport writes report as indented JSON, replacing path atomically.
func WriteReport(path string, report models.BatchReport) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create report dir: %w", models.ErrIO, err)
		}
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("%w: write report: %w", models.ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: write report: %w", models.ErrIO, err)
	}
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (models.BatchReport, error) {
	var report models.BatchReport
	data, err := os.ReadFile(path)
	if err != nil {
		return report, fmt.Errorf("%w: %w", models.ErrIO, err)
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("decode report %s: %w", path, err)
	}
	return report, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
