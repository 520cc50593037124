// Package jobs persists asynchronous enhancement jobs and runs them in the
// background.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/bdougie/remaster/internal/models"
)

const jobKeyPrefix = "job:"

// ErrNotFound is returned for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one asynchronous enhancement request.
type Job struct {
	ID         string           `json:"id"`
	Kind       models.MediaKind `json:"kind"`
	InputPath  string           `json:"input_path"`
	OutputPath string           `json:"output_path,omitempty"`
	Model      string           `json:"model"`
	Scale      int              `json:"scale,omitempty"`
	Stabilize  bool             `json:"stabilize,omitempty"`
	Status     Status           `json:"status"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Done reports whether the job reached a terminal state.
func (j *Job) Done() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Store keeps jobs in BadgerDB under "job:<id>".
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store in dir. An empty dir keeps everything in
// memory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already open database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put creates or replaces a job.
func (s *Store) Put(_ context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(jobKeyPrefix+job.ID), data)
	})
}

// Get retrieves a job by ID.
func (s *Store) Get(_ context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns every job, oldest first.
func (s *Store) List(_ context.Context) ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(jobKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	slices.SortStableFunc(jobs, func(a, b *Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return jobs, nil
}

// badgerLogger routes badger's internal logging to slog, demoting info to
// debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.logger.Error(trim(f, v), "component", "badger") }
func (l badgerLogger) Warningf(f string, v ...any) { l.logger.Warn(trim(f, v), "component", "badger") }
func (l badgerLogger) Infof(f string, v ...any)    { l.logger.Debug(trim(f, v), "component", "badger") }
func (l badgerLogger) Debugf(f string, v ...any)   { l.logger.Debug(trim(f, v), "component", "badger") }

func trim(f string, v []any) string {
	msg := fmt.Sprintf(f, v...)
	for len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	return msg
}
