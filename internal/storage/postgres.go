package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/remaster/internal/embeddings"
	"github.com/bdougie/remaster/internal/models"
)

// Signer computes output signatures. *embeddings.Service satisfies it.
type Signer interface {
	Compute(ctx context.Context, path string) ([]float32, error)
}

// PostgresStore records batch history in PostgreSQL, with a pgvector
// signature per image output for similarity search.
type PostgresStore struct {
	pool    *pgxpool.Pool
	signer  Signer
	logger  *slog.Logger
	batchID uuid.UUID
}

// OpenPostgres connects to dsn without registering a batch. The store can
// search but not record results.
func OpenPostgres(ctx context.Context, dsn string, signer Signer, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool, signer: signer, logger: logger}, nil
}

// NewPostgresStore connects to dsn and registers the batch described by
// header. Results added later are attached to that batch.
func NewPostgresStore(ctx context.Context, dsn string, header models.BatchReport, signer Signer, logger *slog.Logger) (*PostgresStore, error) {
	s, err := OpenPostgres(ctx, dsn, signer, logger)
	if err != nil {
		return nil, err
	}
	if s.batchID, err = s.upsertBatch(ctx, header); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// BatchID is the database ID of the batch this store writes to.
func (s *PostgresStore) BatchID() uuid.UUID { return s.batchID }

func (s *PostgresStore) upsertBatch(ctx context.Context, r models.BatchReport) (uuid.UUID, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		id = uuid.New()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batches (id, model, started_at, finished_at, total, succeeded, failed, skipped, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at, total = EXCLUDED.total, succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed, skipped = EXCLUDED.skipped, outcome = EXCLUDED.outcome`,
		id, r.ModelID, r.StartedAt, r.FinishedAt,
		r.Summary.Total, r.Summary.Succeeded, r.Summary.Failed, r.Summary.Skipped, string(r.Outcome))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to store batch: %w", err)
	}
	return id, nil
}

// AddResult stores one result. Successful image outputs also get a
// signature; a signature failure is logged and the result kept.
func (s *PostgresStore) AddResult(ctx context.Context, res models.JobResult) error {
	if s.batchID == uuid.Nil {
		return errors.New("no batch registered")
	}
	var resultID int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO results
		(batch_id, input_path, kind, status, output_path, error_kind, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		s.batchID, res.InputPath, string(res.Kind), string(res.Status), res.OutputPath,
		res.ErrorKind, res.Error, nullTime(res), res.Duration.Milliseconds()).Scan(&resultID)
	if err != nil {
		return fmt.Errorf("failed to store result for %s: %w", res.InputPath, err)
	}

	if res.Status != models.StatusSucceeded || res.Kind != models.KindImage || s.signer == nil {
		return nil
	}
	sig, err := s.signer.Compute(ctx, res.OutputPath)
	if err != nil {
		s.logger.Warn("failed to compute output signature", "output", res.OutputPath, "err", err)
		return nil
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO outputs (result_id, path, signature) VALUES ($1, $2, $3)`,
		resultID, res.OutputPath, pgvector.NewVector(sig))
	if err != nil {
		return fmt.Errorf("failed to store output signature: %w", err)
	}
	return nil
}

// Flush is a no-op; results are written immediately.
func (s *PostgresStore) Flush() error {
	return nil
}

// SearchSimilarOutputs returns the stored outputs whose signatures are
// closest to the image at path, most similar first.
func (s *PostgresStore) SearchSimilarOutputs(ctx context.Context, path string, limit int) ([]models.SimilarOutput, error) {
	if s.signer == nil {
		return nil, errors.New("no signer configured")
	}
	sig, err := s.signer.Compute(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to compute query signature: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT r.input_path, o.path, b.model, 1 - (o.signature <=> $1) AS similarity
		FROM outputs o
		JOIN results r ON o.result_id = r.id
		JOIN batches b ON r.batch_id = b.id
		ORDER BY o.signature <=> $1
		LIMIT $2`,
		pgvector.NewVector(sig), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar outputs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SimilarOutput, error) {
		var out models.SimilarOutput
		err := row.Scan(&out.InputPath, &out.OutputPath, &out.Model, &out.Similarity)
		return out, err
	})
}

func nullTime(res models.JobResult) any {
	if res.StartedAt.IsZero() {
		return nil
	}
	return res.StartedAt
}

// InitSchema creates the database schema if it doesn't exist
func InitSchema(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS batches (
			id UUID PRIMARY KEY,
			model VARCHAR(64) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			total INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			outcome VARCHAR(32) NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS results (
			id BIGSERIAL PRIMARY KEY,
			batch_id UUID REFERENCES batches(id) ON DELETE CASCADE,
			input_path TEXT NOT NULL,
			kind VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			output_path TEXT NOT NULL DEFAULT '',
			error_kind VARCHAR(32) NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS outputs (
			id BIGSERIAL PRIMARY KEY,
			result_id BIGINT REFERENCES results(id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			signature vector(%d)
		);
	`, embeddings.Dim))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_results_batch_id ON results(batch_id);
		CREATE INDEX IF NOT EXISTS idx_outputs_result_id ON outputs(result_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}
