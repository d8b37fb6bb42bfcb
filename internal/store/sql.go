// Package store is the collaborator persistence layer: submissions are read
// from it and every terminal evaluation is appended to it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/alexdev-tb/submission-evaluator/internal/queue"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrResultNotFound     = errors.New("no evaluation result recorded")
)

var postgresSchema = `
CREATE TABLE IF NOT EXISTS submissions (
    id VARCHAR(255) PRIMARY KEY,
    artifact_path TEXT NOT NULL,
    rubric_ref VARCHAR(255) NOT NULL DEFAULT '',
    owner_id VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS evaluation_results (
    id BIGSERIAL PRIMARY KEY,
    job_id VARCHAR(64) NOT NULL UNIQUE,
    submission_id VARCHAR(255) NOT NULL,
    state VARCHAR(16) NOT NULL,
    score DOUBLE PRECISION,
    failure_reason TEXT,
    logs TEXT NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0,
    retry_count INT NOT NULL DEFAULT 0,
    finished_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluation_results_submission ON evaluation_results(submission_id, finished_at);
`

var sqliteSchema = `
CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    artifact_path TEXT NOT NULL,
    rubric_ref TEXT NOT NULL DEFAULT '',
    owner_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS evaluation_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL UNIQUE,
    submission_id TEXT NOT NULL,
    state TEXT NOT NULL,
    score REAL,
    failure_reason TEXT,
    logs TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluation_results_submission ON evaluation_results(submission_id, finished_at);
`

const resultColumns = `id, job_id, submission_id, state, score, failure_reason, logs, duration_ms, retry_count, finished_at`

// SQLStore reads submissions and appends evaluation results through sqlx. It
// works against postgres and sqlite3.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects with the given driver ("postgres" or "sqlite3").
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	return NewSQLStore(db), nil
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.db.DriverName() == "sqlite3" {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSubmission(ctx context.Context, id string) (queue.Submission, error) {
	var sub queue.Submission
	query := s.db.Rebind(`SELECT id, artifact_path, rubric_ref, owner_id, created_at FROM submissions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &sub, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Submission{}, ErrSubmissionNotFound
		}
		return queue.Submission{}, fmt.Errorf("get submission %s: %w", id, err)
	}
	return sub, nil
}

// CreateSubmission exists for seeding and tests; in production the
// surrounding application owns submission rows.
func (s *SQLStore) CreateSubmission(ctx context.Context, sub queue.Submission) error {
	query := `INSERT INTO submissions (id, artifact_path, rubric_ref, owner_id, created_at)
        VALUES (:id, :artifact_path, :rubric_ref, :owner_id, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, query, sub); err != nil {
		return fmt.Errorf("create submission %s: %w", sub.ID, err)
	}
	return nil
}

// SaveResult appends r. Saving the same job twice is a no-op, so a worker
// and the liveness sweep racing on one job still leave a single row.
func (s *SQLStore) SaveResult(ctx context.Context, r Result) error {
	query := `INSERT INTO evaluation_results
        (job_id, submission_id, state, score, failure_reason, logs, duration_ms, retry_count, finished_at)
        VALUES
        (:job_id, :submission_id, :state, :score, :failure_reason, :logs, :duration_ms, :retry_count, :finished_at)
        ON CONFLICT (job_id) DO NOTHING`
	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("save result for job %s: %w", r.JobID, err)
	}
	return nil
}

// Latest returns the most recent result persisted for the submission.
func (s *SQLStore) Latest(ctx context.Context, submissionID string) (Result, error) {
	var r Result
	query := s.db.Rebind(`SELECT ` + resultColumns + ` FROM evaluation_results
        WHERE submission_id = ? ORDER BY finished_at DESC, id DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &r, query, submissionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrResultNotFound
		}
		return Result{}, fmt.Errorf("latest result for %s: %w", submissionID, err)
	}
	return r, nil
}

// Results lists every persisted result for the submission, oldest first.
func (s *SQLStore) Results(ctx context.Context, submissionID string) ([]Result, error) {
	var results []Result
	query := s.db.Rebind(`SELECT ` + resultColumns + ` FROM evaluation_results
        WHERE submission_id = ? ORDER BY finished_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &results, query, submissionID); err != nil {
		return nil, fmt.Errorf("results for %s: %w", submissionID, err)
	}
	return results, nil
}
