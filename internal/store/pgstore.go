package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vidforge/renderqueue/internal/queue"
)

// PostgresStore is a SQL-backed Store for deployments that already run a
// database. Row-level durability stands in for the file backend's
// save-on-mutation; the interface contract is identical.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

const createJobsTable = `
	CREATE TABLE IF NOT EXISTS jobs (
		seq           BIGSERIAL,
		id            TEXT PRIMARY KEY,
		payload       JSONB,
		state         TEXT NOT NULL,
		attempt_count INT NOT NULL DEFAULT 0,
		max_attempts  INT NOT NULL,
		last_error    TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		finished_at   TIMESTAMPTZ,
		not_before    TIMESTAMPTZ,
		result        JSONB
	)
`

// NewPostgresStore wraps an open sqlx handle and ensures the jobs table
// exists.
func NewPostgresStore(ctx context.Context, db *sqlx.DB, logger *slog.Logger) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, createJobsTable); err != nil {
		return nil, fmt.Errorf("failed to ensure jobs table: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// jobRow maps one jobs table row.
type jobRow struct {
	ID           string       `db:"id"`
	Payload      []byte       `db:"payload"`
	State        string       `db:"state"`
	AttemptCount int          `db:"attempt_count"`
	MaxAttempts  int          `db:"max_attempts"`
	LastError    string       `db:"last_error"`
	CreatedAt    time.Time    `db:"created_at"`
	StartedAt    sql.NullTime `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
	NotBefore    sql.NullTime `db:"not_before"`
	Result       []byte       `db:"result"`
}

func (r *jobRow) toJob() *queue.Job {
	job := &queue.Job{
		ID:           r.ID,
		Payload:      r.Payload,
		State:        queue.State(r.State),
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt,
		Result:       r.Result,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	if r.NotBefore.Valid {
		job.NotBefore = r.NotBefore.Time
	}
	return job
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableInstant(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Append inserts a new job row.
func (s *PostgresStore) Append(ctx context.Context, job *queue.Job) error {
	query := `
		INSERT INTO jobs (id, payload, state, attempt_count, max_attempts,
		                  last_error, created_at, started_at, finished_at,
		                  not_before, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID, []byte(job.Payload), string(job.State), job.AttemptCount,
		job.MaxAttempts, job.LastError, job.CreatedAt,
		nullTime(job.StartedAt), nullTime(job.FinishedAt),
		nullableInstant(job.NotBefore), []byte(job.Result),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", queue.ErrDuplicateID, job.ID)
		}
		return fmt.Errorf("failed to append job: %w", err)
	}

	return nil
}

// Update applies fn to the row under a row lock so no two callers can race
// on the same job's state transition.
func (s *PostgresStore) Update(ctx context.Context, id string, fn Mutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	query := `
		SELECT id, payload, state, attempt_count, max_attempts, last_error,
		       created_at, started_at, finished_at, not_before, result
		FROM jobs WHERE id = $1 FOR UPDATE
	`
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to load job for update: %w", err)
	}

	job := row.toJob()
	if err := fn(job); err != nil {
		return err
	}

	update := `
		UPDATE jobs
		SET state = $2, attempt_count = $3, last_error = $4, started_at = $5,
		    finished_at = $6, not_before = $7, result = $8
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, update,
		job.ID, string(job.State), job.AttemptCount, job.LastError,
		nullTime(job.StartedAt), nullTime(job.FinishedAt),
		nullableInstant(job.NotBefore), []byte(job.Result),
	); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job update: %w", err)
	}

	return nil
}

// Get returns one job record.
func (s *PostgresStore) Get(ctx context.Context, id string) (*queue.Job, error) {
	var row jobRow
	query := `
		SELECT id, payload, state, attempt_count, max_attempts, last_error,
		       created_at, started_at, finished_at, not_before, result
		FROM jobs WHERE id = $1
	`
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob(), nil
}

// List returns all jobs in insertion order.
func (s *PostgresStore) List(ctx context.Context) ([]*queue.Job, error) {
	var rows []jobRow
	query := `
		SELECT id, payload, state, attempt_count, max_attempts, last_error,
		       created_at, started_at, finished_at, not_before, result
		FROM jobs ORDER BY seq ASC
	`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*queue.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}

// ClearTerminal deletes archived jobs that need no further scheduling.
func (s *PostgresStore) ClearTerminal(ctx context.Context) (int, error) {
	query := `
		DELETE FROM jobs
		WHERE state IN ($1, $2)
		   OR (state = $3 AND attempt_count >= max_attempts)
	`
	res, err := s.db.ExecContext(ctx, query,
		string(queue.StateCompleted), string(queue.StateCancelled), string(queue.StateFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear terminal jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared jobs: %w", err)
	}

	s.logger.Info("Cleared terminal jobs", slog.Int64("removed", affected))
	return int(affected), nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
