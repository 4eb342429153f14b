package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/index-queue/internal/backoff"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, job_type, payload, status, attempts, max_attempts, locked, locked_at,
	runner, run_after, dedupe_key, last_error, created_at, updated_at, completed_at`

// Storage handles all database operations on the job queue
type Storage struct {
	db                 *sqlx.DB
	logger             *slog.Logger
	backoff            *backoff.Policy
	now                func() time.Time
	defaultMaxAttempts int
}

// Option customizes a Storage
type Option func(*Storage)

// WithClock overrides the time source used for lock and backoff timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// WithBackoff overrides the retry delay policy
func WithBackoff(p *backoff.Policy) Option {
	return func(s *Storage) { s.backoff = p }
}

// WithDefaultMaxAttempts sets the ceiling used when a producer does not pick one
func WithDefaultMaxAttempts(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.defaultMaxAttempts = n
		}
	}
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger, opts ...Option) *Storage {
	s := &Storage{
		db:                 db,
		logger:             logger,
		backoff:            backoff.Default(),
		now:                time.Now,
		defaultMaxAttempts: domain.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp returns the current time at Postgres precision so written values read back equal
func (s *Storage) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Enqueue inserts a queued job. When DedupeKey is set and a queued or running job
// already holds it, nothing is inserted and ErrDuplicateJob is returned.
func (s *Storage) Enqueue(ctx context.Context, params domain.EnqueueParams) (int64, error) {
	if params.JobType == "" {
		return 0, domain.ErrInvalidJobType
	}

	payload := params.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return 0, domain.ErrInvalidPayload
	}

	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}

	var dedupeKey sql.NullString
	if params.DedupeKey != "" {
		dedupeKey = sql.NullString{String: params.DedupeKey, Valid: true}
	}

	query := `
		INSERT INTO index_jobs (
			job_type, payload, status, attempts, max_attempts,
			dedupe_key, run_after, created_at, updated_at
		) VALUES (
			$1, $2, 'queued', 0, $3,
			$4, $5, $6, $6
		)
		ON CONFLICT (dedupe_key)
			WHERE dedupe_key IS NOT NULL AND status IN ('queued', 'running')
			DO NOTHING
		RETURNING id
	`

	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		params.JobType,
		[]byte(payload),
		maxAttempts,
		dedupeKey,
		params.RunAfter,
		s.timestamp(),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Info("Duplicate job rejected",
				slog.String("job_type", string(params.JobType)),
				slog.String("dedupe_key", params.DedupeKey),
			)
			return 0, domain.ErrDuplicateJob
		}
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Debug("Job enqueued",
		slog.Int64("job_id", id),
		slog.String("job_type", string(params.JobType)),
	)

	return id, nil
}

// ClaimNext atomically claims the oldest eligible job for workerID.
// The conditional update and the read-back happen in one statement, so each
// eligible job is returned to exactly one caller. Returns (nil, nil) when
// nothing is claimable.
func (s *Storage) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	query := `
		UPDATE index_jobs
		SET status = 'running',
		    locked = TRUE,
		    locked_at = $2,
		    runner = $1,
		    updated_at = $2
		WHERE id = (
			SELECT id FROM index_jobs
			WHERE status = 'queued'
			  AND locked = FALSE
			  AND (run_after IS NULL OR run_after <= $2)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		  AND status = 'queued'
		  AND locked = FALSE
		RETURNING ` + jobColumns

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, workerID, s.timestamp()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.Int64("job_id", job.ID),
		slog.String("worker_id", workerID),
		slog.String("job_type", string(job.JobType)),
	)

	return &job, nil
}

// Complete marks a job held by workerID completed and clears its lock
func (s *Storage) Complete(ctx context.Context, jobID int64, workerID string) error {
	now := s.timestamp()
	query := `
		UPDATE index_jobs
		SET status = 'completed',
		    locked = FALSE,
		    locked_at = NULL,
		    runner = NULL,
		    completed_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status = 'running' AND runner = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, workerID, now)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.explainMissing(ctx, jobID, workerID)
	}

	return nil
}

// Fail records a failed attempt of a job held by workerID. Below the attempt
// ceiling the job is requeued with a backoff delay; at the ceiling it is
// archived as a dead letter and marked failed.
func (s *Storage) Fail(ctx context.Context, jobID int64, workerID, errMsg string) (*domain.FailOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var job domain.Job
	err = tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM index_jobs WHERE id = $1 FOR UPDATE`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", jobID, domain.ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != domain.JobStatusRunning || job.Runner == nil || *job.Runner != workerID {
		return nil, lockLost(jobID, workerID, job.Status, job.Runner)
	}

	now := s.timestamp()
	reason := domain.Truncate(errMsg)
	decision := s.backoff.Decide(job.Attempts, job.MaxAttempts)
	outcome := &domain.FailOutcome{Attempts: decision.Attempts}

	if decision.DeadLetter {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO index_dead_letters (original_job_id, job_type, payload, reason, attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (original_job_id) DO NOTHING
		`, job.ID, job.JobType, []byte(job.Payload), reason, decision.Attempts, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert dead letter: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE index_jobs
			SET status = 'failed',
			    attempts = $2,
			    locked = FALSE,
			    locked_at = NULL,
			    runner = NULL,
			    last_error = $3,
			    completed_at = $4,
			    updated_at = $4
			WHERE id = $1
		`, job.ID, decision.Attempts, reason, now)
		if err != nil {
			return nil, fmt.Errorf("failed to mark job failed: %w", err)
		}
		outcome.DeadLettered = true
	} else {
		runAfter := now.Add(decision.Delay).Truncate(time.Microsecond)
		_, err = tx.ExecContext(ctx, `
			UPDATE index_jobs
			SET status = 'queued',
			    attempts = $2,
			    locked = FALSE,
			    locked_at = NULL,
			    runner = NULL,
			    run_after = $3,
			    last_error = $4,
			    updated_at = $5
			WHERE id = $1
		`, job.ID, decision.Attempts, runAfter, reason, now)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue job: %w", err)
		}
		outcome.RunAfter = &runAfter
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job failure: %w", err)
	}

	return outcome, nil
}

// ReapStale returns jobs locked longer than threshold to the queue without
// touching attempts. Returns the number of jobs recovered.
func (s *Storage) ReapStale(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.timestamp()
	query := `
		UPDATE index_jobs
		SET status = 'queued',
		    locked = FALSE,
		    locked_at = NULL,
		    runner = NULL,
		    updated_at = $2
		WHERE locked = TRUE
		  AND status = 'running'
		  AND locked_at < $1
	`

	result, err := s.db.ExecContext(ctx, query, now.Add(-threshold), now)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale jobs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return count, nil
}

// GetJob retrieves a job from the database by its ID
func (s *Storage) GetJob(ctx context.Context, jobID int64) (*domain.Job, error) {
	var job domain.Job
	err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM index_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// explainMissing distinguishes a vanished row from a row the caller no longer holds
func (s *Storage) explainMissing(ctx context.Context, jobID int64, workerID string) error {
	var row struct {
		Status domain.JobStatus `db:"status"`
		Runner *string          `db:"runner"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT status, runner FROM index_jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d: %w", jobID, domain.ErrJobNotFound)
		}
		return fmt.Errorf("failed to inspect job: %w", err)
	}
	return lockLost(jobID, workerID, row.Status, row.Runner)
}

func lockLost(jobID int64, workerID string, status domain.JobStatus, runner *string) error {
	holder := "none"
	if runner != nil {
		holder = *runner
	}
	return fmt.Errorf("job %d has status %s held by %s, not %s: %w", jobID, status, holder, workerID, domain.ErrLockLost)
}
