package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// JobFilter narrows ListJobs. Zero values mean no filter.
type JobFilter struct {
	JobType  domain.JobType
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last row of the previous page
type JobCursor struct {
	CreatedAt time.Time
	ID        int64
}

// DeadLetterFilter narrows ListDeadLetters
type DeadLetterFilter struct {
	JobType domain.JobType
	Limit   int
}

// QueueStats counts jobs per status
type QueueStats struct {
	Queued      int64 `json:"queued"`
	Running     int64 `json:"running"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	DeadLetters int64 `json:"dead_letters"`
}

// ListJobs returns jobs newest first. It fetches PageSize+1 rows so callers can
// tell whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	q := psql.Select(jobColumns).From("index_jobs")

	if filter.JobType != "" {
		q = q.Where(sq.Eq{"job_type": filter.JobType})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Cursor != nil {
		q = q.Where(sq.Expr("(created_at, id) < (?, ?)", filter.Cursor.CreatedAt, filter.Cursor.ID))
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	q = q.OrderBy("created_at DESC", "id DESC").Limit(uint64(pageSize + 1))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ListDeadLetters returns archived failures newest first
func (s *Storage) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]domain.DeadLetter, error) {
	q := psql.
		Select("id", "original_job_id", "job_type", "payload", "reason", "attempts", "created_at").
		From("index_dead_letters")

	if filter.JobType != "" {
		q = q.Where(sq.Eq{"job_type": filter.JobType})
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q = q.OrderBy("created_at DESC", "id DESC").Limit(uint64(limit))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build dead letter query: %w", err)
	}

	letters := []domain.DeadLetter{}
	if err := s.db.SelectContext(ctx, &letters, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	return letters, nil
}

// Stats counts jobs per status plus the dead-letter archive size
func (s *Storage) Stats(ctx context.Context) (*QueueStats, error) {
	rows := []struct {
		Status domain.JobStatus `db:"status"`
		Count  int64            `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM index_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := &QueueStats{}
	for _, r := range rows {
		switch r.Status {
		case domain.JobStatusQueued:
			stats.Queued = r.Count
		case domain.JobStatusRunning:
			stats.Running = r.Count
		case domain.JobStatusCompleted:
			stats.Completed = r.Count
		case domain.JobStatusFailed:
			stats.Failed = r.Count
		}
	}

	if err := s.db.GetContext(ctx, &stats.DeadLetters, `SELECT COUNT(*) FROM index_dead_letters`); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	return stats, nil
}
