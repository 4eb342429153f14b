package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/index-queue/internal/worker/domain"
)

type CreateJobRequest struct {
	JobType     string          `json:"job_type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   string          `json:"dedupe_key"`
	MaxAttempts int             `json:"max_attempts" binding:"omitempty,min=1,max=100"`
	DelaySec    int             `json:"delay_seconds" binding:"omitempty,min=0"`
}

type CreateJobResponse struct {
	JobID int64 `json:"job_id"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       int64           `json:"job_id"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Runner      string          `json:"runner,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	RunAfter    string          `json:"run_after,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
}

// NewJobDTO flattens a job record for responses
func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:       job.ID,
		JobType:     string(job.JobType),
		Payload:     job.Payload,
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Runner:      deref(job.Runner),
		DedupeKey:   deref(job.DedupeKey),
		LastError:   deref(job.LastError),
		RunAfter:    formatTime(job.RunAfter),
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
		CompletedAt: formatTime(job.CompletedAt),
	}
}

type ListDeadLettersRequest struct {
	JobType string `form:"job_type"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

type ListDeadLettersResponse struct {
	DeadLetters []domain.DeadLetter `json:"dead_letters"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
