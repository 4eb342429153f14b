package domain

import (
	"encoding/json"
	"time"
)

// Job is one unit of asynchronous indexing work
type Job struct {
	ID          int64           `db:"id" json:"id"`
	JobType     JobType         `db:"job_type" json:"job_type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      JobStatus       `db:"status" json:"status"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	Locked      bool            `db:"locked" json:"locked"`
	LockedAt    *time.Time      `db:"locked_at" json:"locked_at,omitempty"`
	Runner      *string         `db:"runner" json:"runner,omitempty"`
	RunAfter    *time.Time      `db:"run_after" json:"run_after,omitempty"`
	DedupeKey   *string         `db:"dedupe_key" json:"dedupe_key,omitempty"`
	LastError   *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Claimable reports whether the job may be claimed at now
func (j *Job) Claimable(now time.Time) bool {
	if j.Status != JobStatusQueued || j.Locked {
		return false
	}
	return j.RunAfter == nil || !j.RunAfter.After(now)
}

// DeadLetter archives a job that exhausted its retry budget
type DeadLetter struct {
	ID            int64           `db:"id" json:"id"`
	OriginalJobID int64           `db:"original_job_id" json:"original_job_id"`
	JobType       JobType         `db:"job_type" json:"job_type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Reason        string          `db:"reason" json:"reason"`
	Attempts      int             `db:"attempts" json:"attempts"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// EnqueueParams describes a job to insert
type EnqueueParams struct {
	JobType     JobType
	Payload     json.RawMessage
	DedupeKey   string
	MaxAttempts int
	RunAfter    *time.Time
}

// FailOutcome reports what fail() did with a job
type FailOutcome struct {
	Attempts     int
	DeadLettered bool
	RunAfter     *time.Time
}

// WakeMessage is published when new work is enqueued
type WakeMessage struct {
	JobID   int64   `json:"job_id"`
	JobType JobType `json:"job_type"`
}
