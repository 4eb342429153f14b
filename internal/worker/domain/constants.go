package domain

// JobStatus is the lifecycle state of a job record
type JobStatus string

// Job status constants
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobType tags which handler processes a job
type JobType string

// Known job types
const (
	JobTypeChunkContent      JobType = "chunk-content"
	JobTypeEmbedChunk        JobType = "embed-chunk"
	JobTypeEmbedSnippet      JobType = "embed-snippet"
	JobTypeRegenerateSitemap JobType = "regenerate-sitemap"
)

// KnownJobTypes lists the built-in job types
var KnownJobTypes = []JobType{
	JobTypeChunkContent,
	JobTypeEmbedChunk,
	JobTypeEmbedSnippet,
	JobTypeRegenerateSitemap,
}

const (
	// DefaultMaxAttempts is used when a producer does not set a ceiling
	DefaultMaxAttempts = 3

	// MaxErrorLength bounds last_error and dead-letter reasons
	MaxErrorLength = 1000
)
