package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrLockLost is returned when completing or failing a job the caller no
	// longer holds, e.g. after its lock was reaped and the job reclaimed
	ErrLockLost = errors.New("job is not held by this worker")

	// ErrDuplicateJob is returned when a non-terminal job already holds the dedupe key
	ErrDuplicateJob = errors.New("duplicate job for dedupe key")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrNoHandler is returned when no handler is registered for a job type
	ErrNoHandler = errors.New("no handler registered for job type")

	// ErrInvalidJobType is returned when enqueueing an empty job type
	ErrInvalidJobType = errors.New("invalid job type")
)

// StoreIntegrityError marks a Job Store failure that must halt the worker loop
type StoreIntegrityError struct {
	Op    string
	JobID int64
	Err   error
}

func (e *StoreIntegrityError) Error() string {
	return "store integrity violation during " + e.Op + ": " + e.Err.Error()
}

func (e *StoreIntegrityError) Unwrap() error {
	return e.Err
}

// NewStoreIntegrityError creates a new store integrity error
func NewStoreIntegrityError(op string, jobID int64, err error) error {
	return &StoreIntegrityError{Op: op, JobID: jobID, Err: err}
}

// Truncate makes s safe to store as TEXT: invalid UTF-8 and NUL bytes are
// replaced, and the result is cut to at most MaxErrorLength bytes without
// splitting a rune.
func Truncate(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "\uFFFD")
	if len(s) <= MaxErrorLength {
		return s
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
