package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cuongbtq/index-queue/internal/backoff"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
)

// memoryStore mirrors the job store transitions in memory
type memoryStore struct {
	mu          sync.Mutex
	now         time.Time
	policy      *backoff.Policy
	nextID      int64
	jobs        map[int64]*domain.Job
	deadLetters []domain.DeadLetter

	claimErr    error
	completeErr error
	reapErr     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		now:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		policy: backoff.New(backoff.Config{Base: time.Second, Max: time.Hour}),
		jobs:   make(map[int64]*domain.Job),
	}
}

func (m *memoryStore) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *memoryStore) add(jobType domain.JobType, payload string, maxAttempts int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.jobs[m.nextID] = &domain.Job{
		ID:          m.nextID,
		JobType:     jobType,
		Payload:     json.RawMessage(payload),
		Status:      domain.JobStatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   m.now.Add(time.Duration(m.nextID) * time.Microsecond),
	}
	return m.nextID
}

func (m *memoryStore) job(id int64) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memoryStore) ClaimNext(_ context.Context, workerID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}

	var next *domain.Job
	for _, j := range m.jobs {
		if !j.Claimable(m.now) {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	now := m.now
	runner := workerID
	next.Status = domain.JobStatusRunning
	next.Locked = true
	next.LockedAt = &now
	next.Runner = &runner

	claimed := *next
	return &claimed, nil
}

// held reports whether workerID holds j
func held(j *domain.Job, workerID string) bool {
	return j.Status == domain.JobStatusRunning && j.Runner != nil && *j.Runner == workerID
}

func (m *memoryStore) Complete(_ context.Context, jobID int64, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !held(j, workerID) {
		return domain.ErrLockLost
	}
	now := m.now
	j.Status = domain.JobStatusCompleted
	j.Locked = false
	j.LockedAt = nil
	j.Runner = nil
	j.CompletedAt = &now
	return nil
}

func (m *memoryStore) Fail(_ context.Context, jobID int64, workerID, errMsg string) (*domain.FailOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !held(j, workerID) {
		return nil, domain.ErrLockLost
	}

	reason := domain.Truncate(errMsg)
	decision := m.policy.Decide(j.Attempts, j.MaxAttempts)
	j.Attempts = decision.Attempts
	j.Locked = false
	j.LockedAt = nil
	j.Runner = nil
	j.LastError = &reason

	if decision.DeadLetter {
		j.Status = domain.JobStatusFailed
		m.deadLetters = append(m.deadLetters, domain.DeadLetter{
			OriginalJobID: j.ID,
			JobType:       j.JobType,
			Payload:       j.Payload,
			Reason:        reason,
			Attempts:      decision.Attempts,
			CreatedAt:     m.now,
		})
		return &domain.FailOutcome{Attempts: decision.Attempts, DeadLettered: true}, nil
	}

	runAfter := m.now.Add(decision.Delay)
	j.Status = domain.JobStatusQueued
	j.RunAfter = &runAfter
	return &domain.FailOutcome{Attempts: decision.Attempts, RunAfter: &runAfter}, nil
}

func (m *memoryStore) ReapStale(_ context.Context, threshold time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reapErr != nil {
		return 0, m.reapErr
	}
	var count int64
	cutoff := m.now.Add(-threshold)
	for _, j := range m.jobs {
		if j.Locked && j.Status == domain.JobStatusRunning && j.LockedAt.Before(cutoff) {
			j.Status = domain.JobStatusQueued
			j.Locked = false
			j.LockedAt = nil
			j.Runner = nil
			count++
		}
	}
	return count, nil
}

var errStoreDown = errors.New("connection reset by peer")
