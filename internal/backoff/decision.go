package backoff

import "time"

// ShouldRetry reports whether a job that has now failed `attempts` times may run again
func ShouldRetry(attempts, maxAttempts int) bool {
	return attempts < maxAttempts
}

// Decision is the outcome of a failed attempt, computed without side effects
type Decision struct {
	Attempts   int
	Retry      bool
	Delay      time.Duration
	DeadLetter bool
}

// Decide computes the next transition for a job whose attempt count was `attempts`
// before the failure being recorded.
func (p *Policy) Decide(attempts, maxAttempts int) Decision {
	next := attempts + 1
	if !ShouldRetry(next, maxAttempts) {
		return Decision{Attempts: next, DeadLetter: true}
	}
	return Decision{
		Attempts: next,
		Retry:    true,
		Delay:    p.Delay(next),
	}
}
