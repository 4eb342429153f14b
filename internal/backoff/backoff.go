package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultBase is the delay unit doubled on every attempt
	DefaultBase = time.Second
	// DefaultMax caps the deterministic part of the delay
	DefaultMax = time.Hour
	// DefaultJitter is the exclusive upper bound of the random jitter
	DefaultJitter = time.Second
)

// JitterSource returns a uniform random value in [0, n)
type JitterSource interface {
	Int64N(n int64) int64
}

type globalSource struct{}

func (globalSource) Int64N(n int64) int64 {
	return rand.Int64N(n)
}

// lockedSource makes a *rand.Rand safe for concurrent workers
type lockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (s *lockedSource) Int64N(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Int64N(n)
}

// NewSeededSource returns a deterministic jitter source for tests and replays
func NewSeededSource(seed uint64) JitterSource {
	return &lockedSource{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Config holds backoff policy settings
type Config struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
	Source JitterSource
}

// Policy computes retry delays shared by job retries and HTTP retries
type Policy struct {
	base   time.Duration
	max    time.Duration
	jitter time.Duration
	source JitterSource
}

// New creates a Policy, filling zero values with defaults
func New(cfg Config) *Policy {
	p := &Policy{
		base:   cfg.Base,
		max:    cfg.Max,
		jitter: cfg.Jitter,
		source: cfg.Source,
	}
	if p.base <= 0 {
		p.base = DefaultBase
	}
	if p.max <= 0 {
		p.max = DefaultMax
	}
	if p.max < p.base {
		p.max = p.base
	}
	if p.jitter < 0 {
		p.jitter = 0
	}
	if p.source == nil {
		p.source = globalSource{}
	}
	return p
}

// Default returns a Policy with a 1s base, 1h cap and up to 1s of jitter
func Default() *Policy {
	return New(Config{Jitter: DefaultJitter})
}

// BaseDelay returns base * 2^attempt capped at the maximum, without jitter.
// It is monotonically non-decreasing in attempt.
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.base
	for i := 0; i < attempt; i++ {
		if delay >= p.max/2 {
			return p.max
		}
		delay *= 2
	}

	return min(delay, p.max)
}

// Delay returns BaseDelay(attempt) plus a uniform jitter in [0, jitter)
func (p *Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay(attempt) + p.Jitter()
}

// Jitter returns a single random jitter sample
func (p *Policy) Jitter() time.Duration {
	if p.jitter <= 0 {
		return 0
	}
	return time.Duration(p.source.Int64N(int64(p.jitter)))
}

// Max returns the configured delay cap
func (p *Policy) Max() time.Duration {
	return p.max
}
