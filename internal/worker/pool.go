package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// PoolConfig holds settings for a set of concurrent runners
type PoolConfig struct {
	RunnerConfig
	Concurrency int
}

// Pool runs several independent worker loops against the same store. Each
// runner has its own worker id; exclusivity comes from the store's atomic claim.
type Pool struct {
	logger  *slog.Logger
	runners []*Runner
}

// NewPool creates Concurrency runners named <instance>-<n>
func NewPool(cfg PoolConfig) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	instanceID := cfg.WorkerID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	runners := make([]*Runner, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		rc := cfg.RunnerConfig
		rc.WorkerID = fmt.Sprintf("%s-%d", instanceID, i)
		runners = append(runners, NewRunner(rc))
	}

	return &Pool{
		logger:  cfg.Logger.With(slog.String("worker_instance", instanceID)),
		runners: runners,
	}
}

// Size returns the number of runners
func (p *Pool) Size() int {
	return len(p.runners)
}

// Run reaps once, then drains with every runner concurrently until limit jobs
// have been claimed in total or the queue is empty. The first store failure
// is returned after all runners stop.
func (p *Pool) Run(ctx context.Context, limit int) (Result, error) {
	var total Result

	reaped, err := p.runners[0].reap(ctx)
	if err != nil {
		return total, err
	}
	total.Reaped = reaped

	p.logger.Debug("Spawning worker pool",
		slog.Int("concurrency", len(p.runners)),
		slog.Int("limit", limit),
	)

	b := newBudget(limit)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, runner := range p.runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()

			res, err := r.drain(runCtx, b)

			mu.Lock()
			defer mu.Unlock()
			total.Add(res)
			if err != nil && firstErr == nil {
				firstErr = err
				// One integrity failure halts the whole pool
				cancel()
			}
		}(runner)
	}

	wg.Wait()

	return total, firstErr
}
