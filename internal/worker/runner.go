package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/index-queue/internal/worker/domain"
)

// JobStore is the subset of the job store the worker loop drives
type JobStore interface {
	ClaimNext(ctx context.Context, workerID string) (*domain.Job, error)
	Complete(ctx context.Context, jobID int64, workerID string) error
	Fail(ctx context.Context, jobID int64, workerID, errMsg string) (*domain.FailOutcome, error)
	ReapStale(ctx context.Context, threshold time.Duration) (int64, error)
}

// Processor drains up to limit jobs. A limit of zero means until the queue is empty.
type Processor interface {
	Run(ctx context.Context, limit int) (Result, error)
}

// Result summarizes one worker loop invocation
type Result struct {
	Processed    int   `json:"processed"`
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	DeadLettered int   `json:"dead_lettered"`
	Reaped       int64 `json:"reaped"`
}

// Add merges other into r
func (r *Result) Add(other Result) {
	r.Processed += other.Processed
	r.Completed += other.Completed
	r.Failed += other.Failed
	r.DeadLettered += other.DeadLettered
	r.Reaped += other.Reaped
}

// RunnerConfig holds worker loop settings
type RunnerConfig struct {
	Logger         *slog.Logger
	Store          JobStore
	Registry       *Registry
	WorkerID       string
	StaleThreshold time.Duration
	Pause          time.Duration
	JobTimeout     time.Duration
}

// Runner is a single worker loop instance identified by WorkerID
type Runner struct {
	logger         *slog.Logger
	store          JobStore
	registry       *Registry
	workerID       string
	staleThreshold time.Duration
	pause          time.Duration
	jobTimeout     time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a new Runner
func NewRunner(cfg RunnerConfig) *Runner {
	staleThreshold := cfg.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Minute
	}
	return &Runner{
		logger:         cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		store:          cfg.Store,
		registry:       cfg.Registry,
		workerID:       cfg.WorkerID,
		staleThreshold: staleThreshold,
		pause:          cfg.Pause,
		jobTimeout:     cfg.JobTimeout,
		sleep:          sleepContext,
	}
}

// WorkerID returns the identity written into claimed jobs
func (r *Runner) WorkerID() string {
	return r.workerID
}

// Run reaps stale locks once, then claims and executes jobs until limit is
// reached, the queue has nothing claimable, or ctx is done. Canceling ctx stops
// further claims but never interrupts a handler that already started. Handler failures
// become store transitions; store failures stop the loop and are returned as
// *domain.StoreIntegrityError.
func (r *Runner) Run(ctx context.Context, limit int) (Result, error) {
	var result Result

	reaped, err := r.reap(ctx)
	if err != nil {
		return result, err
	}
	result.Reaped = reaped

	drained, err := r.drain(ctx, newBudget(limit))
	result.Add(drained)
	return result, err
}

func (r *Runner) reap(ctx context.Context) (int64, error) {
	reaped, err := r.store.ReapStale(ctx, r.staleThreshold)
	if err != nil {
		r.logger.Error("Failed to reap stale jobs", slog.Any("error", err))
		return 0, domain.NewStoreIntegrityError("reap", 0, err)
	}
	if reaped > 0 {
		reapedTotal.Add(float64(reaped))
		r.logger.Info("Reaped stale job locks",
			slog.Int64("count", reaped),
			slog.Duration("threshold", r.staleThreshold),
		)
	}
	return reaped, nil
}

// drain runs the claim loop while budget allows
func (r *Runner) drain(ctx context.Context, b *budget) (Result, error) {
	var result Result

	for {
		if ctx.Err() != nil {
			return result, nil
		}
		if !b.take() {
			return result, nil
		}

		job, err := r.store.ClaimNext(ctx, r.workerID)
		if err != nil {
			b.giveBack()
			if ctx.Err() != nil {
				return result, nil
			}
			r.logger.Error("Failed to claim job", slog.Any("error", err))
			return result, domain.NewStoreIntegrityError("claim", 0, err)
		}
		if job == nil {
			b.giveBack()
			return result, nil
		}

		outcome, err := r.processJob(ctx, job)
		if err != nil {
			return result, err
		}

		switch outcome {
		case outcomeCompleted:
			result.Processed++
			result.Completed++
		case outcomeRequeued:
			result.Processed++
			result.Failed++
		case outcomeDeadLettered:
			result.Processed++
			result.Failed++
			result.DeadLettered++
		}

		if r.pause > 0 {
			if err := r.sleep(ctx, r.pause); err != nil {
				return result, nil
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// budget caps the number of claims shared by one or more runners
type budget struct {
	limit int64
	used  atomic.Int64
}

func newBudget(limit int) *budget {
	return &budget{limit: int64(limit)}
}

func (b *budget) take() bool {
	if b.limit <= 0 {
		return true
	}
	if b.used.Add(1) > b.limit {
		b.used.Add(-1)
		return false
	}
	return true
}

func (b *budget) giveBack() {
	if b.limit > 0 {
		b.used.Add(-1)
	}
}
