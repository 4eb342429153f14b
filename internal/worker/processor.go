package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/cuongbtq/index-queue/internal/worker/domain"
)

// processJob executes a claimed job and records the outcome in the store.
// Only store failures are returned.
func (r *Runner) processJob(ctx context.Context, job *domain.Job) (string, error) {
	logger := r.logger.With(
		slog.Int64("job_id", job.ID),
		slog.String("job_type", string(job.JobType)),
		slog.Int("attempts", job.Attempts),
	)
	logger.Debug("Processing job")

	execErr := r.executeJob(ctx, job)

	// The outcome is recorded even if ctx was canceled while the handler ran
	storeCtx := context.WithoutCancel(ctx)

	if execErr == nil {
		if err := r.store.Complete(storeCtx, job.ID, r.workerID); err != nil {
			if errors.Is(err, domain.ErrLockLost) {
				return r.lockLost(logger, job, err), nil
			}
			logger.Error("Failed to mark job completed", slog.Any("error", err))
			return "", domain.NewStoreIntegrityError("complete", job.ID, err)
		}
		jobsTotal.WithLabelValues(string(job.JobType), outcomeCompleted).Inc()
		logger.Info("Job completed successfully")
		return outcomeCompleted, nil
	}

	outcome, err := r.store.Fail(storeCtx, job.ID, r.workerID, execErr.Error())
	if err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			return r.lockLost(logger, job, err), nil
		}
		logger.Error("Failed to record job failure",
			slog.Any("error", err),
			slog.String("handler_error", execErr.Error()),
		)
		return "", domain.NewStoreIntegrityError("fail", job.ID, err)
	}

	if outcome.DeadLettered {
		jobsTotal.WithLabelValues(string(job.JobType), outcomeDeadLettered).Inc()
		logger.Error("Job dead-lettered",
			slog.Any("error", execErr),
			slog.Int("attempts", outcome.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
		)
		return outcomeDeadLettered, nil
	}

	jobsTotal.WithLabelValues(string(job.JobType), outcomeRequeued).Inc()
	attrs := []any{
		slog.Any("error", execErr),
		slog.Int("attempts", outcome.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	}
	if outcome.RunAfter != nil {
		attrs = append(attrs, slog.Time("run_after", *outcome.RunAfter))
	}
	logger.Warn("Job failed, requeued with backoff", attrs...)
	return outcomeRequeued, nil
}

// lockLost handles a job that was reaped and possibly reclaimed while its
// handler ran. The current holder owns the outcome, so nothing is recorded.
func (r *Runner) lockLost(logger *slog.Logger, job *domain.Job, err error) string {
	jobsTotal.WithLabelValues(string(job.JobType), outcomeLockLost).Inc()
	logger.Warn("Job lock lost before its outcome was recorded", slog.Any("error", err))
	return outcomeLockLost
}

// executeJob dispatches to the registered handler. A panic is converted into an error.
func (r *Runner) executeJob(ctx context.Context, job *domain.Job) (err error) {
	handler, ok := r.registry.Lookup(job.JobType)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNoHandler, job.JobType)
	}

	// A claimed job runs to completion; only the job timeout bounds it
	jobCtx := context.WithoutCancel(ctx)
	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, r.jobTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Handler panicked",
				slog.Int64("job_id", job.ID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return handler.Handle(jobCtx, job.Payload)
}
