package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/index-queue/internal/cooldown"
)

// CooldownOperation names the worker loop in the cooldown store
const CooldownOperation = "worker"

// TriggerRequest asks for one worker loop invocation
type TriggerRequest struct {
	Limit          int
	BypassCooldown bool
}

// TriggerResponse reports what an invocation did
type TriggerResponse struct {
	Result
	CooldownActive bool          `json:"cooldown_active"`
	RemainingWait  time.Duration `json:"-"`
}

// Trigger runs a Processor behind the cooldown guard
type Trigger struct {
	logger    *slog.Logger
	processor Processor
	guard     *cooldown.Guard
	cooldown  time.Duration
}

// NewTrigger creates a Trigger. A zero cooldown disables gating.
func NewTrigger(logger *slog.Logger, processor Processor, guard *cooldown.Guard, cooldown time.Duration) *Trigger {
	return &Trigger{
		logger:    logger,
		processor: processor,
		guard:     guard,
		cooldown:  cooldown,
	}
}

// Run invokes the processor unless the cooldown is active and not bypassed.
// The run is recorded before processing starts so overlapping callers in
// other processes see it.
func (t *Trigger) Run(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	if !req.BypassCooldown {
		remaining, err := t.guard.Remaining(ctx, CooldownOperation, t.cooldown)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			cooldownSkipsTotal.Inc()
			t.logger.Debug("Worker trigger skipped, cooldown active",
				slog.Duration("remaining", remaining),
			)
			return &TriggerResponse{CooldownActive: true, RemainingWait: remaining}, nil
		}
	}

	if err := t.guard.RecordRun(ctx, CooldownOperation); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := t.processor.Run(ctx, req.Limit)
	resp := &TriggerResponse{Result: result}
	if err != nil {
		return resp, fmt.Errorf("worker loop halted: %w", err)
	}

	if result.Processed > 0 || result.Reaped > 0 {
		t.logger.Info("Worker loop finished",
			slog.Int("processed", result.Processed),
			slog.Int("completed", result.Completed),
			slog.Int("failed", result.Failed),
			slog.Int("dead_lettered", result.DeadLettered),
			slog.Int64("reaped", result.Reaped),
			slog.Duration("elapsed", time.Since(start)),
		)
	}

	return resp, nil
}
