package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds scheduler configuration
type Config struct {
	Logger        *slog.Logger
	Trigger       *Trigger
	Wake          *WakeConsumer
	BatchTick     func(ctx context.Context) error
	PollInterval  time.Duration
	BatchInterval time.Duration
	Limit         int
}

// Service drives the worker loop on a poll interval behind the cooldown guard,
// on RabbitMQ wake-ups (bypassing the cooldown), and ticks batch migrations
// on their own interval.
type Service struct {
	logger        *slog.Logger
	trigger       *Trigger
	wake          *WakeConsumer
	batchTick     func(ctx context.Context) error
	pollInterval  time.Duration
	batchInterval time.Duration
	limit         int
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewService creates a new scheduler instance
func NewService(cfg *Config) *Service {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Service{
		logger:        cfg.Logger,
		trigger:       cfg.Trigger,
		wake:          cfg.Wake,
		batchTick:     cfg.BatchTick,
		pollInterval:  pollInterval,
		batchInterval: cfg.BatchInterval,
		limit:         cfg.Limit,
		stopChan:      make(chan struct{}),
	}
}

// Start runs the scheduler until ctx is canceled or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting worker service",
		slog.Duration("poll_interval", s.pollInterval),
		slog.Duration("batch_interval", s.batchInterval),
		slog.Int("limit", s.limit),
		slog.Bool("wake_consumer", s.wake != nil),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wakeups <-chan struct{}
	if s.wake != nil {
		if err := s.wake.Start(ctx); err != nil {
			return err
		}
		wakeups = s.forwardWakeups(ctx)
	}

	s.wg.Add(1)
	defer s.wg.Done()

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	var batchC <-chan time.Time
	if s.batchTick != nil && s.batchInterval > 0 {
		batchTicker := time.NewTicker(s.batchInterval)
		defer batchTicker.Stop()
		batchC = batchTicker.C
	}

	s.runWorker(ctx, false)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Worker service context canceled, stopping...")
			return nil
		case <-s.stopChan:
			return nil
		case <-pollTicker.C:
			s.runWorker(ctx, false)
		case <-wakeups:
			s.runWorker(ctx, true)
		case <-batchC:
			s.runBatch(ctx)
		}
	}
}

// Stop signals Start to return and waits for the in-flight invocation
func (s *Service) Stop() {
	s.logger.Info("Stopping worker service...")
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("Worker service stopped")
}

func (s *Service) forwardWakeups(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake.Wakeups():
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func (s *Service) runWorker(ctx context.Context, bypassCooldown bool) {
	resp, err := s.trigger.Run(ctx, TriggerRequest{Limit: s.limit, BypassCooldown: bypassCooldown})
	if err != nil {
		s.logger.Error("Worker loop invocation failed",
			slog.Any("error", err),
			slog.Bool("bypass_cooldown", bypassCooldown),
		)
		return
	}
	if resp.CooldownActive {
		s.logger.Debug("Worker loop skipped by cooldown",
			slog.Duration("remaining", resp.RemainingWait),
		)
	}
}

func (s *Service) runBatch(ctx context.Context) {
	if err := s.batchTick(ctx); err != nil {
		s.logger.Error("Batch tick failed", slog.Any("error", err))
	}
}
