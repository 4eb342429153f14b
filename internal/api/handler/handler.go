package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/index-queue/internal/batch"
	"github.com/cuongbtq/index-queue/internal/worker"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/cuongbtq/index-queue/internal/worker/storage"
)

// JobStore is the part of the Job Store the HTTP surface reads and writes
type JobStore interface {
	Enqueue(ctx context.Context, params domain.EnqueueParams) (int64, error)
	GetJob(ctx context.Context, jobID int64) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	ListDeadLetters(ctx context.Context, filter storage.DeadLetterFilter) ([]domain.DeadLetter, error)
	Stats(ctx context.Context) (*storage.QueueStats, error)
}

// QueueRunner runs one cooldown-gated worker loop invocation
type QueueRunner interface {
	Run(ctx context.Context, req worker.TriggerRequest) (*worker.TriggerResponse, error)
}

// Notifier publishes enqueue wake-ups. Delivery is best effort.
type Notifier interface {
	PublishJSON(ctx context.Context, v any) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Jobs        JobStore
	Queue       QueueRunner
	Batches     *batch.Manager
	Notifier    Notifier // nil disables wake-up publishing
	HealthCheck func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	jobs     JobStore
	notifier Notifier
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		jobs:     deps.Jobs,
		notifier: deps.Notifier,
	}
}

// QueueHandler exposes the worker trigger
type QueueHandler struct {
	logger *slog.Logger
	queue  QueueRunner
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(deps *Dependencies) *QueueHandler {
	return &QueueHandler{logger: deps.Logger, queue: deps.Queue}
}

// BatchHandler exposes batch controller operations
type BatchHandler struct {
	logger  *slog.Logger
	batches *batch.Manager
}

// NewBatchHandler creates a new BatchHandler instance
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{logger: deps.Logger, batches: deps.Batches}
}
