// Package app wires configuration into the components shared by the
// api-service and worker-service binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/index-queue/internal/backoff"
	"github.com/cuongbtq/index-queue/internal/batch"
	"github.com/cuongbtq/index-queue/internal/config"
	"github.com/cuongbtq/index-queue/internal/cooldown"
	"github.com/cuongbtq/index-queue/internal/httpretry"
	"github.com/cuongbtq/index-queue/internal/indexing"
	"github.com/cuongbtq/index-queue/internal/options"
	"github.com/cuongbtq/index-queue/internal/worker"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/cuongbtq/index-queue/internal/worker/storage"
	"github.com/cuongbtq/index-queue/migrations"
	"github.com/cuongbtq/index-queue/shared/logger"
	"github.com/cuongbtq/index-queue/shared/postgresql"
	"github.com/cuongbtq/index-queue/shared/rabbitmq"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// InitPostgreSQL opens the database and applies migrations when enabled
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := client.Migrate(migrations.FS); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// InitRabbitMQ connects to the wake-up exchange. It returns nil when RabbitMQ is disabled.
func InitRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}, logger)
}

// Queue holds the job queue components built from configuration
type Queue struct {
	Storage  *storage.Storage
	Registry *worker.Registry
	Pool     *worker.Pool
	Trigger  *worker.Trigger
	Batches  *batch.Manager
	Cooldown *cooldown.Guard
}

// BuildQueue assembles the Job Store, handlers, worker pool, trigger and batch
// controllers over db. workerID prefixes the runner ids.
func BuildQueue(cfg *config.Config, db *sqlx.DB, logger *slog.Logger, workerID string) *Queue {
	policy := backoff.New(backoff.Config{
		Base:   cfg.Backoff.Base,
		Max:    cfg.Backoff.Max,
		Jitter: cfg.Backoff.Jitter,
	})

	store := storage.NewStorage(db, logger.With(slog.String("component", "job_store")),
		storage.WithBackoff(policy),
		storage.WithDefaultMaxAttempts(cfg.Worker.MaxAttempts),
	)

	registry := worker.NewRegistry()
	embedder := newEmbedder(cfg, policy, logger)
	handlerLogger := logger.With(slog.String("component", "indexing"))
	registry.Register(domain.JobTypeEmbedChunk, indexing.NewEmbedChunkHandler(db, embedder, handlerLogger))
	registry.Register(domain.JobTypeEmbedSnippet, indexing.NewEmbedSnippetHandler(db, embedder, handlerLogger))

	if missing := registry.Missing(); len(missing) > 0 {
		logger.Warn("Job types without a registered handler will fail until dead-lettered",
			slog.Any("job_types", missing),
		)
	}

	pool := worker.NewPool(worker.PoolConfig{
		RunnerConfig: worker.RunnerConfig{
			Logger:         logger.With(slog.String("component", "runner")),
			Store:          store,
			Registry:       registry,
			WorkerID:       workerID,
			StaleThreshold: cfg.Worker.StaleThreshold,
			Pause:          cfg.Worker.Pause,
			JobTimeout:     cfg.Worker.JobTimeout,
		},
		Concurrency: cfg.Worker.Concurrency,
	})

	optionStore := options.NewPostgresStore(db)
	guard := cooldown.New(optionStore)
	trigger := worker.NewTrigger(logger.With(slog.String("component", "trigger")), pool, guard, cfg.Worker.Cooldown)

	batchLogger := logger.With(slog.String("component", "batch"))
	batches := batch.NewManager(
		batch.NewController(batch.LegacyChunkBatch, optionStore, batch.NewLegacyChunkMigrator(db, store), batchLogger),
	)

	return &Queue{
		Storage:  store,
		Registry: registry,
		Pool:     pool,
		Trigger:  trigger,
		Batches:  batches,
		Cooldown: guard,
	}
}

func newEmbedder(cfg *config.Config, policy *backoff.Policy, logger *slog.Logger) *indexing.ProviderClient {
	var limiter *rate.Limiter
	if rps := cfg.Provider.RequestsPerSecond; rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}

	timeout := cfg.Provider.Timeout
	if timeout <= 0 {
		timeout = httpretry.DefaultTimeout
	}

	client := httpretry.New(httpretry.Config{
		HTTPClient: &http.Client{Timeout: timeout},
		Backoff:    policy,
		Timeout:    timeout,
		Limiter:    limiter,
		OnRetry:    httpretry.SlogRetryLogger(logger.With(slog.String("component", "provider"))),
	})

	return indexing.NewProviderClient(client, indexing.ProviderConfig{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		Model:      cfg.Provider.Model,
		MaxRetries: cfg.Provider.MaxRetries,
	})
}

// DescribeQueue formats the wiring for the startup log
func DescribeQueue(q *Queue) string {
	return fmt.Sprintf("runners=%d handlers=%v batches=%v", q.Pool.Size(), q.Registry.Types(), q.Batches.Names())
}
