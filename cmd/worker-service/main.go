package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/index-queue/internal/app"
	"github.com/cuongbtq/index-queue/internal/config"
	"github.com/cuongbtq/index-queue/internal/worker"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	workerID := flag.String("worker-id", os.Getenv("WORKER_ID"), "Runner id prefix (defaults to a random uuid)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := app.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.RegisterMetrics(prometheus.DefaultRegisterer, cfg.Database.Database); err != nil {
		return err
	}

	rabbitClient, err := app.InitRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	if rabbitClient != nil {
		defer rabbitClient.Close()
	}

	queue := app.BuildQueue(cfg, dbClient.GetDB(), appLogger.Logger, *workerID)
	appLogger.Info("Queue components ready", slog.String("wiring", app.DescribeQueue(queue)))

	var wake *worker.WakeConsumer
	if rabbitClient != nil {
		wake = worker.NewWakeConsumer(
			appLogger.Component("wake_consumer"),
			rabbitClient,
			cfg.App.Name,
			cfg.RabbitMQ.Consumer.PrefetchCount,
		)
	}

	service := worker.NewService(&worker.Config{
		Logger:        appLogger.Component("scheduler"),
		Trigger:       queue.Trigger,
		Wake:          wake,
		BatchTick:     queue.Batches.TickAll,
		PollInterval:  cfg.Worker.PollInterval,
		BatchInterval: cfg.Batch.TickInterval,
		Limit:         cfg.Worker.Limit,
	})

	errChan := make(chan error, 2)
	go func() {
		errChan <- service.Start(ctx)
	}()

	metricsSrv := startMetricsServer(cfg.Worker.MetricsPort, dbClient.HealthCheck, errChan)
	if metricsSrv != nil {
		appLogger.Info("Metrics listener started", slog.String("address", metricsSrv.Addr))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
	}

	// Store transitions of in-flight jobs finish on their own contexts
	cancel()

	done := make(chan struct{})
	go func() {
		service.Stop()
		close(done)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics listener shutdown failed", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// startMetricsServer serves /metrics and /health. It returns nil when port is 0.
func startMetricsServer(port int, healthCheck func(context.Context) error, errChan chan<- error) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := healthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics listener failed: %w", err)
		}
	}()
	return srv
}
