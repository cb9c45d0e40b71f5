package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/artifact"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/config"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/generator"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/lifecycle"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/queue"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/store"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/worker"
	"github.com/Seiryu1996/3d-model-generate-ai/shared/logger"
	"github.com/Seiryu1996/3d-model-generate-ai/shared/postgresql"
	"github.com/Seiryu1996/3d-model-generate-ai/shared/rabbitmq"
	"github.com/Seiryu1996/3d-model-generate-ai/shared/redisclient"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("queue_backend", cfg.Queue.Backend),
	)

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Initialize the job store
	jobStore, closeStore, err := initStore(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	closers = append(closers, closeStore)

	// Initialize the task queue
	taskQueue, err := initQueue(cfg, workerID, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize task queue: %w", err)
	}
	closers = append(closers, func() { taskQueue.Close() })

	// Initialize artifact storage
	artifacts, err := artifact.NewLocalFS(cfg.Artifacts.Root, cfg.Artifacts.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact storage: %w", err)
	}

	// Initialize the lifecycle manager
	manager := lifecycle.NewManager(jobStore, taskQueue, artifacts, appLogger.Logger, lifecycle.Config{
		MaxRetries:     cfg.Jobs.MaxRetries,
		RetryBaseDelay: cfg.Jobs.RetryBaseDelay,
		RetryMaxDelay:  cfg.Jobs.RetryMaxDelay,
	})

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Manager:     manager,
		Queue:       taskQueue,
		Generator:   generator.NewSimulator(cfg.Generator.StepDelay),
		Artifacts:   artifacts,
		WorkerID:    workerID,
		Concurrency: cfg.Worker.Concurrency,
	})

	// Create reconciler for orphaned, stalled and expired jobs
	reconciler := lifecycle.NewReconciler(manager, appLogger.Logger, lifecycle.ReconcilerConfig{
		Interval:     cfg.Jobs.ReconcileInterval,
		PendingGrace: cfg.Jobs.PendingGrace,
		JobTimeout:   cfg.Jobs.JobTimeout,
		Retention:    cfg.Jobs.Retention,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	go reconciler.Run(ctx)

	// Expose health and metrics endpoints
	healthSrv := startHealthServer(cfg.Worker.HealthPort, appLogger.Logger)

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker and reconciler
	cancel()

	// Wait for in-flight jobs with a deadline
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Shutdown timeout exceeded, exiting with jobs in flight")
	}

	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthSrv.Shutdown(shutdownCtx)
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// startHealthServer serves /health and /metrics on the configured port
func startHealthServer(port int, logger *slog.Logger) *http.Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"genai-worker-service"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server failed",
				slog.Any("error", err),
			)
		}
	}()

	logger.Info("Health server listening",
		slog.Int("port", port),
	)
	return srv
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initStore builds the configured job store backend
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemory(), func() {}, nil

	case config.BackendPostgres:
		dbClient, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgres(dbClient.GetDB()), func() { dbClient.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}
}

// initQueue builds the configured task queue backend
func initQueue(cfg *config.Config, consumerTag string, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case config.BackendMemory:
		return queue.NewMemory(cfg.Jobs.JobTimeout), nil

	case config.BackendRabbitMQ:
		rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
			Host:               cfg.RabbitMQ.Host,
			Port:               cfg.RabbitMQ.Port,
			User:               cfg.RabbitMQ.User,
			Password:           cfg.RabbitMQ.Password,
			VHost:              cfg.RabbitMQ.VHost,
			ExchangeName:       cfg.RabbitMQ.Exchange.Name,
			ExchangeType:       cfg.RabbitMQ.Exchange.Type,
			ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
			ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
			QueueName:          cfg.RabbitMQ.Queue.Name,
			QueueDurable:       cfg.RabbitMQ.Queue.Durable,
			QueueAutoDelete:    cfg.RabbitMQ.Queue.AutoDelete,
			QueueExclusive:     cfg.RabbitMQ.Queue.Exclusive,
			RoutingKey:         cfg.RabbitMQ.RoutingKey,
			PrefetchCount:      cfg.RabbitMQ.Consumer.PrefetchCount,
			RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
			Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
			ConnectionTimeout:  cfg.RabbitMQ.Connection.ConnectionTimeout,
			PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
			PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
			PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
		}, logger)
		if err != nil {
			return nil, err
		}
		return queue.NewRabbitMQ(rabbitClient, consumerTag, logger), nil

	case config.BackendRedis:
		redisClient, err := redisclient.NewClient(&redisclient.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return queue.NewRedis(redisClient.GetRDB(), cfg.Queue.Name, cfg.Jobs.JobTimeout, logger), nil

	default:
		return nil, fmt.Errorf("unknown queue backend: %q", cfg.Queue.Backend)
	}
}
