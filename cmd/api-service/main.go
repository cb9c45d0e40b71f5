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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/Seiryu1996/3d-model-generate-ai/internal/api/handler"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/api/router"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/artifact"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/config"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/lifecycle"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/queue"
	"github.com/Seiryu1996/3d-model-generate-ai/internal/store"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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
	taskQueue, err := initQueue(cfg, "api-service", appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize task queue: %w", err)
	}
	closers = append(closers, func() { taskQueue.Close() })

	// Initialize artifact storage for job deletion cleanup
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

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, manager)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, manager *lifecycle.Manager) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:  logger,
		Manager: manager,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}
