package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
	brokermemory "github.com/cuongbtq/jobqueue-be/internal/broker/memory"
	brokerrabbit "github.com/cuongbtq/jobqueue-be/internal/broker/rabbitmq"
	brokerredis "github.com/cuongbtq/jobqueue-be/internal/broker/redis"
	"github.com/cuongbtq/jobqueue-be/internal/config"
	"github.com/cuongbtq/jobqueue-be/internal/jobs"
	"github.com/cuongbtq/jobqueue-be/internal/store"
	"github.com/cuongbtq/jobqueue-be/internal/worker"
	"github.com/cuongbtq/jobqueue-be/shared/logger"
	"github.com/cuongbtq/jobqueue-be/shared/postgresql"
	"github.com/cuongbtq/jobqueue-be/shared/rabbitmq"
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
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	storage := store.NewStorage(dbClient.GetDB(), appLogger.Logger)

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer schemaCancel()
	if err := storage.EnsureSchema(schemaCtx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	queueBroker, closeBroker, err := initBroker(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	defer closeBroker()

	pool := worker.NewPool(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             storage,
		Broker:            queueBroker,
		Registry:          jobs.NewRegistry(appLogger.Logger),
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		DequeueRate:       cfg.Worker.DequeueRate,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	cancel()

	// Give in-flight jobs a bounded grace period; anything unfinished
	// becomes redeliverable after its visibility timeout.
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker pool stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
}

// initBroker builds the queue broker configured by broker.kind. The
// returned func releases the backend connection.
func initBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, func(), error) {
	switch cfg.Broker.Kind {
	case config.BrokerKindRabbitMQ:
		client, err := rabbitmq.NewClient(&rabbitmq.Config{
			Host:               cfg.Broker.RabbitMQ.Host,
			Port:               cfg.Broker.RabbitMQ.Port,
			User:               cfg.Broker.RabbitMQ.User,
			Password:           cfg.Broker.RabbitMQ.Password,
			VHost:              cfg.Broker.RabbitMQ.VHost,
			ExchangeName:       cfg.Broker.RabbitMQ.Exchange,
			QueueName:          cfg.Broker.RabbitMQ.Queue,
			WaitQueueName:      cfg.Broker.RabbitMQ.WaitQueue,
			RoutingKey:         cfg.Broker.RabbitMQ.RoutingKey,
			WaitRoutingKey:     cfg.Broker.RabbitMQ.WaitRoutingKey,
			Durable:            cfg.Broker.RabbitMQ.Durable,
			RetryAttempts:      cfg.Broker.RabbitMQ.Connection.RetryAttempts,
			RetryInterval:      cfg.Broker.RabbitMQ.Connection.RetryInterval,
			Heartbeat:          cfg.Broker.RabbitMQ.Connection.Heartbeat,
			PublishRetries:     cfg.Broker.RabbitMQ.Publish.RetryAttempts,
			PublishRetryDelay:  cfg.Broker.RabbitMQ.Publish.RetryInterval,
			PublishBackoffMult: cfg.Broker.RabbitMQ.Publish.BackoffMultiplier,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		b := brokerrabbit.New(client, &brokerrabbit.Config{
			WaitRoutingKey: cfg.Broker.RabbitMQ.WaitRoutingKey,
			PrefetchCount:  cfg.Broker.RabbitMQ.PrefetchCount,
		}, logger)
		return b, func() { client.Close() }, nil

	case config.BrokerKindRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b, err := brokerredis.New(ctx, &brokerredis.Config{
			Addr:      cfg.Broker.Redis.Addr,
			Password:  cfg.Broker.Redis.Password,
			DB:        cfg.Broker.Redis.DB,
			Namespace: cfg.Broker.Redis.Namespace,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil

	case config.BrokerKindMemory:
		// Single-process only; nothing another process enqueued is visible.
		return brokermemory.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker kind: %q", cfg.Broker.Kind)
	}
}
