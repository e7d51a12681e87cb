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

	"github.com/cuongbtq/jobqueue-be/internal/api/handler"
	"github.com/cuongbtq/jobqueue-be/internal/api/router"
	"github.com/cuongbtq/jobqueue-be/internal/broker"
	brokermemory "github.com/cuongbtq/jobqueue-be/internal/broker/memory"
	brokerrabbit "github.com/cuongbtq/jobqueue-be/internal/broker/rabbitmq"
	brokerredis "github.com/cuongbtq/jobqueue-be/internal/broker/redis"
	"github.com/cuongbtq/jobqueue-be/internal/config"
	"github.com/cuongbtq/jobqueue-be/internal/dispatcher"
	"github.com/cuongbtq/jobqueue-be/internal/jobs"
	"github.com/cuongbtq/jobqueue-be/internal/store"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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

	jobRegistry := jobs.NewRegistry(appLogger.Logger)

	jobDispatcher := dispatcher.New(storage, queueBroker, jobRegistry, broker.EnqueueOptions{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BackoffBase: cfg.Worker.BackoffBaseDelay,
	}, appLogger.Logger)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	var brokerHealth handler.HealthChecker
	if p, ok := queueBroker.(interface{ Ping(context.Context) error }); ok {
		brokerHealth = p.Ping
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:       appLogger.Logger,
		Submitter:    jobDispatcher,
		Querier:      storage,
		StoreHealth:  dbClient.HealthCheck,
		BrokerHealth: brokerHealth,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

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
		slog.Any("job_types", jobRegistry.Types()),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

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
		// Single-process only; submissions are lost on restart.
		return brokermemory.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker kind: %q", cfg.Broker.Kind)
	}
}
