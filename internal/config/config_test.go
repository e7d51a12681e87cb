package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		Broker: BrokerConfig{
			Kind: BrokerKindRabbitMQ,
			RabbitMQ: RabbitMQConfig{
				Host:     "localhost",
				Port:     5672,
				Exchange: "jobs_exchange",
				Queue:    "jobs_queue",
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			JobTimeout:        60 * time.Second,
			VisibilityTimeout: 90 * time.Second,
			MaxAttempts:       3,
			BackoffBaseDelay:  2 * time.Second,
		},
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.Equal(t, BrokerKindRabbitMQ, cfg.Broker.Kind)
				assert.Equal(t, "jobs_exchange", cfg.Broker.RabbitMQ.Exchange)
				assert.Equal(t, "jobs_queue_wait", cfg.Broker.RabbitMQ.WaitQueue)
				assert.Equal(t, "job-api-service", cfg.App.Name)
				assert.Equal(t, 8, cfg.Worker.Concurrency)
				assert.Equal(t, 45*time.Second, cfg.Worker.JobTimeout)
			}
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, BrokerKindMemory, cfg.Broker.Kind, "explicit kind is kept")
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 60*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, 90*time.Second, cfg.Worker.VisibilityTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Worker.BackoffBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Worker.ShutdownTimeout)
}

func TestValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.Broker.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.Broker.RabbitMQ.Exchange = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.Broker.RabbitMQ.Queue = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "redis kind requires addr",
			mutate: func(c *Config) {
				c.Broker.Kind = BrokerKindRedis
				c.Broker.Redis.Addr = ""
			},
			wantErr:   true,
			errString: "redis addr is required",
		},
		{
			name: "redis kind ignores rabbitmq fields",
			mutate: func(c *Config) {
				c.Broker.Kind = BrokerKindRedis
				c.Broker.RabbitMQ = RabbitMQConfig{}
			},
			wantErr: false,
		},
		{
			name:    "memory kind needs no backend config",
			mutate:  func(c *Config) { c.Broker = BrokerConfig{Kind: BrokerKindMemory} },
			wantErr: false,
		},
		{
			name:      "unknown broker kind",
			mutate:    func(c *Config) { c.Broker.Kind = "kafka" },
			wantErr:   true,
			errString: "unknown broker kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "job_timeout must be greater than 0",
		},
		{
			name: "visibility timeout not above job timeout",
			mutate: func(c *Config) {
				c.Worker.JobTimeout = 90 * time.Second
				c.Worker.VisibilityTimeout = 90 * time.Second
			},
			wantErr:   true,
			errString: "visibility_timeout must exceed job_timeout",
		},
		{
			name:      "zero max attempts",
			mutate:    func(c *Config) { c.Worker.MaxAttempts = 0 },
			wantErr:   true,
			errString: "max_attempts must be greater than 0",
		},
		{
			name:      "zero backoff base",
			mutate:    func(c *Config) { c.Worker.BackoffBaseDelay = 0 },
			wantErr:   true,
			errString: "backoff_base_delay must be greater than 0",
		},
		{
			name:      "shared validation still runs",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})
}
