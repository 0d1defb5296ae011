package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// STORE_DRIVER=memory keeps everything in process, for local runs
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	// Database
	DBHost        string `env:"DB_HOST" envDefault:"localhost"`
	DBPort        int    `env:"DB_PORT" envDefault:"5432"`
	DBUser        string `env:"DB_USER" envDefault:"mailcore"`
	DBPassword    string `env:"DB_PASSWORD"`
	DBName        string `env:"DB_NAME" envDefault:"mailcore"`
	DBSSLMode     string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"25"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Redis config. An empty host disables rate limiting, idempotency and
	// the shared lock.
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// AWS Services
	AWSRegion    string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSEndpoint  string `env:"AWS_ENDPOINT"` // localstack and friends
	SESFromEmail string `env:"SES_FROM_EMAIL"`
	SNSTopicARN  string `env:"SNS_TOPIC_ARN"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL"`
	SQSRegion    string `env:"SQS_REGION"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`

	// Workers
	SendPollInterval  time.Duration `env:"SEND_POLL_INTERVAL" envDefault:"5s"`
	RetryPollInterval time.Duration `env:"RETRY_POLL_INTERVAL" envDefault:"1m"`
	SendBatchSize     int           `env:"SEND_BATCH_SIZE" envDefault:"10"`
	SendMaxAttempts   int           `env:"SEND_MAX_ATTEMPTS" envDefault:"3"`

	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"30s"`
	TraceMaxDepth int           `env:"TRACE_MAX_DEPTH" envDefault:"100"`
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: want %s or %s", c.StoreDriver, StorePostgres, StoreMemory)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %d", c.RateLimitPerMinute)
	}
	if c.SendMaxAttempts <= 0 {
		return fmt.Errorf("invalid SEND_MAX_ATTEMPTS: %d", c.SendMaxAttempts)
	}
	return nil
}

// RedisAddr returns host:port, or "" when Redis is disabled.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
