package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Lifecycle LifecycleConfig
	Sweeper   SweeperConfig
	Webhook   WebhookConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxConns      int
	MinConns      int
	MigrateOnBoot bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	Exchange string
}

// LifecycleConfig controls job creation defaults and retry scheduling
type LifecycleConfig struct {
	MaxAttempts          int
	BackoffMode          string // table, exponential
	Backoff              []time.Duration
	BackoffBase          time.Duration
	BackoffMultiplier    float64
	BackoffCap           time.Duration
	SingleActivePerVideo bool
	CacheTTL             time.Duration
}

// SweeperConfig controls the periodic retry, alert and watchdog passes
type SweeperConfig struct {
	RetryInterval    time.Duration
	AlertInterval    time.Duration
	WatchdogInterval time.Duration
	StaleAfter       time.Duration
	BatchSize        int
	LockTTL          time.Duration
}

// WebhookConfig holds outbound notification settings
type WebhookConfig struct {
	Secret   string
	AlertURL string
	Timeout  time.Duration
}

// LoggingConfig mirrors logging.Config
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the metrics server configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// RateLimitConfig holds per-client API rate limits
type RateLimitConfig struct {
	Enabled bool
	RPS     int
	Burst   int
}

// Load reads configuration from file and environment variables.
// Environment variables use the ENCODEJOBS_ prefix, e.g. ENCODEJOBS_DATABASE_HOST.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ENCODEJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// defaults always decode
	_ = v.Unmarshal(&config)
	return &config
}

// Validate checks values the lifecycle manager and sweeper depend on
func (c *Config) Validate() error {
	l := c.Lifecycle
	if l.MaxAttempts < 1 {
		return fmt.Errorf("invalid config: lifecycle.maxAttempts must be >= 1, got %d", l.MaxAttempts)
	}

	switch l.BackoffMode {
	case "table":
		if len(l.Backoff) == 0 {
			return fmt.Errorf("invalid config: lifecycle.backoff must not be empty")
		}
		for i, d := range l.Backoff {
			if d <= 0 {
				return fmt.Errorf("invalid config: lifecycle.backoff[%d] must be positive", i)
			}
		}
	case "exponential":
		if l.BackoffBase <= 0 || l.BackoffCap < l.BackoffBase || l.BackoffMultiplier < 1 {
			return fmt.Errorf("invalid config: exponential backoff needs base > 0, cap >= base, multiplier >= 1")
		}
	default:
		return fmt.Errorf("invalid config: unknown lifecycle.backoffMode %q", l.BackoffMode)
	}

	s := c.Sweeper
	if s.RetryInterval <= 0 || s.AlertInterval <= 0 || s.WatchdogInterval <= 0 {
		return fmt.Errorf("invalid config: sweeper intervals must be positive")
	}
	if s.StaleAfter <= 0 {
		return fmt.Errorf("invalid config: sweeper.staleAfter must be positive")
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("invalid config: sweeper.batchSize must be >= 1")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "encodejobs")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.migrateOnBoot", true)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Queue defaults
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.exchange", "encoding_jobs")

	// Lifecycle defaults
	v.SetDefault("lifecycle.maxAttempts", 3)
	v.SetDefault("lifecycle.backoffMode", "table")
	v.SetDefault("lifecycle.backoff", []string{"5m", "15m", "60m"})
	v.SetDefault("lifecycle.backoffBase", "5m")
	v.SetDefault("lifecycle.backoffMultiplier", 3.0)
	v.SetDefault("lifecycle.backoffCap", "60m")
	v.SetDefault("lifecycle.singleActivePerVideo", false)
	v.SetDefault("lifecycle.cacheTTL", "30s")

	// Sweeper defaults
	v.SetDefault("sweeper.retryInterval", "30s")
	v.SetDefault("sweeper.alertInterval", "1m")
	v.SetDefault("sweeper.watchdogInterval", "1m")
	v.SetDefault("sweeper.staleAfter", "15m")
	v.SetDefault("sweeper.batchSize", 100)
	v.SetDefault("sweeper.lockTTL", "25s")

	// Webhook defaults
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.alertURL", "")
	v.SetDefault("webhook.timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "encodejobs")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Rate limit defaults
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.rps", 50)
	v.SetDefault("rateLimit.burst", 100)
}
