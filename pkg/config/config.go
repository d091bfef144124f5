// Package config loads raincheck configuration from defaults, files and environment.
package config

import "time"

// Store type constants
const (
	// StoreTypeMemory keeps lists in process memory.
	StoreTypeMemory = "memory"
	// StoreTypeRedis keeps lists in Redis.
	StoreTypeRedis = "redis"
	// StoreTypePostgres keeps lists in a PostgreSQL table.
	StoreTypePostgres = "postgres"
	// StoreTypeMySQL keeps lists in a MySQL table.
	StoreTypeMySQL = "mysql"
	// StoreTypeMongoDB keeps lists in a MongoDB collection.
	StoreTypeMongoDB = "mongodb"
	// StoreTypeDynamoDB keeps lists in a DynamoDB table.
	StoreTypeDynamoDB = "dynamodb"
	// StoreTypeRabbitMQ keeps each list in a durable RabbitMQ queue.
	StoreTypeRabbitMQ = "rabbitmq"
)

// DefaultEnvPrefix prefixes every environment variable the loader binds.
const DefaultEnvPrefix = "RAINCHECK"

// Config is the root configuration structure.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
	RainCheck     RainCheckConfig     `mapstructure:"raincheck" yaml:"raincheck"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Transport     TransportConfig     `mapstructure:"transport" yaml:"transport"`
	Drain         DrainConfig         `mapstructure:"drain" yaml:"drain"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// ObservabilityConfig configures logging, tracing and metrics output.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingInsecure   bool    `mapstructure:"tracing_insecure" yaml:"tracing_insecure"`
	// MetricsFile, when set, receives a Prometheus text exposition after each CLI run.
	MetricsFile string `mapstructure:"metrics_file" yaml:"metrics_file"`
}

// RainCheckConfig configures the dispatcher.
type RainCheckConfig struct {
	GuaranteedDelivery bool `mapstructure:"guaranteed_delivery" yaml:"guaranteed_delivery"`
	// StoreTimeout bounds every list push, pop and length read. Zero disables the guard.
	StoreTimeout time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
	// SkipStatusCodes are final statuses that are never queued. An explicit empty list
	// queues every failure.
	SkipStatusCodes []int `mapstructure:"skip_status_codes" yaml:"skip_status_codes"`
	// ExpiresIn and RetryIn are the windows used by the CLI send command.
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
	RetryIn   time.Duration `mapstructure:"retry_in" yaml:"retry_in"`
}

// StoreConfig selects and configures the list backend.
type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	// URL is the connection string. For dynamodb it is an optional endpoint override.
	URL string `mapstructure:"url" yaml:"url"`
	// KeyPrefix namespaces list keys in redis and queue names in rabbitmq.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	// Table is the SQL or DynamoDB table, or the MongoDB collection.
	Table string `mapstructure:"table" yaml:"table"`
	// Database is the MongoDB database.
	Database         string        `mapstructure:"database" yaml:"database"`
	AWS              AWSConfig     `mapstructure:"aws" yaml:"aws"`
	MaxConns         int           `mapstructure:"max_conns" yaml:"max_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	EnsureSchema     bool          `mapstructure:"ensure_schema" yaml:"ensure_schema"`
}

// AWSConfig holds DynamoDB credentials. Empty keys fall back to the default AWS chain.
type AWSConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
}

// TransportConfig configures the outbound HTTP client.
type TransportConfig struct {
	BaseURL        string               `mapstructure:"base_url" yaml:"base_url"`
	Timeout        time.Duration        `mapstructure:"timeout" yaml:"timeout"`
	Headers        map[string]string    `mapstructure:"headers" yaml:"headers"`
	Retry          RetryConfig          `mapstructure:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

// RetryConfig is the transport's default retry policy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	RetryOnStatus  []int         `mapstructure:"retry_on_status" yaml:"retry_on_status"`
}

// CircuitBreakerConfig configures fail-fast behaviour of the transport.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures  int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

// DrainConfig paces the drain loop.
type DrainConfig struct {
	// RatePerSecond limits drain steps; zero means unlimited.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
	// MaxItems stops a drain after this many steps; zero means until empty.
	MaxItems int `mapstructure:"max_items" yaml:"max_items"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "raincheck",
			Environment: "production",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 0.1,
		},
		RainCheck: RainCheckConfig{
			GuaranteedDelivery: true,
			SkipStatusCodes:    []int{400, 401, 403, 404, 405},
			ExpiresIn:          24 * time.Hour,
			RetryIn:            time.Minute,
		},
		Store: StoreConfig{
			Type:             StoreTypeRedis,
			URL:              "redis://localhost:6379/0",
			KeyPrefix:        "raincheck",
			MaxConns:         10,
			MaxIdleConns:     5,
			ConnMaxLifetime:  5 * time.Minute,
			OperationTimeout: 5 * time.Second,
		},
		Transport: TransportConfig{
			Timeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:    1,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Drain: DrainConfig{
			Burst: 1,
		},
	}
}
