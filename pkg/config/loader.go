package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader.
// configFile is optional; envPrefix defaults to DefaultEnvPrefix.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > secrets file > config file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secretsFile, err := l.discoverSecretsFile()
	if err != nil {
		return nil, err
	}
	if secretsFile != "" {
		secrets := viper.New()
		secrets.SetConfigFile(secretsFile)
		if err := secrets.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
		}
		if err := v.MergeConfigMap(secrets.AllSettings()); err != nil {
			return nil, fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_insecure", l.prefixedEnv("TRACING_INSECURE"))
	v.BindEnv("observability.metrics_file", l.prefixedEnv("METRICS_FILE"))

	v.BindEnv("raincheck.guaranteed_delivery", l.prefixedEnv("GUARANTEED_DELIVERY"))
	v.BindEnv("raincheck.store_timeout", l.prefixedEnv("STORE_TIMEOUT"))
	v.BindEnv("raincheck.skip_status_codes", l.prefixedEnv("SKIP_STATUS_CODES"))
	v.BindEnv("raincheck.expires_in", l.prefixedEnv("EXPIRES_IN"))
	v.BindEnv("raincheck.retry_in", l.prefixedEnv("RETRY_IN"))

	v.BindEnv("store.type", l.prefixedEnv("STORE_TYPE"))
	v.BindEnv("store.url", l.prefixedEnv("STORE_URL"))
	v.BindEnv("store.key_prefix", l.prefixedEnv("STORE_KEY_PREFIX"))
	v.BindEnv("store.table", l.prefixedEnv("STORE_TABLE"))
	v.BindEnv("store.max_conns", l.prefixedEnv("STORE_MAX_CONNS"))
	v.BindEnv("store.max_idle_conns", l.prefixedEnv("STORE_MAX_IDLE_CONNS"))
	v.BindEnv("store.conn_max_lifetime", l.prefixedEnv("STORE_CONN_MAX_LIFETIME"))
	v.BindEnv("store.operation_timeout", l.prefixedEnv("STORE_OPERATION_TIMEOUT"))
	v.BindEnv("store.ensure_schema", l.prefixedEnv("STORE_ENSURE_SCHEMA"))
	v.BindEnv("store.database", l.prefixedEnv("STORE_DATABASE"))
	v.BindEnv("store.aws.region", l.prefixedEnv("STORE_AWS_REGION"), "AWS_REGION")
	v.BindEnv("store.aws.access_key_id", l.prefixedEnv("STORE_AWS_ACCESS_KEY_ID"))
	v.BindEnv("store.aws.secret_access_key", l.prefixedEnv("STORE_AWS_SECRET_ACCESS_KEY"))
	v.BindEnv("store.aws.session_token", l.prefixedEnv("STORE_AWS_SESSION_TOKEN"))

	v.BindEnv("transport.base_url", l.prefixedEnv("TRANSPORT_BASE_URL"))
	v.BindEnv("transport.timeout", l.prefixedEnv("TRANSPORT_TIMEOUT"))
	v.BindEnv("transport.retry.max_attempts", l.prefixedEnv("TRANSPORT_RETRY_MAX_ATTEMPTS"))
	v.BindEnv("transport.retry.initial_backoff", l.prefixedEnv("TRANSPORT_RETRY_INITIAL_BACKOFF"))
	v.BindEnv("transport.retry.max_backoff", l.prefixedEnv("TRANSPORT_RETRY_MAX_BACKOFF"))
	v.BindEnv("transport.retry.retry_on_status", l.prefixedEnv("TRANSPORT_RETRY_ON_STATUS"))
	v.BindEnv("transport.circuit_breaker.enabled", l.prefixedEnv("TRANSPORT_CB_ENABLED"))
	v.BindEnv("transport.circuit_breaker.max_failures", l.prefixedEnv("TRANSPORT_CB_MAX_FAILURES"))
	v.BindEnv("transport.circuit_breaker.reset_timeout", l.prefixedEnv("TRANSPORT_CB_RESET_TIMEOUT"))

	v.BindEnv("drain.rate_per_second", l.prefixedEnv("DRAIN_RATE_PER_SECOND"))
	v.BindEnv("drain.burst", l.prefixedEnv("DRAIN_BURST"))
	v.BindEnv("drain.max_items", l.prefixedEnv("DRAIN_MAX_ITEMS"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
	v.SetDefault("observability.metrics_file", cfg.Observability.MetricsFile)

	v.SetDefault("raincheck.guaranteed_delivery", cfg.RainCheck.GuaranteedDelivery)
	v.SetDefault("raincheck.store_timeout", cfg.RainCheck.StoreTimeout)
	v.SetDefault("raincheck.skip_status_codes", cfg.RainCheck.SkipStatusCodes)
	v.SetDefault("raincheck.expires_in", cfg.RainCheck.ExpiresIn)
	v.SetDefault("raincheck.retry_in", cfg.RainCheck.RetryIn)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.url", cfg.Store.URL)
	v.SetDefault("store.key_prefix", cfg.Store.KeyPrefix)
	v.SetDefault("store.table", cfg.Store.Table)
	v.SetDefault("store.max_conns", cfg.Store.MaxConns)
	v.SetDefault("store.max_idle_conns", cfg.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", cfg.Store.ConnMaxLifetime)
	v.SetDefault("store.operation_timeout", cfg.Store.OperationTimeout)
	v.SetDefault("store.ensure_schema", cfg.Store.EnsureSchema)
	v.SetDefault("store.database", cfg.Store.Database)
	v.SetDefault("store.aws.region", cfg.Store.AWS.Region)
	v.SetDefault("store.aws.access_key_id", cfg.Store.AWS.AccessKeyID)
	v.SetDefault("store.aws.secret_access_key", cfg.Store.AWS.SecretAccessKey)
	v.SetDefault("store.aws.session_token", cfg.Store.AWS.SessionToken)

	v.SetDefault("transport.base_url", cfg.Transport.BaseURL)
	v.SetDefault("transport.timeout", cfg.Transport.Timeout)
	v.SetDefault("transport.retry.max_attempts", cfg.Transport.Retry.MaxAttempts)
	v.SetDefault("transport.retry.initial_backoff", cfg.Transport.Retry.InitialBackoff)
	v.SetDefault("transport.retry.max_backoff", cfg.Transport.Retry.MaxBackoff)
	v.SetDefault("transport.retry.retry_on_status", cfg.Transport.Retry.RetryOnStatus)
	v.SetDefault("transport.circuit_breaker.enabled", cfg.Transport.CircuitBreaker.Enabled)
	v.SetDefault("transport.circuit_breaker.max_failures", cfg.Transport.CircuitBreaker.MaxFailures)
	v.SetDefault("transport.circuit_breaker.reset_timeout", cfg.Transport.CircuitBreaker.ResetTimeout)

	v.SetDefault("drain.rate_per_second", cfg.Drain.RatePerSecond)
	v.SetDefault("drain.burst", cfg.Drain.Burst)
	v.SetDefault("drain.max_items", cfg.Drain.MaxItems)
}

// discoverSecretsFile finds an optional secrets file holding credentials such as store.url:
// 1. <ENV_PREFIX>_SECRETS_FILE when set (must exist)
// 2. secrets.{ext} next to the config file
func (l *ViperLoader) discoverSecretsFile() (string, error) {
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if raw, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(raw)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(secretsFile)
		if err != nil {
			return "", fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, secretsFile, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, secretsFile)
		}
		return secretsFile, nil
	}

	if l.configFile != "" {
		secretsFile := filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile))
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, nil
		}
	}
	return "", nil
}

// Validate normalizes cfg in place and reports every invalid setting at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	cfg.Observability.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel))
	cfg.Observability.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Observability.LogFormat))

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !slices.Contains(validLevels, cfg.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLevels))
	}
	validFormats := []string{"json", "text", "console"}
	if !slices.Contains(validFormats, cfg.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validFormats))
	}
	if cfg.Observability.TracingEnabled && strings.TrimSpace(cfg.Observability.TracingEndpoint) == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
	}

	if cfg.RainCheck.StoreTimeout < 0 {
		errs = append(errs, errors.New("raincheck.store_timeout must be >= 0"))
	}
	for _, code := range cfg.RainCheck.SkipStatusCodes {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("raincheck.skip_status_codes contains invalid status %d", code))
		}
	}
	if cfg.RainCheck.ExpiresIn < 0 || cfg.RainCheck.RetryIn < 0 {
		errs = append(errs, errors.New("raincheck.expires_in and raincheck.retry_in must be >= 0"))
	}

	validStores := []string{
		StoreTypeMemory, StoreTypeRedis, StoreTypePostgres, StoreTypeMySQL,
		StoreTypeMongoDB, StoreTypeDynamoDB, StoreTypeRabbitMQ,
	}
	switch {
	case !slices.Contains(validStores, cfg.Store.Type):
		errs = append(errs, fmt.Errorf("invalid store.type: %s (must be one of: %v)", cfg.Store.Type, validStores))
	case cfg.Store.Type == StoreTypeMemory:
	case cfg.Store.Type == StoreTypeDynamoDB:
		if strings.TrimSpace(cfg.Store.AWS.Region) == "" {
			errs = append(errs, errors.New("store.aws.region is required for store.type dynamodb"))
		}
	case strings.TrimSpace(cfg.Store.URL) == "":
		errs = append(errs, fmt.Errorf("store.url is required for store.type %s", cfg.Store.Type))
	case cfg.Store.Type == StoreTypeMongoDB && strings.TrimSpace(cfg.Store.Database) == "":
		errs = append(errs, errors.New("store.database is required for store.type mongodb"))
	}
	if cfg.Store.MaxConns < 0 || cfg.Store.MaxIdleConns < 0 {
		errs = append(errs, errors.New("store.max_conns and store.max_idle_conns must be >= 0"))
	}
	if cfg.Store.OperationTimeout < 0 {
		errs = append(errs, errors.New("store.operation_timeout must be >= 0"))
	}

	if cfg.Transport.BaseURL != "" {
		if u, err := url.Parse(cfg.Transport.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid transport.base_url: %s", cfg.Transport.BaseURL))
		}
	}
	if cfg.Transport.Timeout < 0 {
		errs = append(errs, errors.New("transport.timeout must be >= 0"))
	}
	if cfg.Transport.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("transport.retry.max_attempts must be >= 0"))
	}
	if cfg.Transport.Retry.InitialBackoff < 0 || cfg.Transport.Retry.MaxBackoff < 0 {
		errs = append(errs, errors.New("transport.retry backoffs must be >= 0"))
	}
	if cfg.Transport.CircuitBreaker.Enabled && cfg.Transport.CircuitBreaker.MaxFailures <= 0 {
		errs = append(errs, errors.New("transport.circuit_breaker.max_failures must be > 0 when enabled"))
	}

	if cfg.Drain.RatePerSecond < 0 {
		errs = append(errs, errors.New("drain.rate_per_second must be >= 0"))
	}
	if cfg.Drain.RatePerSecond > 0 && cfg.Drain.Burst <= 0 {
		errs = append(errs, errors.New("drain.burst must be > 0 when drain.rate_per_second is set"))
	}
	if cfg.Drain.MaxItems < 0 {
		errs = append(errs, errors.New("drain.max_items must be >= 0"))
	}

	return errors.Join(errs...)
}
