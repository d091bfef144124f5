// Package redis stores raincheck lists in Redis lists (RPUSH / LPOP).
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
)

const (
	dialTimeout        = 5 * time.Second
	healthCheckTimeout = 2 * time.Second
)

var _ store.Backend = (*RedisAdapter)(nil)

// RedisAdapter provides list operations on a pooled Redis connection.
type RedisAdapter struct {
	client *redis.Client
	logger logger.Logger
	config Config
}

// Config holds Redis connection configuration
type Config struct {
	URL      string
	MaxConns int
	// OperationTimeout bounds each command when the caller's context has no deadline.
	OperationTimeout time.Duration
	// KeyPrefix is prepended to every list key, e.g. "raincheck".
	KeyPrefix string
}

// NewRedisAdapter parses the URL, opens a pool and verifies it with a ping.
func NewRedisAdapter(cfg Config, log logger.Logger) (*RedisAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = dialTimeout
	if cfg.OperationTimeout > 0 {
		opts.ReadTimeout = cfg.OperationTimeout
		opts.WriteTimeout = cfg.OperationTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("Redis connection established",
		"max_conns", opts.PoolSize,
		"operation_timeout", cfg.OperationTimeout,
		"key_prefix", cfg.KeyPrefix,
	)

	return newWithClient(client, cfg, log), nil
}

func newWithClient(client *redis.Client, cfg Config, log logger.Logger) *RedisAdapter {
	cfg.KeyPrefix = strings.Trim(strings.TrimSpace(cfg.KeyPrefix), ":")
	return &RedisAdapter{
		client: client,
		logger: log,
		config: cfg,
	}
}

// Client returns the underlying *redis.Client for direct access when needed
func (a *RedisAdapter) Client() *redis.Client {
	return a.client
}

// PushTail appends value to the list at key.
func (a *RedisAdapter) PushTail(ctx context.Context, key, value string) error {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	if err := a.client.RPush(opCtx, a.listKey(key), value).Err(); err != nil {
		return fmt.Errorf("failed to push to list %s: %w", key, err)
	}
	return nil
}

// PopHead removes and returns the first element of the list at key.
func (a *RedisAdapter) PopHead(ctx context.Context, key string) (string, bool, error) {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	value, err := a.client.LPop(opCtx, a.listKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to pop from list %s: %w", key, err)
	}
	return value, true, nil
}

// Len returns the length of the list at key.
func (a *RedisAdapter) Len(ctx context.Context, key string) (int64, error) {
	opCtx, cancel := a.operationContext(ctx)
	defer cancel()

	n, err := a.client.LLen(opCtx, a.listKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of list %s: %w", key, err)
	}
	return n, nil
}

// HealthCheck verifies the Redis connection is healthy with a timeout
func (a *RedisAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := a.client.Ping(ctx).Err(); err != nil {
		a.logger.Error("Redis health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close gracefully closes the Redis connection
func (a *RedisAdapter) Close() error {
	a.logger.Info("closing Redis connection")

	if err := a.client.Close(); err != nil {
		a.logger.Error("failed to close Redis connection", "error", err)
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

func (a *RedisAdapter) listKey(key string) string {
	if a.config.KeyPrefix == "" {
		return key
	}
	return a.config.KeyPrefix + ":" + key
}

func (a *RedisAdapter) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}
