// Package factory builds the list backend selected by configuration.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/raincheck/pkg/config"
	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
	"github.com/nimburion/raincheck/pkg/store/dynamodb"
	"github.com/nimburion/raincheck/pkg/store/memory"
	"github.com/nimburion/raincheck/pkg/store/mongodb"
	"github.com/nimburion/raincheck/pkg/store/mysql"
	"github.com/nimburion/raincheck/pkg/store/postgres"
	"github.com/nimburion/raincheck/pkg/store/rabbitmq"
	"github.com/nimburion/raincheck/pkg/store/redis"
)

// Config configures backend selection.
type Config = config.StoreConfig

type schemaBackend interface {
	store.Backend
	EnsureSchema(ctx context.Context) error
}

type constructors struct {
	redis    func(redis.Config, logger.Logger) (store.Backend, error)
	postgres func(postgres.Config, logger.Logger) (schemaBackend, error)
	mysql    func(mysql.Config, logger.Logger) (schemaBackend, error)
	mongodb  func(mongodb.Config, logger.Logger) (schemaBackend, error)
	dynamodb func(dynamodb.Config, logger.Logger, bool) (schemaBackend, error)
	rabbitmq func(rabbitmq.Config, logger.Logger) (store.Backend, error)
}

var defaultConstructors = constructors{
	redis: func(cfg redis.Config, log logger.Logger) (store.Backend, error) {
		adapter, err := redis.NewRedisAdapter(cfg, log)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	},
	postgres: func(cfg postgres.Config, log logger.Logger) (schemaBackend, error) {
		adapter, err := postgres.NewPostgreSQLAdapter(cfg, log)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	},
	mysql: func(cfg mysql.Config, log logger.Logger) (schemaBackend, error) {
		adapter, err := mysql.NewMySQLAdapter(cfg, log)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	},
	mongodb: func(cfg mongodb.Config, log logger.Logger) (schemaBackend, error) {
		adapter, err := mongodb.NewMongoDBAdapter(cfg, log)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	},
	dynamodb: func(cfg dynamodb.Config, log logger.Logger, ensureSchema bool) (schemaBackend, error) {
		adapter, err := dynamodb.NewDynamoDBAdapter(cfg, log, ensureSchema)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	},
	rabbitmq: func(cfg rabbitmq.Config, log logger.Logger) (store.Backend, error) {
		adapter, err := rabbitmq.NewRabbitMQAdapter(cfg, log)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	},
}

// NewBackend opens the configured list backend. Table-backed stores (postgres, mysql,
// mongodb, dynamodb) create their table, collection index or DynamoDB table when
// EnsureSchema is set.
func NewBackend(ctx context.Context, cfg Config, log logger.Logger) (store.Backend, error) {
	return newBackend(ctx, cfg, log, defaultConstructors)
}

func newBackend(ctx context.Context, cfg Config, log logger.Logger, build constructors) (store.Backend, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	storeType := strings.ToLower(strings.TrimSpace(cfg.Type))
	switch storeType {
	case config.StoreTypeMemory:
		log.Warn("using in-memory raincheck store, queued requests are lost on exit")
		return memory.NewListStore(), nil

	case config.StoreTypeRedis:
		return build.redis(redis.Config{
			URL:              cfg.URL,
			MaxConns:         cfg.MaxConns,
			OperationTimeout: cfg.OperationTimeout,
			KeyPrefix:        cfg.KeyPrefix,
		}, log)

	case config.StoreTypePostgres:
		adapter, err := build.postgres(postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			QueryTimeout:    cfg.OperationTimeout,
			Table:           cfg.Table,
		}, log)
		if err != nil {
			return nil, err
		}
		return withSchema(ctx, cfg, adapter)

	case config.StoreTypeMySQL:
		adapter, err := build.mysql(mysql.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			QueryTimeout:    cfg.OperationTimeout,
			Table:           cfg.Table,
		}, log)
		if err != nil {
			return nil, err
		}
		return withSchema(ctx, cfg, adapter)

	case config.StoreTypeMongoDB:
		adapter, err := build.mongodb(mongodb.Config{
			URL:              cfg.URL,
			Database:         cfg.Database,
			Collection:       cfg.Table,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return withSchema(ctx, cfg, adapter)

	case config.StoreTypeDynamoDB:
		adapter, err := build.dynamodb(dynamodb.Config{
			Region:           cfg.AWS.Region,
			Endpoint:         cfg.URL,
			AccessKeyID:      cfg.AWS.AccessKeyID,
			SecretAccessKey:  cfg.AWS.SecretAccessKey,
			SessionToken:     cfg.AWS.SessionToken,
			Table:            cfg.Table,
			OperationTimeout: cfg.OperationTimeout,
		}, log, cfg.EnsureSchema)
		if err != nil {
			return nil, err
		}
		return withSchema(ctx, cfg, adapter)

	case config.StoreTypeRabbitMQ:
		return build.rabbitmq(rabbitmq.Config{
			URL:              cfg.URL,
			QueuePrefix:      cfg.KeyPrefix,
			OperationTimeout: cfg.OperationTimeout,
		}, log)

	default:
		return nil, fmt.Errorf("unsupported store type: %q", cfg.Type)
	}
}

func withSchema(ctx context.Context, cfg Config, adapter schemaBackend) (store.Backend, error) {
	if !cfg.EnsureSchema {
		return adapter, nil
	}
	if err := adapter.EnsureSchema(ctx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("ensure %s schema: %w", cfg.Type, err)
	}
	return adapter, nil
}
