// Package mongodb stores raincheck lists as documents of a MongoDB collection ordered by
// their ObjectID.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
)

// DefaultCollection holds list elements when Config.Collection is empty.
const DefaultCollection = store.DefaultTable

var _ store.Backend = (*MongoDBAdapter)(nil)

// MongoDBAdapter implements list operations on a MongoDB collection. Each element is a
// document {_id, list_key, value, created_at}; the head of a list is its smallest _id.
// ObjectIDs grow monotonically per process, so order across concurrent producers is
// approximate to the second.
type MongoDBAdapter struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     logger.Logger
	timeout    time.Duration
	mu         sync.RWMutex
	closed     bool
}

// Config holds MongoDB adapter configuration.
type Config struct {
	URL              string
	Database         string
	Collection       string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

type element struct {
	ID        primitive.ObjectID `bson:"_id"`
	ListKey   string             `bson:"list_key"`
	Value     string             `bson:"value"`
	CreatedAt time.Time          `bson:"created_at"`
}

// NewMongoDBAdapter connects, verifies the deployment with a ping and binds the collection.
// It does not create indexes; see EnsureSchema.
func NewMongoDBAdapter(cfg Config, log logger.Logger) (*MongoDBAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("MongoDB connection established", "database", cfg.Database, "collection", cfg.Collection)
	return &MongoDBAdapter{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		logger:     log,
		timeout:    cfg.OperationTimeout,
	}, nil
}

// Client returns the underlying *mongo.Client.
func (a *MongoDBAdapter) Client() *mongo.Client {
	return a.client
}

// EnsureSchema creates the (list_key, _id) index pops and counts run on.
func (a *MongoDBAdapter) EnsureSchema(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.collection.Indexes().CreateOne(opCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "list_key", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("list_key_id_idx"),
	})
	if err != nil {
		return fmt.Errorf("failed to create index on %s: %w", a.collection.Name(), err)
	}
	a.logger.Info("MongoDB list collection ready", "collection", a.collection.Name())
	return nil
}

// PushTail appends value to the list at key.
func (a *MongoDBAdapter) PushTail(ctx context.Context, key, value string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	doc := element{
		ID:        primitive.NewObjectID(),
		ListKey:   key,
		Value:     value,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := a.collection.InsertOne(opCtx, doc); err != nil {
		return fmt.Errorf("failed to push to list %s: %w", key, err)
	}
	return nil
}

// PopHead deletes and returns the oldest document of the list at key in a single
// findAndModify, so each element is returned to exactly one caller.
func (a *MongoDBAdapter) PopHead(ctx context.Context, key string) (string, bool, error) {
	if err := a.ensureOpen(); err != nil {
		return "", false, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var doc element
	err := a.collection.FindOneAndDelete(opCtx,
		bson.D{{Key: "list_key", Value: key}},
		options.FindOneAndDelete().SetSort(bson.D{{Key: "_id", Value: 1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to pop from list %s: %w", key, err)
	}
	return doc.Value, true, nil
}

// Len counts the documents of the list at key.
func (a *MongoDBAdapter) Len(ctx context.Context, key string) (int64, error) {
	if err := a.ensureOpen(); err != nil {
		return 0, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	n, err := a.collection.CountDocuments(opCtx, bson.D{{Key: "list_key", Value: key}})
	if err != nil {
		return 0, fmt.Errorf("failed to count list %s: %w", key, err)
	}
	return n, nil
}

// Ping checks the primary is reachable.
func (a *MongoDBAdapter) Ping(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	return a.client.Ping(ctx, readpref.Primary())
}

// HealthCheck pings the deployment with a timeout.
func (a *MongoDBAdapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects the client. Closing twice is a no-op.
func (a *MongoDBAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

func (a *MongoDBAdapter) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return store.ErrClosed
	}
	return nil
}

func (a *MongoDBAdapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}
