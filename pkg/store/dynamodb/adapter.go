// Package dynamodb stores raincheck lists in a DynamoDB table keyed by list and a
// time-ordered sequence.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
)

const (
	attrListKey = "list_key"
	attrSeq     = "seq"
	attrValue   = "value"

	// maxPopAttempts bounds how often PopHead retries after losing a head to another consumer.
	maxPopAttempts = 5
	tableWaitLimit = 2 * time.Minute
)

var _ store.Backend = (*DynamoDBAdapter)(nil)

// api is the subset of the DynamoDB client the adapter uses.
type api interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoDBAdapter implements list operations on a table with partition key list_key and
// sort key seq. seq is a UUIDv7, so items of a list sort in insertion order.
type DynamoDBAdapter struct {
	client  api
	table   string
	logger  logger.Logger
	timeout time.Duration
	newSeq  func() (string, error)
	mu      sync.RWMutex
	closed  bool
}

// Config holds DynamoDB adapter configuration.
type Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. for DynamoDB Local.
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	OperationTimeout time.Duration
}

// NewDynamoDBAdapter builds an AWS SDK v2 client and verifies the table is reachable
// unless it is about to be created by EnsureSchema.
func NewDynamoDBAdapter(cfg Config, log logger.Logger, ensureSchema bool) (*DynamoDBAdapter, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	table, err := store.TableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	cfg.Table = table
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	adapter := newWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)
	if !ensureSchema {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
		defer cancel()
		if err := adapter.Ping(ctx); err != nil {
			return nil, err
		}
	}

	log.Info("DynamoDB adapter initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table", cfg.Table)
	return adapter, nil
}

func newWithClient(client api, cfg Config, log logger.Logger) *DynamoDBAdapter {
	if cfg.Table == "" {
		cfg.Table = store.DefaultTable
	}
	return &DynamoDBAdapter{
		client:  client,
		table:   cfg.Table,
		logger:  log,
		timeout: cfg.OperationTimeout,
		newSeq:  newSequence,
	}
}

func newSequence() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// EnsureSchema creates the table on demand billing and waits until it is active.
// An existing table is left untouched.
func (a *DynamoDBAdapter) EnsureSchema(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}

	createCtx, cancel := a.withOperationTimeout(ctx)
	_, err := a.client.CreateTable(createCtx, &dynamodb.CreateTableInput{
		TableName:   aws.String(a.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrListKey), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSeq), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrListKey), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrSeq), KeyType: types.KeyTypeRange},
		},
	})
	cancel()

	var inUse *types.ResourceInUseException
	switch {
	case err == nil:
		waiter := dynamodb.NewTableExistsWaiter(a.client)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(a.table)}, tableWaitLimit); err != nil {
			return fmt.Errorf("failed waiting for table %s: %w", a.table, err)
		}
	case errors.As(err, &inUse):
	default:
		return fmt.Errorf("failed to create table %s: %w", a.table, err)
	}
	a.logger.Info("DynamoDB list table ready", "table", a.table)
	return nil
}

// PushTail appends value to the list at key.
func (a *DynamoDBAdapter) PushTail(ctx context.Context, key, value string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	seq, err := a.newSeq()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err = a.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item: map[string]types.AttributeValue{
			attrListKey: &types.AttributeValueMemberS{Value: key},
			attrSeq:     &types.AttributeValueMemberS{Value: seq},
			attrValue:   &types.AttributeValueMemberS{Value: value},
		},
	})
	if err != nil {
		if IsThrottlingError(err) {
			a.logger.Warn("DynamoDB throttled list push", "list", key, "table", a.table)
		}
		return fmt.Errorf("failed to push to list %s: %w", key, err)
	}
	return nil
}

// PopHead reads the head of the list and deletes it on condition it still exists. When a
// concurrent consumer wins the delete the read is retried, so each item is returned to
// exactly one caller.
func (a *DynamoDBAdapter) PopHead(ctx context.Context, key string) (string, bool, error) {
	if err := a.ensureOpen(); err != nil {
		return "", false, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	for attempt := 1; attempt <= maxPopAttempts; attempt++ {
		out, err := a.client.Query(opCtx, &dynamodb.QueryInput{
			TableName:              aws.String(a.table),
			KeyConditionExpression: aws.String("#k = :k"),
			ExpressionAttributeNames: map[string]string{
				"#k": attrListKey,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":k": &types.AttributeValueMemberS{Value: key},
			},
			ScanIndexForward: aws.Bool(true),
			ConsistentRead:   aws.Bool(true),
			Limit:            aws.Int32(1),
		})
		if err != nil {
			return "", false, fmt.Errorf("failed to read head of list %s: %w", key, err)
		}
		if len(out.Items) == 0 {
			return "", false, nil
		}

		head := out.Items[0]
		deleted, err := a.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
			TableName: aws.String(a.table),
			Key: map[string]types.AttributeValue{
				attrListKey: head[attrListKey],
				attrSeq:     head[attrSeq],
			},
			ConditionExpression: aws.String("attribute_exists(#s)"),
			ExpressionAttributeNames: map[string]string{
				"#s": attrSeq,
			},
			ReturnValues: types.ReturnValueAllOld,
		})
		var lost *types.ConditionalCheckFailedException
		if errors.As(err, &lost) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to remove head of list %s: %w", key, err)
		}

		value, ok := deleted.Attributes[attrValue].(*types.AttributeValueMemberS)
		if !ok {
			return "", false, fmt.Errorf("list %s item has no string value", key)
		}
		return value.Value, true, nil
	}
	return "", false, fmt.Errorf("failed to pop from list %s: lost the head %d times", key, maxPopAttempts)
}

// Len counts the items of the list at key, following pagination.
func (a *DynamoDBAdapter) Len(ctx context.Context, key string) (int64, error) {
	if err := a.ensureOpen(); err != nil {
		return 0, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var (
		total int64
		start map[string]types.AttributeValue
	)
	for {
		out, err := a.client.Query(opCtx, &dynamodb.QueryInput{
			TableName:              aws.String(a.table),
			KeyConditionExpression: aws.String("#k = :k"),
			ExpressionAttributeNames: map[string]string{
				"#k": attrListKey,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":k": &types.AttributeValueMemberS{Value: key},
			},
			Select:            types.SelectCount,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to count list %s: %w", key, err)
		}
		total += int64(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		start = out.LastEvaluatedKey
	}
}

// Ping describes the table.
func (a *DynamoDBAdapter) Ping(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	if _, err := a.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(a.table)}); err != nil {
		return fmt.Errorf("dynamodb ping failed: %w", err)
	}
	return nil
}

// HealthCheck pings the table with a timeout.
func (a *DynamoDBAdapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("DynamoDB health check failed", "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// Close marks the adapter closed. The SDK client holds no connections to release.
func (a *DynamoDBAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// IsThrottlingError reports whether err is a provisioned throughput rejection.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
}

func (a *DynamoDBAdapter) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return store.ErrClosed
	}
	return nil
}

func (a *DynamoDBAdapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
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
