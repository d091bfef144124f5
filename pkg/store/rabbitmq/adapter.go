// Package rabbitmq keeps each raincheck list in a durable RabbitMQ queue. Pushes are
// persistent publishes awaited through publisher confirms; pops are auto-acked basic.get.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
)

const contentType = "application/json"

var _ store.Backend = (*RabbitMQAdapter)(nil)

// channel is the subset of *amqp.Channel the adapter uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	IsClosed() bool
	Close() error
}

// RabbitMQAdapter implements list operations on durable queues reached through the
// default exchange. A single confirm-mode channel serves all operations and is reopened
// after the broker closes it.
type RabbitMQAdapter struct {
	conn     *amqp.Connection
	open     func() (channel, error)
	ch       channel
	declared map[string]bool
	logger   logger.Logger
	config   Config
	mu       sync.Mutex
	closed   bool
}

// Config holds RabbitMQ adapter configuration.
type Config struct {
	URL string
	// QueuePrefix is prepended to every list key with a "." separator.
	QueuePrefix      string
	OperationTimeout time.Duration
}

// NewRabbitMQAdapter dials the broker and opens the confirm-mode channel.
func NewRabbitMQAdapter(cfg Config, log logger.Logger) (*RabbitMQAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	open := func() (channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
		return ch, nil
	}

	a := newWithChannel(open, cfg, log)
	a.conn = conn
	a.mu.Lock()
	_, err = a.channel()
	a.mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info("RabbitMQ connection established", "queue_prefix", a.config.QueuePrefix)
	return a, nil
}

func newWithChannel(open func() (channel, error), cfg Config, log logger.Logger) *RabbitMQAdapter {
	cfg.QueuePrefix = strings.Trim(strings.TrimSpace(cfg.QueuePrefix), ".")
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return &RabbitMQAdapter{
		open:     open,
		declared: make(map[string]bool),
		logger:   log,
		config:   cfg,
	}
}

// QueueName returns the broker queue backing the list at key.
func (a *RabbitMQAdapter) QueueName(key string) string {
	if a.config.QueuePrefix == "" {
		return key
	}
	return a.config.QueuePrefix + "." + key
}

// PushTail publishes value persistently and waits for the broker to confirm it.
func (a *RabbitMQAdapter) PushTail(ctx context.Context, key, value string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	queue := a.QueueName(key)
	ch, err := a.declare(queue)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()
	confirm, err := ch.PublishWithDeferredConfirmWithContext(opCtx, "", queue, false, false, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(value),
	})
	if err != nil {
		return fmt.Errorf("failed to push to list %s: %w", key, err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(opCtx)
	if err != nil {
		return fmt.Errorf("failed to confirm push to list %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected push to list %s", key)
	}
	return nil
}

// PopHead removes the first message of the queue with an auto-acked basic.get.
func (a *RabbitMQAdapter) PopHead(ctx context.Context, key string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	queue := a.QueueName(key)
	ch, err := a.declare(queue)
	if err != nil {
		return "", false, err
	}
	msg, ok, err := ch.Get(queue, true)
	if err != nil {
		return "", false, fmt.Errorf("failed to pop from list %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return string(msg.Body), true, nil
}

// Len returns the number of ready messages in the queue.
func (a *RabbitMQAdapter) Len(ctx context.Context, key string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	queue := a.QueueName(key)
	ch, err := a.channel()
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read length of list %s: %w", key, err)
	}
	a.declared[queue] = true
	return int64(q.Messages), nil
}

// HealthCheck verifies the connection and channel are open.
func (a *RabbitMQAdapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return store.ErrClosed
	}
	if a.conn != nil && a.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	if _, err := a.channel(); err != nil {
		return fmt.Errorf("rabbitmq health check failed: %w", err)
	}
	return nil
}

// Close releases the channel and the connection.
func (a *RabbitMQAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.ch != nil && !a.ch.IsClosed() {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// channel returns the open channel, reopening it when the broker closed it. A reopened
// channel forgets which queues were declared. Callers hold a.mu.
func (a *RabbitMQAdapter) channel() (channel, error) {
	if a.closed {
		return nil, store.ErrClosed
	}
	if a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}
	ch, err := a.open()
	if err != nil {
		return nil, err
	}
	if a.ch != nil {
		a.logger.Warn("RabbitMQ channel reopened")
	}
	a.ch = ch
	a.declared = make(map[string]bool)
	return ch, nil
}

// declare makes sure queue exists as a durable queue. Callers hold a.mu.
func (a *RabbitMQAdapter) declare(queue string) (channel, error) {
	ch, err := a.channel()
	if err != nil {
		return nil, err
	}
	if a.declared[queue] {
		return ch, nil
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	a.declared[queue] = true
	return ch, nil
}
