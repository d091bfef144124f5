// Package raincheck turns failed outbound requests into queued rain checks and resends
// them when a queue is drained, giving at-least-once delivery over a durable list store.
package raincheck

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/observability/tracing"
	"github.com/nimburion/raincheck/pkg/store"
	"github.com/nimburion/raincheck/pkg/transport"
)

// DefaultSkipStatusCodes are client errors that will not succeed on a later attempt.
func DefaultSkipStatusCodes() []int {
	return []int{400, 401, 403, 404, 405}
}

// SuccessCallback runs after a successful send with the final result and the params the
// request was sent with. Its error is returned to the caller of Send or ConsumeOne.
type SuccessCallback func(ctx context.Context, result *transport.Result, params Params) error

// Config configures a Dispatcher.
type Config struct {
	// GuaranteedDelivery queues qualifying failures. When false failures are only returned.
	GuaranteedDelivery bool
	// StoreTimeout bounds every list push and pop. Zero or negative disables the guard.
	StoreTimeout time.Duration
	// SkipStatusCodes are never queued. Nil selects DefaultSkipStatusCodes; an empty,
	// non-nil slice queues every failure.
	SkipStatusCodes []int
}

// DefaultConfig returns guaranteed delivery with the default skip list and no store timeout.
func DefaultConfig() Config {
	return Config{
		GuaranteedDelivery: true,
		SkipStatusCodes:    DefaultSkipStatusCodes(),
	}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator used for params without an ID.
func WithIDGenerator(newID func() string) Option {
	return func(d *Dispatcher) {
		if newID != nil {
			d.newID = newID
		}
	}
}

// WithStoreSystem names the backing store in spans, e.g. "redis".
func WithStoreSystem(system string) Option {
	return func(d *Dispatcher) {
		d.storeSystem = system
	}
}

// Dispatcher sends requests and queues the ones that fail.
type Dispatcher struct {
	client      transport.Client
	store       guardedStore
	log         logger.Logger
	guaranteed  bool
	skip        []int
	storeSystem string
	now         func() time.Time
	newID       func() string
}

// NewDispatcher creates a dispatcher sending through client and queueing into lists.
func NewDispatcher(client transport.Client, lists store.ListStore, log logger.Logger, cfg Config, opts ...Option) (*Dispatcher, error) {
	if client == nil {
		return nil, raincheckError(ErrValidation, "transport client is required")
	}
	if lists == nil {
		return nil, raincheckError(ErrValidation, "list store is required")
	}
	if log == nil {
		return nil, raincheckError(ErrValidation, "logger is required")
	}

	skip := cfg.SkipStatusCodes
	if skip == nil {
		skip = DefaultSkipStatusCodes()
	}

	d := &Dispatcher{
		client:     client,
		log:        log,
		guaranteed: cfg.GuaranteedDelivery,
		skip:       slices.Clone(skip),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.store = newGuardedStore(lists, cfg.StoreTimeout, d.storeSystem)
	return d, nil
}

// Skips reports whether a failure with status is never queued.
func (d *Dispatcher) Skips(status int) bool {
	return slices.Contains(d.skip, status)
}

// Send sends req through the transport, which performs its own retries, and acts on the
// final outcome:
//   - success runs onSuccess, if any, and returns its error;
//   - failure with params.SleepUntilSuccessful returns ErrUnsupported without queueing;
//   - failure with guaranteed delivery on and a status outside the skip list pushes one
//     descriptor to params.QueueKey.
//
// The transport result is returned whenever the request was attempted, so a failed
// request is reported through result.Failure, not through the error.
func (d *Dispatcher) Send(ctx context.Context, req transport.Request, params Params, retry *transport.RetryConfig, onSuccess SuccessCallback) (*transport.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := validateText(params, req); err != nil {
		return nil, err
	}
	if params.ID == "" {
		params.ID = d.newID()
	}

	ctx = logger.ContextWithRainCheckID(ctx, params.ID)
	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationSend,
		tracing.WithQueue(params.QueueKey),
		tracing.WithRainCheckID(params.ID),
		tracing.WithHTTPMethod(req.Method),
	)
	defer span.End()
	log := d.log.WithContext(ctx).With("queue", params.QueueKey)

	sentAt := d.now()
	result := d.client.Send(ctx, req, retry)
	if result == nil {
		result = &transport.Result{Failure: &transport.Failure{Err: errors.New("transport returned no result")}}
	}
	span.SetAttributes(attribute.Int("http.status_code", result.StatusCode()))

	if result.OK() {
		if onSuccess != nil {
			if err := onSuccess(ctx, result, params); err != nil {
				err = fmt.Errorf("success callback: %w", err)
				recordSend(params.QueueKey, sendOutcomeError)
				tracing.RecordError(span, err)
				return result, err
			}
		}
		recordSend(params.QueueKey, sendOutcomeSucceeded)
		tracing.RecordSuccess(span)
		return result, nil
	}

	status := result.StatusCode()
	if params.SleepUntilSuccessful {
		err := raincheckError(ErrUnsupported, "sleep_until_successful dispatch is not implemented")
		recordSend(params.QueueKey, sendOutcomeUnsupported)
		tracing.RecordError(span, err)
		return result, err
	}
	if !d.guaranteed {
		log.Debug("request failed, guaranteed delivery disabled", "status_code", status)
		recordSkipped(params.QueueKey, skipReasonDisabled)
		recordSend(params.QueueKey, sendOutcomeSkipped)
		span.SetAttributes(attribute.String("raincheck.outcome", sendOutcomeSkipped))
		return result, nil
	}
	if d.Skips(status) {
		log.Info("request failed with non-retryable status, not queued", "status_code", status)
		recordSkipped(params.QueueKey, skipReasonStatus)
		recordSend(params.QueueKey, sendOutcomeSkipped)
		span.SetAttributes(attribute.String("raincheck.outcome", sendOutcomeSkipped))
		return result, nil
	}

	descriptor := Descriptor{
		Params:       params,
		Request:      req,
		RetryConfig:  retry,
		ExpiresAt:    sentAt.Add(params.ExpiresIn()).UnixMilli(),
		RetryAfterAt: d.now().Add(params.RetryIn()).UnixMilli(),
	}
	encoded, err := descriptor.Encode()
	if err != nil {
		recordSend(params.QueueKey, sendOutcomeError)
		tracing.RecordError(span, err)
		return result, err
	}
	if err := d.store.push(ctx, params.QueueKey, encoded); err != nil {
		log.Error("failed to queue request, it will not be retried", "status_code", status, "error", err)
		recordSend(params.QueueKey, sendOutcomeError)
		tracing.RecordError(span, err)
		return result, err
	}

	log.Info("request failed, queued for later delivery",
		"status_code", status,
		"retry_after_at", descriptor.RetryAfterAt,
		"expires_at", descriptor.ExpiresAt,
	)
	recordEnqueued(params.QueueKey)
	recordSend(params.QueueKey, sendOutcomeQueued)
	span.SetAttributes(attribute.String("raincheck.outcome", sendOutcomeQueued))
	return result, nil
}
