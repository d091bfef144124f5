package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/observability/tracing"
	"github.com/nimburion/raincheck/pkg/resilience"
)

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	BaseURL string
	// Timeout bounds a single attempt. Zero leaves attempts unbounded.
	Timeout time.Duration
	// Headers are sent with every request; request headers take precedence.
	Headers map[string]string
	// Retry applies when Send is called without a RetryConfig.
	Retry *RetryConfig
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithCircuitBreaker makes the client fail fast while the breaker is open.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) HTTPOption {
	return func(c *HTTPClient) {
		c.breaker = cb
	}
}

// WithHTTPClient sends through the given standard client instead of a fresh one.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.client = resty.NewWithClient(hc)
		}
	}
}

// HTTPClient is a Client backed by resty.
type HTTPClient struct {
	client  *resty.Client
	retry   RetryConfig
	breaker *resilience.CircuitBreaker
	log     logger.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewHTTPClient creates an HTTP transport.
func NewHTTPClient(cfg HTTPClientConfig, log logger.Logger, opts ...HTTPOption) (*HTTPClient, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Retry != nil {
		if err := cfg.Retry.Validate(); err != nil {
			return nil, fmt.Errorf("invalid retry config: %w", err)
		}
	}

	c := &HTTPClient{
		client: resty.New(),
		log:    log,
		sleep:  sleepContext,
	}
	if cfg.Retry != nil {
		c.retry = *cfg.Retry
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.BaseURL != "" {
		c.client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	}
	if cfg.Timeout > 0 {
		c.client.SetTimeout(cfg.Timeout)
	}
	if len(cfg.Headers) > 0 {
		c.client.SetHeaders(cfg.Headers)
	}
	// Retries are driven by Send so that every attempt passes through the breaker.
	c.client.SetRetryCount(0)

	return c, nil
}

// Send performs the request, retrying retryable failures with capped exponential backoff
// until the attempts are exhausted or ctx is done. The last outcome is returned.
func (c *HTTPClient) Send(ctx context.Context, req Request, retry *RetryConfig) *Result {
	if ctx == nil {
		ctx = context.Background()
	}
	policy := c.retry
	if retry != nil {
		policy = *retry
	}

	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationHTTPRequest,
		tracing.WithHTTPMethod(methodOf(req)),
		tracing.WithHTTPTarget(req.Path),
	)
	defer span.End()

	var (
		result  *Result
		attempt int
	)
	maxAttempts := policy.attempts()
	for attempt = 1; ; attempt++ {
		result = c.attempt(ctx, req)
		if result.OK() || attempt >= maxAttempts || !policy.Retryable(result.Failure) {
			break
		}

		delay := exponentialBackoff(attempt, policy.initialBackoff(), policy.maxBackoff())
		c.log.Debug("retrying request",
			"method", methodOf(req),
			"path", req.Path,
			"attempt", attempt,
			"status_code", result.StatusCode(),
			"backoff", delay,
		)
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("http.status_code", result.StatusCode()),
		attribute.Int("http.attempts", attempt),
	)
	if result.OK() {
		tracing.RecordSuccess(span)
	} else {
		tracing.RecordError(span, result.Failure)
	}
	return result
}

func (c *HTTPClient) attempt(ctx context.Context, req Request) *Result {
	if c.breaker != nil && !c.breaker.Allow() {
		return &Result{Failure: &Failure{Err: ErrCircuitOpen}}
	}

	r := c.client.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}
	tracing.InjectHeaders(ctx, r.Header)
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(methodOf(req), req.Path)
	if err != nil {
		if ctx.Err() == nil {
			c.record(err)
		} else if c.breaker != nil {
			c.breaker.Abandon()
		}
		failure := &Failure{Err: err}
		if resp != nil && resp.RawResponse != nil {
			failure.StatusCode = resp.StatusCode()
			failure.Header = resp.Header()
			failure.Body = resp.Body()
		}
		return &Result{Failure: failure}
	}

	status := resp.StatusCode()
	if status >= http.StatusInternalServerError {
		c.record(fmt.Errorf("server error: status %d", status))
	} else {
		c.record(nil)
	}

	if resp.IsSuccess() {
		return &Result{Response: &Response{
			StatusCode: status,
			Header:     resp.Header(),
			Body:       resp.Body(),
		}}
	}
	return &Result{Failure: &Failure{
		StatusCode: status,
		Header:     resp.Header(),
		Body:       resp.Body(),
	}}
}

func (c *HTTPClient) record(err error) {
	if c.breaker != nil {
		c.breaker.Record(err)
	}
}

func methodOf(req Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(req.Method)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
