// Package transport defines the outbound request model used by raincheck and an HTTP
// client that sends it with bounded, backoff-paced retries.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// ErrCircuitOpen is carried by a Failure when the client refused to send because its
// circuit breaker is open.
var ErrCircuitOpen = errors.New("transport circuit open")

// Request is everything needed to replay an outbound request unchanged.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// RetryConfig bounds the retries the transport performs within a single Send.
// A zero MaxAttempts means one attempt.
type RetryConfig struct {
	MaxAttempts         int   `json:"max_attempts"`
	InitialBackoffMsecs int64 `json:"initial_backoff_msecs,omitempty"`
	MaxBackoffMsecs     int64 `json:"max_backoff_msecs,omitempty"`
	// RetryOnStatus adds statuses to the default retryable set of 429 and 5xx.
	RetryOnStatus []int `json:"retry_on_status,omitempty"`
}

// Result is the final outcome of a Send: exactly one of Response and Failure is set.
type Result struct {
	Response *Response
	Failure  *Failure
}

// OK reports whether the request succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Response != nil && r.Failure == nil
}

// StatusCode returns the status of the final attempt, 0 when no response was received.
func (r *Result) StatusCode() int {
	switch {
	case r == nil:
		return 0
	case r.Failure != nil:
		return r.Failure.StatusCode
	case r.Response != nil:
		return r.Response.StatusCode
	default:
		return 0
	}
}

// Err returns the failure as an error, or nil on success.
func (r *Result) Err() error {
	if r == nil || r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Response is a successful reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Failure is a reply outside the 2xx range or a request that never got a reply.
type Failure struct {
	// StatusCode is 0 when the request did not reach the server.
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		if f.StatusCode != 0 {
			return fmt.Sprintf("request failed with status %d: %v", f.StatusCode, f.Err)
		}
		return fmt.Sprintf("request failed: %v", f.Err)
	}
	return fmt.Sprintf("request failed with status %d", f.StatusCode)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Client sends a request, performing its own retries, and returns the final outcome.
// Send never returns nil.
type Client interface {
	Send(ctx context.Context, req Request, retry *RetryConfig) *Result
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request, retry *RetryConfig) *Result

// Send calls f.
func (f ClientFunc) Send(ctx context.Context, req Request, retry *RetryConfig) *Result {
	return f(ctx, req, retry)
}

const (
	// DefaultInitialBackoff is used when a RetryConfig leaves the initial backoff unset.
	DefaultInitialBackoff = 100 * time.Millisecond
	// DefaultMaxBackoff is used when a RetryConfig leaves the backoff cap unset.
	DefaultMaxBackoff = 5 * time.Second
)

func (c RetryConfig) attempts() int {
	if c.MaxAttempts <= 0 {
		return 1
	}
	return c.MaxAttempts
}

func (c RetryConfig) initialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMsecs) * time.Millisecond
}

func (c RetryConfig) maxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMsecs) * time.Millisecond
}

// Retryable reports whether the failure may succeed if sent again under this config.
func (c RetryConfig) Retryable(f *Failure) bool {
	if f == nil {
		return false
	}
	if f.StatusCode == 0 {
		return f.Err != nil &&
			!errors.Is(f.Err, ErrCircuitOpen) &&
			!errors.Is(f.Err, context.Canceled) &&
			!errors.Is(f.Err, context.DeadlineExceeded)
	}
	if f.StatusCode == http.StatusTooManyRequests || f.StatusCode >= http.StatusInternalServerError {
		return true
	}
	return slices.Contains(c.RetryOnStatus, f.StatusCode)
}

// Validate rejects negative values.
func (c RetryConfig) Validate() error {
	var errs []error
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("max_attempts must be >= 0"))
	}
	if c.InitialBackoffMsecs < 0 {
		errs = append(errs, errors.New("initial_backoff_msecs must be >= 0"))
	}
	if c.MaxBackoffMsecs < 0 {
		errs = append(errs, errors.New("max_backoff_msecs must be >= 0"))
	}
	return errors.Join(errs...)
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if attempt <= 0 {
		return initial
	}

	backoff := initial
	for idx := 1; idx < attempt; idx++ {
		if backoff >= max/2 {
			return max
		}
		backoff *= 2
	}
	if backoff > max {
		return max
	}
	return backoff
}
