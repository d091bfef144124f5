package health

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/raincheck/pkg/resilience"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is an interface for components that support health checks
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker reports a store backend unhealthy when its HealthCheck fails.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker for adapter. A zero timeout uses five seconds.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{
		name:    name,
		adapter: adapter,
		timeout: timeout,
	}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := resilience.WithTimeout(ctx, c.timeout, c.adapter.HealthCheck)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  duration,
		}
	}
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  duration,
	}
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// DepthReader reports the number of elements queued under a key.
type DepthReader interface {
	Len(ctx context.Context, key string) (int64, error)
}

// QueueDepthChecker reports a queue degraded once its backlog exceeds a threshold.
type QueueDepthChecker struct {
	name      string
	queueKey  string
	lists     DepthReader
	threshold int64
}

// NewQueueDepthChecker creates a depth check for queueKey. A threshold of zero never
// degrades and only reports the depth.
func NewQueueDepthChecker(queueKey string, lists DepthReader, threshold int64) *QueueDepthChecker {
	return &QueueDepthChecker{
		name:      "queue:" + queueKey,
		queueKey:  queueKey,
		lists:     lists,
		threshold: threshold,
	}
}

// Check reads the queue depth.
func (c *QueueDepthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	depth, err := c.lists.Len(ctx, c.queueKey)
	result := CheckResult{
		Name:      c.name,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}

	result.Metadata = map[string]any{"depth": depth, "threshold": c.threshold}
	if c.threshold > 0 && depth > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d rain checks queued, above %d", depth, c.threshold)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d rain checks queued", depth)
	return result
}

// Name returns the name of the health check
func (c *QueueDepthChecker) Name() string {
	return c.name
}

// BreakerChecker reports the transport degraded while its circuit breaker is not closed.
type BreakerChecker struct {
	name    string
	breaker *resilience.CircuitBreaker
}

// NewBreakerChecker creates a check over breaker.
func NewBreakerChecker(name string, breaker *resilience.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{name: name, breaker: breaker}
}

// Check reads the breaker state.
func (c *BreakerChecker) Check(context.Context) CheckResult {
	state := c.breaker.GetState()
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "circuit " + state.String(),
		Timestamp: time.Now(),
		Metadata:  map[string]any{"failures": c.breaker.GetFailures()},
	}
	if state != resilience.StateClosed {
		result.Status = StatusDegraded
	}
	if retryAt, ok := c.breaker.RetryAt(); ok {
		result.Metadata["retry_at"] = retryAt.UTC().Format(time.RFC3339)
	}
	return result
}

// Name returns the name of the health check
func (c *BreakerChecker) Name() string {
	return c.name
}
