package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an operation exceeds its timeout
var ErrTimeout = errors.New("operation timed out")

type outcome[T any] struct {
	value T
	err   error
}

// Run executes fn and returns its result unless the timeout elapses first.
// A non-positive timeout runs fn with no deadline. When the deadline wins, Run returns
// ErrTimeout immediately and the late result of fn is discarded.
func Run[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so the abandoned goroutine can always deliver and exit.
	done := make(chan outcome[T], 1)

	go func() {
		value, err := fn(timeoutCtx)
		done <- outcome[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		// fn may observe the deadline itself and return before the timer case is chosen.
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) &&
			errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			var zero T
			return zero, ErrTimeout
		}
		return res.value, res.err
	case <-timeoutCtx.Done():
		var zero T
		if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}

// WithTimeout is Run for operations without a result.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Run(ctx, timeout, func(runCtx context.Context) (struct{}, error) {
		return struct{}{}, fn(runCtx)
	})
	return err
}

// TimeoutFunc carries one configured deadline for a family of calls, such as every list
// operation against one store. A nil TimeoutFunc applies no deadline.
type TimeoutFunc struct {
	timeout time.Duration
}

// NewTimeoutFunc returns a guard with the given deadline.
func NewTimeoutFunc(timeout time.Duration) *TimeoutFunc {
	return &TimeoutFunc{
		timeout: timeout,
	}
}

// Timeout returns the configured timeout. Zero means no deadline.
func (tf *TimeoutFunc) Timeout() time.Duration {
	if tf == nil {
		return 0
	}
	return tf.timeout
}

// Execute runs fn under the configured deadline.
func (tf *TimeoutFunc) Execute(ctx context.Context, fn func(context.Context) error) error {
	return tf.ExecuteWithCustomTimeout(ctx, tf.Timeout(), fn)
}

// ExecuteWithCustomTimeout runs fn under timeout instead of the configured deadline.
func (tf *TimeoutFunc) ExecuteWithCustomTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	return WithTimeout(ctx, timeout, fn)
}
