package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is the position of a CircuitBreaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has elapsed.
	StateOpen
	// StateHalfOpen lets a single probe through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned by Execute while calls are rejected.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// OnStateChange registers fn to run after every transition. fn runs without the breaker
// lock held and may call back into the breaker.
func OnStateChange(fn func(from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// CircuitBreaker trips after maxFailures consecutive failures and rejects calls for the
// reset timeout. After that a single probe runs half-open: success closes the circuit,
// failure reopens it for another timeout.
type CircuitBreaker struct {
	mu          sync.Mutex
	maxFailures int
	timeout     time.Duration
	state       State
	failures    int
	openedAt    time.Time
	probing     bool
	now         func() time.Time
	onChange    func(from, to State)
}

// NewCircuitBreaker returns a closed breaker. maxFailures below 1 is treated as 1.
func NewCircuitBreaker(maxFailures int, timeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn when the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitBreakerOpen
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow reports whether a call may proceed. Once the reset timeout has elapsed the first
// caller becomes the half-open probe; others are rejected until it is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.timeout {
			cb.state = StateHalfOpen
			cb.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

// Record feeds back the outcome of an allowed call.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	from := cb.state
	cb.probing = false
	switch {
	case err == nil:
		cb.state = StateClosed
		cb.failures = 0
	case cb.state == StateHalfOpen:
		cb.trip()
	default:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Abandon ends an allowed call that produced no outcome, such as a cancelled request.
// A half-open breaker lets the next caller probe instead.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.failures = 0
	cb.openedAt = cb.now()
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailures returns the consecutive failures counted while closed.
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// RetryAt returns when an open breaker lets the next probe through, and false when the
// breaker is not open.
func (cb *CircuitBreaker) RetryAt() (time.Time, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}, false
	}
	return cb.openedAt.Add(cb.timeout), true
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}
