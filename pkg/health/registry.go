// Package health aggregates liveness checks over the raincheck store and transport.
package health

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Status is the outcome of a check, ordered healthy < degraded < unhealthy.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is what a single Checker reports.
type CheckResult struct {
	Name      string         `json:"name" yaml:"name"`
	Status    Status         `json:"status" yaml:"status"`
	Message   string         `json:"message,omitempty" yaml:"message,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Duration  time.Duration  `json:"duration" yaml:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Checker probes one dependency.
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithDeadline bounds a whole Check run. Checkers receive a context that expires after d.
func WithDeadline(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.deadline = d
	}
}

// Registry runs named checks and folds them into one status.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	deadline time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{checkers: make(map[string]Checker)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds checker, replacing any checker with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes the named check.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

func (r *Registry) sorted() []Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, checker := range r.checkers {
		checkers = append(checkers, checker)
	}
	slices.SortFunc(checkers, func(a, b Checker) int { return cmp.Compare(a.Name(), b.Name()) })
	return checkers
}

// Check runs every check concurrently. The aggregate takes the worst status reported, and
// results are ordered by name.
func (r *Registry) Check(ctx context.Context) AggregatedResult {
	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	checkers := r.sorted()
	start := time.Now()
	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = checker.Check(ctx)
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, result := range results {
		if result.Status.severity() > overall.severity() {
			overall = result.Status
		}
	}
	return AggregatedResult{
		Status:    overall,
		Checks:    results,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}

// CheckOne runs the named check.
func (r *Registry) CheckOne(ctx context.Context, name string) (CheckResult, error) {
	r.mu.RLock()
	checker, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return CheckResult{}, fmt.Errorf("health check not found: %s", name)
	}
	return checker.Check(ctx), nil
}

// List returns the registered names in order.
func (r *Registry) List() []string {
	checkers := r.sorted()
	names := make([]string, len(checkers))
	for i, checker := range checkers {
		names[i] = checker.Name()
	}
	return names
}

// AggregatedResult is the folded outcome of a Check run.
type AggregatedResult struct {
	Status    Status        `json:"status" yaml:"status"`
	Checks    []CheckResult `json:"checks" yaml:"checks"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// IsHealthy reports whether every check was healthy.
func (r AggregatedResult) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Failing returns the names of checks at or above status.
func (r AggregatedResult) Failing(status Status) []string {
	var names []string
	for _, check := range r.Checks {
		if check.Status.severity() >= status.severity() {
			names = append(names, check.Name)
		}
	}
	return names
}
