package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/raincheck/pkg/resilience"
	"github.com/nimburion/raincheck/pkg/store/memory"
)

type mockAdapter struct {
	err   error
	delay time.Duration
}

func (m *mockAdapter) HealthCheck(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

type failingDepth struct{ err error }

func (f failingDepth) Len(context.Context, string) (int64, error) { return 0, f.err }

func TestAdapterChecker(t *testing.T) {
	tests := []struct {
		name       string
		adapter    *mockAdapter
		timeout    time.Duration
		wantStatus Status
		wantError  string
	}{
		{name: "healthy", adapter: &mockAdapter{}, wantStatus: StatusHealthy},
		{name: "failing", adapter: &mockAdapter{err: errors.New("connection refused")}, wantStatus: StatusUnhealthy, wantError: "connection refused"},
		{name: "slow", adapter: &mockAdapter{delay: time.Second}, timeout: 20 * time.Millisecond, wantStatus: StatusUnhealthy, wantError: "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewAdapterChecker("store", tt.adapter, tt.timeout)
			result := checker.Check(context.Background())
			if result.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s (%s)", tt.wantStatus, result.Status, result.Error)
			}
			if !strings.Contains(result.Error, tt.wantError) {
				t.Fatalf("expected error containing %q, got %q", tt.wantError, result.Error)
			}
			if result.Name != "store" || checker.Name() != "store" {
				t.Fatalf("unexpected name %q", result.Name)
			}
		})
	}
}

func TestAdapterChecker_DefaultTimeout(t *testing.T) {
	if c := NewAdapterChecker("store", &mockAdapter{}, 0); c.timeout != defaultCheckTimeout {
		t.Fatalf("expected default timeout, got %v", c.timeout)
	}
}

func TestAdapterChecker_MemoryStore(t *testing.T) {
	lists := memory.NewListStore()
	checker := NewAdapterChecker("store", lists, time.Second)
	if result := checker.Check(context.Background()); result.Status != StatusHealthy {
		t.Fatalf("expected open store to be healthy, got %+v", result)
	}
	_ = lists.Close()
	if result := checker.Check(context.Background()); result.Status != StatusUnhealthy {
		t.Fatalf("expected closed store to be unhealthy, got %+v", result)
	}
}

func TestQueueDepthChecker(t *testing.T) {
	lists := memory.NewListStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := lists.PushTail(ctx, "payments", "x"); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		threshold int64
		want      Status
	}{
		{name: "no threshold", threshold: 0, want: StatusHealthy},
		{name: "below threshold", threshold: 3, want: StatusHealthy},
		{name: "above threshold", threshold: 2, want: StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewQueueDepthChecker("payments", lists, tt.threshold)
			result := checker.Check(ctx)
			if result.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, result.Status)
			}
			if result.Metadata["depth"] != int64(3) {
				t.Fatalf("expected depth metadata, got %v", result.Metadata)
			}
			if checker.Name() != "queue:payments" {
				t.Fatalf("unexpected name %q", checker.Name())
			}
		})
	}
}

func TestQueueDepthChecker_Error(t *testing.T) {
	checker := NewQueueDepthChecker("payments", failingDepth{err: errors.New("no route")}, 10)
	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy || result.Error != "no route" {
		t.Fatalf("expected unhealthy result, got %+v", result)
	}
}

func TestBreakerChecker(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(1, time.Hour)
	checker := NewBreakerChecker("transport", breaker)

	if result := checker.Check(context.Background()); result.Status != StatusHealthy || result.Message != "circuit closed" {
		t.Fatalf("expected healthy closed breaker, got %+v", result)
	}
	breaker.Record(errors.New("502"))
	result := checker.Check(context.Background())
	if result.Status != StatusDegraded || result.Message != "circuit open" {
		t.Fatalf("expected degraded open breaker, got %+v", result)
	}
	if _, ok := result.Metadata["retry_at"]; !ok {
		t.Fatalf("expected retry_at for an open breaker, got %+v", result.Metadata)
	}
}
