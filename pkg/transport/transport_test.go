package transport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestResult_Accessors(t *testing.T) {
	var nilResult *Result
	if nilResult.OK() || nilResult.StatusCode() != 0 || nilResult.Err() != nil {
		t.Fatal("expected nil result to report no outcome")
	}

	ok := &Result{Response: &Response{StatusCode: 201}}
	if !ok.OK() || ok.StatusCode() != 201 || ok.Err() != nil {
		t.Fatalf("unexpected accessors for success: %+v", ok)
	}

	failed := &Result{Failure: &Failure{StatusCode: 503}}
	if failed.OK() || failed.StatusCode() != 503 {
		t.Fatalf("unexpected accessors for failure: %+v", failed)
	}
	var failure *Failure
	if !errors.As(failed.Err(), &failure) || failure.StatusCode != 503 {
		t.Fatalf("expected Err to expose the failure, got %v", failed.Err())
	}
}

func TestFailure_Error(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		name    string
		failure Failure
		want    string
	}{
		{name: "status only", failure: Failure{StatusCode: 500}, want: "request failed with status 500"},
		{name: "network error", failure: Failure{Err: cause}, want: "request failed: connection refused"},
		{name: "status and error", failure: Failure{StatusCode: 502, Err: cause}, want: "request failed with status 502: connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.failure.Error(); got != tt.want {
				t.Fatalf("Error() = %q, want %q", got, tt.want)
			}
		})
	}

	f := &Failure{Err: cause}
	if !errors.Is(f, cause) {
		t.Fatal("expected failure to unwrap to its cause")
	}
}

func TestRetryConfig_Retryable(t *testing.T) {
	cfg := RetryConfig{RetryOnStatus: []int{http.StatusConflict}}
	tests := []struct {
		name    string
		failure *Failure
		want    bool
	}{
		{name: "nil failure", failure: nil, want: false},
		{name: "server error", failure: &Failure{StatusCode: 500}, want: true},
		{name: "bad gateway", failure: &Failure{StatusCode: 502}, want: true},
		{name: "too many requests", failure: &Failure{StatusCode: 429}, want: true},
		{name: "configured status", failure: &Failure{StatusCode: 409}, want: true},
		{name: "bad request", failure: &Failure{StatusCode: 400}, want: false},
		{name: "network error", failure: &Failure{Err: errors.New("reset")}, want: true},
		{name: "canceled", failure: &Failure{Err: context.Canceled}, want: false},
		{name: "deadline", failure: &Failure{Err: context.DeadlineExceeded}, want: false},
		{name: "circuit open", failure: &Failure{Err: ErrCircuitOpen}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.Retryable(tt.failure); got != tt.want {
				t.Fatalf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	if err := (RetryConfig{MaxAttempts: 3, InitialBackoffMsecs: 10}).Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if err := (RetryConfig{MaxAttempts: -1, MaxBackoffMsecs: -5}).Validate(); err == nil {
		t.Fatal("expected negative values to be rejected")
	}
}

func TestRetryConfig_Attempts(t *testing.T) {
	if got := (RetryConfig{}).attempts(); got != 1 {
		t.Fatalf("expected zero config to mean one attempt, got %d", got)
	}
	if got := (RetryConfig{MaxAttempts: 4}).attempts(); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		initial time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{attempt: 0, initial: 10 * time.Millisecond, max: time.Second, want: 10 * time.Millisecond},
		{attempt: 1, initial: 10 * time.Millisecond, max: time.Second, want: 10 * time.Millisecond},
		{attempt: 3, initial: 10 * time.Millisecond, max: time.Second, want: 40 * time.Millisecond},
		{attempt: 20, initial: 10 * time.Millisecond, max: time.Second, want: time.Second},
		{attempt: 1, initial: 0, max: 0, want: DefaultInitialBackoff},
		{attempt: 30, initial: 0, max: 0, want: DefaultMaxBackoff},
	}
	for _, tt := range tests {
		if got := exponentialBackoff(tt.attempt, tt.initial, tt.max); got != tt.want {
			t.Errorf("exponentialBackoff(%d, %v, %v) = %v, want %v", tt.attempt, tt.initial, tt.max, got, tt.want)
		}
	}
}

func TestClientFunc(t *testing.T) {
	var called bool
	client := ClientFunc(func(ctx context.Context, req Request, retry *RetryConfig) *Result {
		called = true
		return &Result{Response: &Response{StatusCode: 200}}
	})
	if !client.Send(context.Background(), Request{}, nil).OK() || !called {
		t.Fatal("expected ClientFunc to delegate")
	}
}

func TestResponse_DecodeJSON(t *testing.T) {
	resp := &Response{Body: []byte(`{"status":"OK"}`)}
	var payload map[string]string
	if err := resp.DecodeJSON(&payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["status"] != "OK" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if err := (&Response{Body: []byte("not json")}).DecodeJSON(&payload); err == nil {
		t.Fatal("expected decode error")
	}
}
