package raincheck

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/store"
	"github.com/nimburion/raincheck/pkg/store/memory"
	"github.com/nimburion/raincheck/pkg/transport"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stepClock returns base, base+step, base+2*step, ... on successive calls.
type stepClock struct {
	mu    sync.Mutex
	next  time.Time
	step  time.Duration
	calls int
}

func newStepClock(base time.Time, step time.Duration) *stepClock {
	return &stepClock{next: base, step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	c.calls++
	return now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = t
}

// fakeTransport replays scripted statuses; the last one repeats.
type fakeTransport struct {
	mu       sync.Mutex
	statuses []int
	body     []byte
	requests []transport.Request
	retries  []*transport.RetryConfig
}

func newFakeTransport(statuses ...int) *fakeTransport {
	return &fakeTransport{statuses: statuses}
}

func (f *fakeTransport) Send(_ context.Context, req transport.Request, retry *transport.RetryConfig) *transport.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.retries = append(f.retries, retry)

	status := http.StatusOK
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	if status >= 200 && status < 300 {
		return &transport.Result{Response: &transport.Response{StatusCode: status, Body: f.body}}
	}
	return &transport.Result{Failure: &transport.Failure{StatusCode: status, Err: fmt.Errorf("status %d", status)}}
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// countingStore records pushes on top of an in-memory list store.
type countingStore struct {
	*memory.ListStore
	mu     sync.Mutex
	pushes []pushed
}

type pushed struct {
	key   string
	value string
}

func newCountingStore() *countingStore {
	return &countingStore{ListStore: memory.NewListStore()}
}

func (s *countingStore) PushTail(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.pushes = append(s.pushes, pushed{key: key, value: value})
	s.mu.Unlock()
	return s.ListStore.PushTail(ctx, key, value)
}

func (s *countingStore) Pushes() []pushed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pushed(nil), s.pushes...)
}

// stuckStore never answers until released, regardless of context.
type stuckStore struct {
	release chan struct{}
}

func newStuckStore(t *testing.T) *stuckStore {
	s := &stuckStore{release: make(chan struct{})}
	t.Cleanup(func() { close(s.release) })
	return s
}

func (s *stuckStore) PushTail(context.Context, string, string) error {
	<-s.release
	return nil
}

func (s *stuckStore) PopHead(context.Context, string) (string, bool, error) {
	<-s.release
	return "", false, nil
}

// failingStore returns err from every operation.
type failingStore struct {
	err error
}

func (s failingStore) PushTail(context.Context, string, string) error { return s.err }

func (s failingStore) PopHead(context.Context, string) (string, bool, error) {
	return "", false, s.err
}

func newTestDispatcher(t *testing.T, client transport.Client, lists store.ListStore, cfg Config, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithIDGenerator(func() string { return "generated-id" })}, opts...)
	d, err := NewDispatcher(client, lists, logger.NewNop(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	return d
}

func testParams() Params {
	return Params{
		ID:             "rc-1",
		QueueKey:       "payments",
		RetryInMsecs:   60_000,
		ExpiresInMsecs: 3_600_000,
	}
}

func testRequest() transport.Request {
	return transport.Request{
		Method:  http.MethodPost,
		Path:    "/charges",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"amount":100}`),
	}
}

func mustEncode(t *testing.T, d Descriptor) string {
	t.Helper()
	encoded, err := d.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return encoded
}
