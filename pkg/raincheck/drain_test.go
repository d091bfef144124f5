package raincheck

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/transport"
)

type drainFixture struct {
	clock   *stepClock
	client  *fakeTransport
	lists   *countingStore
	drainer *Drainer
}

func newDrainFixture(t *testing.T, statuses ...int) *drainFixture {
	t.Helper()
	clock := newStepClock(baseTime, 0)
	client := newFakeTransport(statuses...)
	lists := newCountingStore()
	dispatcher := newTestDispatcher(t, client, lists, DefaultConfig(), WithClock(clock.Now))
	drainer, err := NewDrainer(dispatcher, logger.NewNop())
	if err != nil {
		t.Fatalf("NewDrainer() error = %v", err)
	}
	return &drainFixture{clock: clock, client: client, lists: lists, drainer: drainer}
}

// seed stores a descriptor without counting it as a push.
func (f *drainFixture) seed(t *testing.T, queue string, d Descriptor) string {
	t.Helper()
	encoded := mustEncode(t, d)
	if err := f.lists.ListStore.PushTail(context.Background(), queue, encoded); err != nil {
		t.Fatalf("seed push failed: %v", err)
	}
	return encoded
}

func descriptorAt(expiresAt, retryAfterAt time.Time) Descriptor {
	return Descriptor{
		Params:       testParams(),
		Request:      testRequest(),
		ExpiresAt:    expiresAt.UnixMilli(),
		RetryAfterAt: retryAfterAt.UnixMilli(),
	}
}

func TestNewDrainer_Validation(t *testing.T) {
	if _, err := NewDrainer(nil, logger.NewNop()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without dispatcher, got %v", err)
	}
	d := newTestDispatcher(t, newFakeTransport(), newCountingStore(), DefaultConfig())
	if _, err := NewDrainer(d, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without logger, got %v", err)
	}
}

func TestConsumeOne_EmptyQueue(t *testing.T) {
	f := newDrainFixture(t)

	more, err := f.drainer.ConsumeOne(context.Background(), "payments", nil)
	if err != nil || more {
		t.Fatalf("ConsumeOne() = %v, %v; want false, nil", more, err)
	}
	if len(f.lists.Pushes()) != 0 || f.client.Calls() != 0 {
		t.Fatal("empty queue must not push or send")
	}
}

func TestConsumeOne_RequiresQueueKey(t *testing.T) {
	f := newDrainFixture(t)
	more, err := f.drainer.ConsumeOne(context.Background(), " ", nil)
	if more || !errors.Is(err, ErrValidation) {
		t.Fatalf("ConsumeOne() = %v, %v; want false, ErrValidation", more, err)
	}
}

func TestConsumeOne_DropsExpired(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK)
	f.seed(t, "payments", descriptorAt(baseTime.Add(-time.Millisecond), baseTime.Add(-time.Hour)))

	called := false
	more, err := f.drainer.ConsumeOne(context.Background(), "payments", func(context.Context, *transport.Result, Params) error {
		called = true
		return nil
	})
	if err != nil || !more {
		t.Fatalf("ConsumeOne() = %v, %v; want true, nil", more, err)
	}
	if f.client.Calls() != 0 || called {
		t.Fatal("expired descriptor must not be resent")
	}
	if len(f.lists.Pushes()) != 0 || len(f.lists.Snapshot("payments")) != 0 {
		t.Fatal("expired descriptor must be dropped")
	}
}

func TestConsumeOne_RequeuesPrematureAndStillResends(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK)
	encoded := f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime.Add(time.Minute)))

	var callbackParams Params
	more, err := f.drainer.ConsumeOne(context.Background(), "payments", func(_ context.Context, _ *transport.Result, params Params) error {
		callbackParams = params
		return nil
	})
	if err != nil || !more {
		t.Fatalf("ConsumeOne() = %v, %v; want true, nil", more, err)
	}
	if f.client.Calls() != 1 {
		t.Fatalf("expected one resend, got %d", f.client.Calls())
	}
	if callbackParams != testParams() {
		t.Fatalf("expected callback with stored params, got %+v", callbackParams)
	}

	pushes := f.lists.Pushes()
	if len(pushes) != 1 || pushes[0].key != "payments" || pushes[0].value != encoded {
		t.Fatalf("expected the exact popped value to be requeued once, got %v", pushes)
	}
	if queue := f.lists.Snapshot("payments"); len(queue) != 1 || queue[0] != encoded {
		t.Fatalf("expected the requeued descriptor at the tail, got %v", queue)
	}
}

func TestConsumeOne_PrematureFailureLeavesBothCopies(t *testing.T) {
	f := newDrainFixture(t, http.StatusBadGateway)
	encoded := f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime.Add(time.Minute)))

	more, err := f.drainer.ConsumeOne(context.Background(), "payments", nil)
	if err != nil || !more {
		t.Fatalf("ConsumeOne() = %v, %v; want true, nil", more, err)
	}
	queue := f.lists.Snapshot("payments")
	if len(queue) != 2 || queue[0] != encoded {
		t.Fatalf("expected requeued original followed by a fresh rain check, got %v", queue)
	}
}

func TestConsumeOne_DueFailureIsQueuedAgain(t *testing.T) {
	f := newDrainFixture(t, http.StatusServiceUnavailable)
	retry := &transport.RetryConfig{MaxAttempts: 2}
	original := descriptorAt(baseTime.Add(time.Hour), baseTime.Add(-time.Second))
	original.RetryConfig = retry
	f.seed(t, "payments", original)

	more, err := f.drainer.ConsumeOne(context.Background(), "payments", nil)
	if err != nil || !more {
		t.Fatalf("ConsumeOne() = %v, %v; want true, nil", more, err)
	}
	if f.client.retries[0] == nil || f.client.retries[0].MaxAttempts != 2 {
		t.Fatalf("expected stored retry config on resend, got %+v", f.client.retries[0])
	}

	queue := f.lists.Snapshot("payments")
	if len(queue) != 1 {
		t.Fatalf("expected one fresh rain check, got %v", queue)
	}
	again, err := DecodeDescriptor(queue[0])
	if err != nil {
		t.Fatalf("DecodeDescriptor() error = %v", err)
	}
	params := testParams()
	if again.RetryAfterAt != baseTime.Add(params.RetryIn()).UnixMilli() {
		t.Fatalf("expected retry window restarted from the resend, got %d", again.RetryAfterAt)
	}
}

func TestConsumeOne_SkipListedResendIsDropped(t *testing.T) {
	f := newDrainFixture(t, http.StatusNotFound)
	f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime))

	more, err := f.drainer.ConsumeOne(context.Background(), "payments", nil)
	if err != nil || !more {
		t.Fatalf("ConsumeOne() = %v, %v; want true, nil", more, err)
	}
	if len(f.lists.Snapshot("payments")) != 0 {
		t.Fatal("expected skip-listed resend to leave the queue empty")
	}
}

func TestConsumeOne_CallbackErrorReturnedWithTrue(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK)
	f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime))
	callbackErr := errors.New("downstream ack failed")

	more, err := f.drainer.ConsumeOne(context.Background(), "payments", func(context.Context, *transport.Result, Params) error {
		return callbackErr
	})
	if !more || !errors.Is(err, callbackErr) {
		t.Fatalf("ConsumeOne() = %v, %v; want true, callback error", more, err)
	}
}

func TestConsumeOne_MalformedGoesToDeadLetter(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK)
	if err := f.lists.ListStore.PushTail(context.Background(), "payments", "{not json"); err != nil {
		t.Fatal(err)
	}

	more, err := f.drainer.ConsumeOne(context.Background(), "payments", nil)
	if err != nil || !more {
		t.Fatalf("ConsumeOne() = %v, %v; want true, nil", more, err)
	}
	if f.client.Calls() != 0 {
		t.Fatal("malformed value must not be sent")
	}
	if dlq := f.lists.Snapshot(DeadLetterKey("payments")); len(dlq) != 1 || dlq[0] != "{not json" {
		t.Fatalf("expected value parked in dead-letter list, got %v", dlq)
	}
	if DeadLetterKey("payments") != "payments.dlq" {
		t.Fatalf("unexpected dead-letter key %q", DeadLetterKey("payments"))
	}
}

func TestConsumeOne_PopTimeout(t *testing.T) {
	client := newFakeTransport()
	d := newTestDispatcher(t, client, newStuckStore(t), Config{GuaranteedDelivery: true, StoreTimeout: 20 * time.Millisecond})
	drainer, err := NewDrainer(d, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	more, err := drainer.ConsumeOne(context.Background(), "payments", nil)
	if more || !errors.Is(err, ErrStoreTimeout) {
		t.Fatalf("ConsumeOne() = %v, %v; want false, ErrStoreTimeout", more, err)
	}
	if client.Calls() != 0 {
		t.Fatal("nothing should be sent when the pop times out")
	}
}

func TestConsumeOne_PopError(t *testing.T) {
	backendErr := errors.New("connection refused")
	d := newTestDispatcher(t, newFakeTransport(), failingStore{err: backendErr}, DefaultConfig())
	drainer, _ := NewDrainer(d, logger.NewNop())

	more, err := drainer.ConsumeOne(context.Background(), "payments", nil)
	if more || !errors.Is(err, backendErr) {
		t.Fatalf("ConsumeOne() = %v, %v; want false, backend error", more, err)
	}
}

func TestDrain_UntilEmpty(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK, http.StatusNotFound)
	f.seed(t, "payments", descriptorAt(baseTime.Add(-time.Second), baseTime)) // expired
	f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime))    // succeeds
	if err := f.lists.ListStore.PushTail(context.Background(), "payments", "garbage"); err != nil {
		t.Fatal(err)
	}
	f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime)) // 404, dropped

	stats, err := f.drainer.Drain(context.Background(), "payments", nil, DrainOptions{
		Limiter: rate.NewLimiter(rate.Inf, 1),
	})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	want := DrainStats{Processed: 4, Expired: 1, Malformed: 1, Succeeded: 1, Failed: 1}
	if stats != want {
		t.Fatalf("Drain() stats = %+v, want %+v", stats, want)
	}
	if len(f.lists.Snapshot("payments")) != 0 {
		t.Fatal("expected drained queue to be empty")
	}
}

func TestDrain_MaxItems(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK)
	for i := 0; i < 5; i++ {
		f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime))
	}

	stats, err := f.drainer.Drain(context.Background(), "payments", nil, DrainOptions{MaxItems: 2})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if stats.Processed != 2 || stats.Succeeded != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if remaining := len(f.lists.Snapshot("payments")); remaining != 3 {
		t.Fatalf("expected 3 descriptors left, got %d", remaining)
	}
}

func TestDrain_StopsOnError(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK)
	f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime))
	f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime))
	callbackErr := errors.New("boom")

	stats, err := f.drainer.Drain(context.Background(), "payments", func(context.Context, *transport.Result, Params) error {
		return callbackErr
	}, DrainOptions{})
	if !errors.Is(err, callbackErr) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if stats.Processed != 1 {
		t.Fatalf("expected drain to stop after the first step, got %+v", stats)
	}
}

func TestDrain_ContextCanceled(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK)
	f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := f.drainer.Drain(ctx, "payments", nil, DrainOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if stats.Processed != 0 || f.client.Calls() != 0 {
		t.Fatalf("expected no work after cancellation, got %+v", stats)
	}
}

func TestDrain_LimiterPacesSteps(t *testing.T) {
	f := newDrainFixture(t, http.StatusOK)
	for i := 0; i < 3; i++ {
		f.seed(t, "payments", descriptorAt(baseTime.Add(time.Hour), baseTime))
	}

	start := time.Now()
	stats, err := f.drainer.Drain(context.Background(), "payments", nil, DrainOptions{
		Limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 1),
	})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if stats.Processed != 3 {
		t.Fatalf("expected 3 processed, got %+v", stats)
	}
	// four limiter waits (three items plus the empty pop), the first one free
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected limiter to pace the drain, finished in %v", elapsed)
	}
}
