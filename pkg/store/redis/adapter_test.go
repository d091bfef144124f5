package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/raincheck/pkg/observability/logger"
)

func TestNewRedisAdapter_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		log  logger.Logger
	}{
		{name: "missing URL", cfg: Config{}, log: logger.NewNop()},
		{name: "missing logger", cfg: Config{URL: "redis://localhost:6379/0"}, log: nil},
		{name: "invalid URL", cfg: Config{URL: "http://not-redis"}, log: logger.NewNop()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRedisAdapter(tt.cfg, tt.log); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRedisAdapter_ListKey(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   string
	}{
		{prefix: "", key: "payments", want: "payments"},
		{prefix: "raincheck", key: "payments", want: "raincheck:payments"},
		{prefix: " raincheck: ", key: "payments", want: "raincheck:payments"},
	}
	for _, tt := range tests {
		a := newWithClient(nil, Config{KeyPrefix: tt.prefix}, logger.NewNop())
		if got := a.listKey(tt.key); got != tt.want {
			t.Errorf("listKey(%q) with prefix %q = %q, want %q", tt.key, tt.prefix, got, tt.want)
		}
	}
}

func TestRedisAdapter_OperationContext(t *testing.T) {
	a := newWithClient(nil, Config{OperationTimeout: time.Second}, logger.NewNop())

	ctx, cancel := a.operationContext(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Fatal("expected operation timeout to set a deadline")
	}

	parent, parentCancel := context.WithTimeout(context.Background(), time.Hour)
	defer parentCancel()
	ctx2, cancel2 := a.operationContext(parent)
	defer cancel2()
	deadline, _ := ctx2.Deadline()
	parentDeadline, _ := parent.Deadline()
	if !deadline.Equal(parentDeadline) {
		t.Fatal("expected caller deadline to be preserved")
	}

	unbounded := newWithClient(nil, Config{}, logger.NewNop())
	ctx3, cancel3 := unbounded.operationContext(context.Background())
	defer cancel3()
	if _, ok := ctx3.Deadline(); ok {
		t.Fatal("expected no deadline without operation timeout")
	}
}

func TestRedisAdapter_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	a := newWithClient(client, Config{OperationTimeout: 200 * time.Millisecond}, logger.NewNop())
	defer a.Close()

	ctx := context.Background()
	if err := a.PushTail(ctx, "q", "v"); err == nil {
		t.Fatal("expected push to fail")
	}
	if _, ok, err := a.PopHead(ctx, "q"); err == nil || ok {
		t.Fatalf("expected pop to fail, got ok=%v err=%v", ok, err)
	}
	if _, err := a.Len(ctx, "q"); err == nil {
		t.Fatal("expected len to fail")
	}
	if err := a.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail")
	}
}
