package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/testutil"
)

func TestRabbitMQAdapter_Integration(t *testing.T) {
	testutil.RequireIntegration(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start RabbitMQ container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5672/tcp")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	adapter, err := NewRabbitMQAdapter(Config{
		URL:              fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
		QueuePrefix:      "raincheck",
		OperationTimeout: 5 * time.Second,
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	defer adapter.Close()

	t.Run("HealthCheck", func(t *testing.T) {
		if err := adapter.HealthCheck(ctx); err != nil {
			t.Fatalf("Health check failed: %v", err)
		}
	})

	t.Run("FIFO", func(t *testing.T) {
		for _, v := range []string{"first", "second", "third"} {
			if err := adapter.PushTail(ctx, "fifo", v); err != nil {
				t.Fatalf("PushTail failed: %v", err)
			}
		}
		if n, err := adapter.Len(ctx, "fifo"); err != nil || n != 3 {
			t.Fatalf("expected length 3, got %d (err %v)", n, err)
		}
		for _, want := range []string{"first", "second", "third"} {
			got, ok, err := adapter.PopHead(ctx, "fifo")
			if err != nil || !ok || got != want {
				t.Fatalf("PopHead() = %q, %v, %v; want %q", got, ok, err, want)
			}
		}
		if _, ok, err := adapter.PopHead(ctx, "fifo"); ok || err != nil {
			t.Fatalf("expected empty list, got ok=%v err=%v", ok, err)
		}
	})
}
