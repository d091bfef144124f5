package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nimburion/raincheck/pkg/store"
)

func TestListStore_FIFO(t *testing.T) {
	ctx := context.Background()
	s := NewListStore()

	for _, v := range []string{"a", "b", "c"} {
		if err := s.PushTail(ctx, "q", v); err != nil {
			t.Fatalf("PushTail() error = %v", err)
		}
	}
	if n, _ := s.Len(ctx, "q"); n != 3 {
		t.Fatalf("expected length 3, got %d", n)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := s.PopHead(ctx, "q")
		if err != nil || !ok {
			t.Fatalf("PopHead() = %q, %v, %v", got, ok, err)
		}
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}

	if _, ok, err := s.PopHead(ctx, "q"); ok || err != nil {
		t.Fatalf("expected empty list, got ok=%v err=%v", ok, err)
	}
}

func TestListStore_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewListStore()
	_ = s.PushTail(ctx, "a", "1")
	_ = s.PushTail(ctx, "b", "2")

	if got, _, _ := s.PopHead(ctx, "b"); got != "2" {
		t.Fatalf("expected 2, got %q", got)
	}
	if snap := s.Snapshot("a"); len(snap) != 1 || snap[0] != "1" {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestListStore_ConcurrentPopsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := NewListStore()
	const total = 200
	for i := 0; i < total; i++ {
		_ = s.PushTail(ctx, "q", fmt.Sprint(i))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok, err := s.PopHead(ctx, "q")
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct values, got %d", total, len(seen))
	}
	for v, n := range seen {
		if n != 1 {
			t.Fatalf("value %s popped %d times", v, n)
		}
	}
}

func TestListStore_Close(t *testing.T) {
	ctx := context.Background()
	s := NewListStore()
	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("unexpected health error: %v", err)
	}
	_ = s.Close()

	if err := s.PushTail(ctx, "q", "v"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := s.PopHead(ctx, "q"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.HealthCheck(ctx); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestListStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewListStore()
	if err := s.PushTail(ctx, "q", "v"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
