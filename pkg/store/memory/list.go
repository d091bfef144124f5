// Package memory provides an in-process list store for tests and single-process embedding.
package memory

import (
	"context"
	"sync"

	"github.com/nimburion/raincheck/pkg/store"
)

var _ store.Backend = (*ListStore)(nil)

// ListStore keeps lists in a map of slices guarded by a mutex.
type ListStore struct {
	mu     sync.Mutex
	lists  map[string][]string
	closed bool
}

// NewListStore returns an empty store.
func NewListStore() *ListStore {
	return &ListStore{lists: make(map[string][]string)}
}

// PushTail appends value to the list at key.
func (s *ListStore) PushTail(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.lists[key] = append(s.lists[key], value)
	return nil
}

// PopHead removes and returns the first element of the list at key.
func (s *ListStore) PopHead(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, store.ErrClosed
	}
	list := s.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	value := list[0]
	if len(list) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = list[1:]
	}
	return value, true, nil
}

// Len returns the number of elements in the list at key.
func (s *ListStore) Len(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return int64(len(s.lists[key])), nil
}

// Snapshot returns a copy of the list at key, head first.
func (s *ListStore) Snapshot(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[key]...)
}

// HealthCheck fails once the store is closed.
func (s *ListStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close drops all lists. Further operations return store.ErrClosed.
func (s *ListStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.lists = nil
	return nil
}
