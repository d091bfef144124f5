// Package store defines the durable list contract raincheck persists descriptors in.
// Backends live in subpackages and are selected by store/factory.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("store closed")

// Adapter is the minimal lifecycle and health contract for storage adapters.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// ListStore provides FIFO lists addressed by key. PopHead must be atomic: an element is
// returned to exactly one caller.
type ListStore interface {
	// PushTail appends value to the end of the list at key, creating it if needed.
	PushTail(ctx context.Context, key, value string) error
	// PopHead removes and returns the first element. ok is false when the list is empty.
	PopHead(ctx context.Context, key string) (value string, ok bool, err error)
}

// Backend is a ListStore with lifecycle management and depth inspection.
type Backend interface {
	ListStore
	Adapter
	Len(ctx context.Context, key string) (int64, error)
}

// DefaultTable is the table SQL backends keep list elements in.
const DefaultTable = "raincheck_lists"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// TableName returns name, or DefaultTable when empty, after checking it is a plain SQL
// identifier safe to interpolate into statements.
func TableName(name string) (string, error) {
	if name == "" {
		return DefaultTable, nil
	}
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}
