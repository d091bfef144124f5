package raincheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/raincheck/pkg/observability/tracing"
	"github.com/nimburion/raincheck/pkg/resilience"
	"github.com/nimburion/raincheck/pkg/store"
)

// guardedStore bounds every list operation with the configured store timeout.
type guardedStore struct {
	lists  store.ListStore
	guard  *resilience.TimeoutFunc
	system string
}

type popped struct {
	value string
	ok    bool
}

func newGuardedStore(lists store.ListStore, timeout time.Duration, system string) guardedStore {
	return guardedStore{
		lists:  lists,
		guard:  resilience.NewTimeoutFunc(timeout),
		system: system,
	}
}

func (g guardedStore) push(ctx context.Context, key, value string) error {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationListPush,
		tracing.WithQueue(key),
		tracing.WithStoreSystem(g.system),
		tracing.WithPayloadSize(len(value)),
	)
	defer span.End()

	err := g.guard.Execute(ctx, func(runCtx context.Context) error {
		return g.lists.PushTail(runCtx, key, value)
	})
	if err != nil {
		err = g.classify("push", key, err)
		tracing.RecordError(span, err)
		return err
	}
	tracing.RecordSuccess(span)
	return nil
}

func (g guardedStore) pop(ctx context.Context, key string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationListPop,
		tracing.WithQueue(key),
		tracing.WithStoreSystem(g.system),
	)
	defer span.End()

	res, err := resilience.Run(ctx, g.guard.Timeout(), func(runCtx context.Context) (popped, error) {
		value, ok, err := g.lists.PopHead(runCtx, key)
		return popped{value: value, ok: ok}, err
	})
	if err != nil {
		err = g.classify("pop", key, err)
		tracing.RecordError(span, err)
		return "", false, err
	}
	tracing.RecordSuccess(span)
	return res.value, res.ok, nil
}

func (g guardedStore) classify(operation, key string, err error) error {
	if errors.Is(err, resilience.ErrTimeout) {
		recordStoreTimeout(operation)
		return raincheckError(ErrStoreTimeout, fmt.Sprintf("%s %q after %s", operation, key, g.guard.Timeout()))
	}
	return fmt.Errorf("store %s %q: %w", operation, key, err)
}
