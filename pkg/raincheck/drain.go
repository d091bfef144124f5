package raincheck

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nimburion/raincheck/pkg/observability/logger"
	"github.com/nimburion/raincheck/pkg/observability/tracing"
)

// DefaultDLQSuffix is appended to a queue key to name its dead-letter list.
const DefaultDLQSuffix = ".dlq"

// DeadLetterKey returns the list undecodable values from queueKey are moved to.
func DeadLetterKey(queueKey string) string {
	return queueKey + DefaultDLQSuffix
}

// Outcome is what a single drain step did with the popped value.
type Outcome string

const (
	// OutcomeEmpty means nothing was popped, either because the queue was empty or
	// because the pop failed.
	OutcomeEmpty     Outcome = "empty"
	OutcomeExpired   Outcome = "expired"
	OutcomeMalformed Outcome = "malformed"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeError     Outcome = "error"
)

// Drainer pops queued descriptors and resends them through a Dispatcher.
type Drainer struct {
	dispatcher *Dispatcher
	log        logger.Logger
}

// NewDrainer creates a drainer resending through dispatcher.
func NewDrainer(dispatcher *Dispatcher, log logger.Logger) (*Drainer, error) {
	if dispatcher == nil {
		return nil, raincheckError(ErrValidation, "dispatcher is required")
	}
	if log == nil {
		return nil, raincheckError(ErrValidation, "logger is required")
	}
	return &Drainer{dispatcher: dispatcher, log: log}, nil
}

// ConsumeOne pops one descriptor from queueKey and resends it. It returns false only when
// the queue was empty or the pop itself failed; callers drain a queue by calling it until
// it returns false.
//
// Expired descriptors are dropped. A descriptor whose retry-after time has not passed is
// pushed back unchanged to the tail of queueKey and resent anyway. Errors from the store,
// the success callback or an unsupported send are returned alongside true; a failed
// resend is not an error.
func (w *Drainer) ConsumeOne(ctx context.Context, queueKey string, onSuccess SuccessCallback) (bool, error) {
	outcome, err := w.consume(ctx, queueKey, onSuccess)
	return outcome != OutcomeEmpty, err
}

func (w *Drainer) consume(ctx context.Context, queueKey string, onSuccess SuccessCallback) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(queueKey) == "" {
		return OutcomeEmpty, raincheckError(ErrValidation, "queue key is required")
	}

	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationConsume, tracing.WithQueue(queueKey))
	defer span.End()

	store := w.dispatcher.store
	encoded, ok, err := store.pop(ctx, queueKey)
	if err != nil {
		recordDrain(queueKey, OutcomeError)
		tracing.RecordError(span, err)
		return OutcomeEmpty, err
	}
	if !ok {
		recordDrain(queueKey, OutcomeEmpty)
		tracing.RecordSuccess(span)
		return OutcomeEmpty, nil
	}

	descriptor, err := DecodeDescriptor(encoded)
	if err != nil {
		if parkErr := w.park(ctx, queueKey, encoded, err); parkErr != nil {
			recordDrain(queueKey, OutcomeError)
			tracing.RecordError(span, parkErr)
			return OutcomeError, parkErr
		}
		recordDrain(queueKey, OutcomeMalformed)
		return OutcomeMalformed, nil
	}

	ctx = logger.ContextWithRainCheckID(ctx, descriptor.Params.ID)
	log := w.log.WithContext(ctx).With("queue", queueKey)
	span.SetAttributes(attribute.String("raincheck.id", descriptor.Params.ID))

	now := w.dispatcher.now()
	if descriptor.Expired(now) {
		log.Info("dropping expired rain check", "expires_at", descriptor.ExpiresAt)
		recordDrain(queueKey, OutcomeExpired)
		tracing.RecordSuccess(span)
		return OutcomeExpired, nil
	}

	var requeueErr error
	if !descriptor.Due(now) {
		if requeueErr = store.push(ctx, queueKey, encoded); requeueErr != nil {
			log.Error("failed to requeue premature rain check", "error", requeueErr)
		} else {
			log.Debug("rain check not yet due, requeued and resending", "retry_after_at", descriptor.RetryAfterAt)
		}
	}

	result, sendErr := w.dispatcher.Send(ctx, descriptor.Request, descriptor.Params, descriptor.RetryConfig, onSuccess)
	err = errors.Join(requeueErr, sendErr)

	outcome := OutcomeFailed
	if result.OK() {
		outcome = OutcomeSucceeded
	}
	if err != nil {
		outcome = OutcomeError
		tracing.RecordError(span, err)
	} else {
		tracing.RecordSuccess(span)
	}
	log.Debug("rain check resent", "status_code", result.StatusCode(), "outcome", string(outcome))
	recordDrain(queueKey, outcome)
	return outcome, err
}

// park moves an undecodable value to the queue's dead-letter list.
func (w *Drainer) park(ctx context.Context, queueKey, encoded string, cause error) error {
	dlq := DeadLetterKey(queueKey)
	w.log.Warn("moving malformed rain check to dead-letter list", "queue", queueKey, "dlq", dlq, "error", cause)
	if err := w.dispatcher.store.push(ctx, dlq, encoded); err != nil {
		return fmt.Errorf("park malformed rain check in %q: %w", dlq, errors.Join(cause, err))
	}
	return nil
}

// DrainOptions bound a Drain run.
type DrainOptions struct {
	// Limiter paces drain steps. Nil means unpaced.
	Limiter *rate.Limiter
	// MaxItems stops the run after this many popped values. Zero means until empty.
	MaxItems int
}

// DrainStats counts what a Drain run did.
type DrainStats struct {
	Processed int
	Expired   int
	Malformed int
	Succeeded int
	Failed    int
}

func (s *DrainStats) add(outcome Outcome) {
	if outcome == OutcomeEmpty {
		return
	}
	s.Processed++
	switch outcome {
	case OutcomeExpired:
		s.Expired++
	case OutcomeMalformed:
		s.Malformed++
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeFailed:
		s.Failed++
	}
}

// Drain calls ConsumeOne until the queue is empty, a step returns an error, MaxItems
// values were processed or ctx is done. Scheduling repeated drains is up to the caller.
func (w *Drainer) Drain(ctx context.Context, queueKey string, onSuccess SuccessCallback, opts DrainOptions) (DrainStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var stats DrainStats
	for opts.MaxItems <= 0 || stats.Processed < opts.MaxItems {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return stats, err
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		outcome, err := w.consume(ctx, queueKey, onSuccess)
		stats.add(outcome)
		if err != nil {
			return stats, err
		}
		if outcome == OutcomeEmpty {
			return stats, nil
		}
	}
	w.log.Info("drain stopped at item limit", "queue", queueKey, "max_items", opts.MaxItems)
	return stats, nil
}
