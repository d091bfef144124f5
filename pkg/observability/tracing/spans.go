package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used by raincheck spans.
const InstrumentationName = "github.com/nimburion/raincheck"

// SpanOperation names a traced rain-check operation.
type SpanOperation string

const (
	// SpanOperationSend is one dispatcher send, including the enqueue decision.
	SpanOperationSend SpanOperation = "raincheck.send"
	// SpanOperationConsume is one drain step over a queue.
	SpanOperationConsume SpanOperation = "raincheck.consume"
	// SpanOperationListPush appends a descriptor to a list.
	SpanOperationListPush SpanOperation = "list.push"
	// SpanOperationListPop removes the head of a list.
	SpanOperationListPop SpanOperation = "list.pop"
	// SpanOperationHTTPRequest is one outbound request including transport retries.
	SpanOperationHTTPRequest SpanOperation = "http.request"
)

// SpanOption adds attributes to a span started by this package.
type SpanOption func(*spanOptions)

type spanOptions struct {
	target     string
	attributes []attribute.KeyValue
}

// WithQueue sets the queue key and makes it part of the span name.
func WithQueue(queueKey string) SpanOption {
	return func(opts *spanOptions) {
		opts.target = queueKey
		opts.attributes = append(opts.attributes, attribute.String("raincheck.queue", queueKey))
	}
}

// WithRainCheckID records the caller-supplied correlation id.
func WithRainCheckID(id string) SpanOption {
	return func(opts *spanOptions) {
		if id != "" {
			opts.attributes = append(opts.attributes, attribute.String("raincheck.id", id))
		}
	}
}

// WithStoreSystem records the backing store, e.g. "redis" or "postgresql".
func WithStoreSystem(system string) SpanOption {
	return func(opts *spanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("store.system", system))
	}
}

// WithHTTPMethod records the request method.
func WithHTTPMethod(method string) SpanOption {
	return func(opts *spanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("http.method", method))
	}
}

// WithHTTPTarget records the request path and makes it part of the span name.
func WithHTTPTarget(path string) SpanOption {
	return func(opts *spanOptions) {
		opts.target = path
		opts.attributes = append(opts.attributes, attribute.String("http.target", path))
	}
}

// WithPayloadSize records an encoded payload size in bytes.
func WithPayloadSize(size int) SpanOption {
	return func(opts *spanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("raincheck.payload_size_bytes", size))
	}
}

// StartSpan starts a span for the given operation. Store and HTTP operations are client
// spans, sends are producers and drain steps are consumers.
func StartSpan(ctx context.Context, operation SpanOperation, opts ...SpanOption) (context.Context, trace.Span) {
	spanOpts := &spanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("raincheck.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := string(operation)
	if spanOpts.target != "" {
		spanName = fmt.Sprintf("%s %s", operation, spanOpts.target)
	}

	kind := trace.SpanKindClient
	switch operation {
	case SpanOperationSend:
		kind = trace.SpanKindProducer
	case SpanOperationConsume:
		kind = trace.SpanKindConsumer
	}

	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, spanName, trace.WithSpanKind(kind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// RecordError marks the span as failed. A nil error is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// InjectHeaders writes the span context of ctx into h with the global propagator, so a
// resent request joins the trace of the drain step that resent it.
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}
