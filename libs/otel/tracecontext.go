package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	traceparentKey = "traceparent"
	tracestateKey  = "tracestate"
)

// TraceContextStrings serializes the current span context to the W3C header
// pair, for persisting alongside outbox events and queued tasks.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	c := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, c)
	return c[traceparentKey], c[tracestateKey]
}

// ContextWithTraceContext restores a span context previously captured with
// TraceContextStrings. Empty strings leave ctx untouched.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" && tracestate == "" {
		return ctx
	}
	c := propagation.MapCarrier{}
	if traceparent != "" {
		c[traceparentKey] = traceparent
	}
	if tracestate != "" {
		c[tracestateKey] = tracestate
	}
	return otel.GetTextMapPropagator().Extract(ctx, c)
}
