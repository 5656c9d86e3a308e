package events

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for every span this
// package emits.
const tracerName = "github.com/jlia0/tinyclaw/internal/events"

// NewTracerProvider builds an OTLP/HTTP tracer provider when endpoint is
// non-empty (TINYCLAW_OTEL_ENDPOINT); otherwise it returns the global
// no-op provider, so dispatch and invocation spans are always safe to
// create even with tracing fully disabled. The returned shutdown func must
// be called on daemon exit to flush any buffered spans.
func NewTracerProvider(ctx context.Context, endpoint string) (trace.TracerProvider, func(context.Context) error, error) {
	if endpoint == "" {
		return otel.GetTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("events: build otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("tinyclawd"),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("events: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, tp.Shutdown, nil
}

// DispatchSpan opens the parent span for one dispatch tick.
func DispatchSpan(ctx context.Context, tp trace.TracerProvider, tickSeq int64) (context.Context, trace.Span) {
	return tp.Tracer(tracerName).Start(ctx, "dispatch.tick",
		trace.WithAttributes(attribute.Int64("tinyclaw.tick_seq", tickSeq)))
}

// InvocationSpan opens a span for one agent invocation, as a child of
// whatever span ctx already carries.
func InvocationSpan(ctx context.Context, tp trace.TracerProvider, agentID string) (context.Context, trace.Span) {
	return tp.Tracer(tracerName).Start(ctx, "agent.invoke",
		trace.WithAttributes(attribute.String("tinyclaw.agent_id", agentID)))
}
