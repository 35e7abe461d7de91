package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("shardsave")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartSaveSpan starts the span covering one rank's save call.
	StartSaveSpan(ctx context.Context, rank, worldSize int) (context.Context, trace.Span)

	// StartRoundSpan starts a child span for a collective round or the
	// local write step.
	StartRoundSpan(ctx context.Context, round string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses the global OTel tracer
// provider. Set it with otel.SetTracerProvider before saving.
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartSaveSpan starts the span covering one rank's save call.
func (m *otelSpanManager) StartSaveSpan(ctx context.Context, rank, worldSize int) (context.Context, trace.Span) {
	return StartSaveSpan(ctx, rank, worldSize)
}

// StartRoundSpan starts a span for one round.
func (m *otelSpanManager) StartRoundSpan(ctx context.Context, round string) (context.Context, trace.Span) {
	return StartRoundSpan(ctx, round)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// StartSaveSpan starts a save span on the global tracer.
func StartSaveSpan(ctx context.Context, rank, worldSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "shardsave.save",
		trace.WithAttributes(
			attribute.Int("save.rank", rank),
			attribute.Int("save.world_size", worldSize),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartRoundSpan starts a round span on the global tracer.
func StartRoundSpan(ctx context.Context, round string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "shardsave.round."+round,
		trace.WithAttributes(
			attribute.String("round.name", round),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
