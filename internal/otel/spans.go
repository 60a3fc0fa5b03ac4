package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for runtime spans.
var (
	AttrTaskID       = attribute.Key("perch.task.id")
	AttrPersonaID    = attribute.Key("perch.persona.id")
	AttrWorkerID     = attribute.Key("perch.worker.id")
	AttrIntentID     = attribute.Key("perch.intent.id")
	AttrReviewID     = attribute.Key("perch.review.id")
	AttrToolName     = attribute.Key("perch.tool.name")
	AttrModel        = attribute.Key("perch.llm.model")
	AttrProvider     = attribute.Key("perch.llm.provider")
	AttrTokensInput  = attribute.Key("perch.llm.tokens.input")
	AttrTokensOutput = attribute.Key("perch.llm.tokens.output")
	AttrReasonCode   = attribute.Key("perch.reason_code")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (admin gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
