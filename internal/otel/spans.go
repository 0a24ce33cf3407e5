package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskweave spans.
var (
	AttrSessionID    = attribute.Key("taskweave.session.id")
	AttrRunID        = attribute.Key("taskweave.run.id")
	AttrToolName     = attribute.Key("taskweave.tool.name")
	AttrModel        = attribute.Key("taskweave.llm.model")
	AttrRound        = attribute.Key("taskweave.loop.round")
	AttrClaimedCount = attribute.Key("taskweave.messages.claimed")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
