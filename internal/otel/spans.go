package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys.
var (
	AttrEntityKind    = attribute.Key("taskgraph.entity.kind")
	AttrStoreOp       = attribute.Key("taskgraph.store.op")
	AttrSessionID     = attribute.Key("taskgraph.session.id")
	AttrStage         = attribute.Key("taskgraph.workflow.stage")
	AttrOperation     = attribute.Key("taskgraph.workflow.operation")
	AttrGeneratorCall = attribute.Key("taskgraph.generator.call")
	AttrOutcome       = attribute.Key("taskgraph.outcome")
	AttrRoute         = attribute.Key("taskgraph.gateway.route")
	AttrHTTPStatus    = attribute.Key("http.response.status_code")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound collaborator call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
