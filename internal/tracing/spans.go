package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrSessionID   = "herald.session"
	AttrProcessName = "process.name"
	AttrProcessID   = "process.pm_id"
	AttrEventName   = "event.name"
	AttrTarget      = "envelope.target"
	AttrSuccess     = "send.success"
	AttrStopped     = "terminate.stopped"
)

// SpanPrefixCoordinator prefixes coordinator operation spans, e.g.
// "coordinator.send".
const SpanPrefixCoordinator = "coordinator."

// Span event names.
const (
	EventRouteRegistered = "route.registered"
	EventRouteRemoved    = "route.removed"
	EventTargetResolved  = "target.resolved"
	EventStopNotice      = "stop_notice.sent"
)

// StartOp starts the span for one coordinator operation.
func StartOp(ctx context.Context, tracer trace.Tracer, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanPrefixCoordinator+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndOp records err on span, or marks it OK, and ends it.
func EndOp(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
