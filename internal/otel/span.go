// Package otel provides OpenTelemetry instrumentation utilities for the coordinator.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for business context used across the application.
// Using shared keys ensures consistent attribute naming in traces.
const (
	AttrResourceID     = attribute.Key("handshake.resource_id")
	AttrOwnerID        = attribute.Key("handshake.owner_id")
	AttrCallerClass    = attribute.Key("handshake.caller_class")
	AttrArtifactStatus = attribute.Key("handshake.artifact.status")
	AttrHTTPStatusCode = attribute.Key("http.response.status_code")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
// This provides graceful degradation when tracing is disabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span and sets the span status to error.
// It safely handles nil spans and nil errors.
// The status description is generic so that upstream URLs and artifact payloads
// never appear in the span status; details are kept in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
