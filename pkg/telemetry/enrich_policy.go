package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordPolicyDecision annotates the span with a function policy decision.
func RecordPolicyDecision(span trace.Span, name string, allowed bool, source string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("policy.function", name),
		attribute.Bool("policy.allowed", allowed),
		attribute.String("policy.source", source),
	)

	if !allowed {
		span.AddEvent("policy.denied")
	}
}
