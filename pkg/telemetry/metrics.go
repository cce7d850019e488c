package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome classifies how a proxy invocation was resolved.
type Outcome string

const (
	// OutcomeDenied means the policy refused the name and the call degraded to "".
	OutcomeDenied Outcome = "denied"
	// OutcomeDirect means the plain callable ran.
	OutcomeDirect Outcome = "direct"
	// OutcomeOverride means a reserved policy handler ran instead of the plain callable.
	OutcomeOverride Outcome = "override"
	// OutcomeUndefined means the approved name resolved to nothing.
	OutcomeUndefined Outcome = "undefined"
	// OutcomeError means the target ran and returned an error.
	OutcomeError Outcome = "error"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	invocationCounter     metric.Int64Counter
	invocationLatency     metric.Float64Histogram
	policyDecisionCounter metric.Int64Counter
)

// InvocationMetrics captures the fields recorded for a single proxy invocation.
type InvocationMetrics struct {
	Function string
	Class    string
	Outcome  Outcome
	Duration time.Duration
}

// RecordInvocation emits the invocation counter and, when a target ran, its latency.
func RecordInvocation(ctx context.Context, m InvocationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("sandbox.function", m.Function),
		attribute.String("sandbox.outcome", string(m.Outcome)),
	}
	if m.Class != "" {
		attrs = append(attrs, attribute.String("sandbox.class", m.Class))
	}

	invocationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		invocationLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordPolicyMetric counts a function policy decision by result and deciding source.
func RecordPolicyMetric(ctx context.Context, allowed bool, source string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	policyDecisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("policy.allowed", allowed),
		attribute.String("policy.source", source),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.sandbox")

		invocationCounter, metricsInitErr = meter.Int64Counter(
			"sandbox.invocations_total",
			metric.WithDescription("Sandboxed string invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationLatency, metricsInitErr = meter.Float64Histogram(
			"sandbox.invocation.duration_ms",
			metric.WithDescription("Observed latency of dispatched sandbox calls"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		policyDecisionCounter, metricsInitErr = meter.Int64Counter(
			"sandbox.policy.decisions_total",
			metric.WithDescription("Function policy decisions partitioned by result and source"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
