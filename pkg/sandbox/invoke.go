package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-sandbox/pkg/telemetry"
)

const tracerName = "polis.sandbox"

// Invoke calls the value as a function name with args.
//
// The policy is consulted first; a denied name yields "" and no error. An
// approved name is lowercased and, when it belongs to a classification set
// whose override flag is enabled, dispatched to the policy's reserved handler
// for it. Otherwise the plain callable of that name runs. The target's result
// and error are returned untouched.
func (s *String) Invoke(ctx context.Context, args ...any) (any, error) {
	raw := s.value

	ctx, span := otel.Tracer(tracerName).Start(ctx, "sandbox.invoke",
		trace.WithAttributes(attribute.Int("sandbox.args.count", len(args))))
	defer span.End()
	start := time.Now()

	if !s.policy.CheckFunc(ctx, raw) {
		span.SetAttributes(attribute.Bool("sandbox.denied", true))
		telemetry.RecordInvocation(ctx, telemetry.InvocationMetrics{
			Function: strings.ToLower(raw),
			Outcome:  telemetry.OutcomeDenied,
		})
		return "", nil
	}

	name := strings.ToLower(raw)
	fn, class, ok := s.resolve(name)
	span.SetAttributes(
		attribute.String("sandbox.function", name),
		attribute.String("sandbox.class", string(class)),
	)

	metrics := telemetry.InvocationMetrics{Function: name, Class: string(class), Outcome: telemetry.OutcomeDirect}
	if class != "" {
		metrics.Outcome = telemetry.OutcomeOverride
	}

	if !ok {
		metrics.Outcome = telemetry.OutcomeUndefined
		telemetry.RecordInvocation(ctx, metrics)
		err := fmt.Errorf("%w: %s", ErrUndefinedFunction, name)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := fn(ctx, args)
	metrics.Duration = time.Since(start)
	if err != nil {
		metrics.Outcome = telemetry.OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	telemetry.RecordInvocation(ctx, metrics)
	return result, err
}

// resolve picks the callable for a canonical name. class is empty for plain dispatch.
func (s *String) resolve(name string) (Func, Class, bool) {
	for _, class := range Classes {
		if s.policy.Overridden(class) && s.policy.Classified(class, name) {
			fn, ok := s.policy.Handler(HandlerName(name))
			return fn, class, ok
		}
	}
	fn, ok := s.policy.Lookup(name)
	return fn, "", ok
}
