package policy

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/polisai/polis-sandbox/pkg/builtins"
	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

// registerHandlers installs the reserved handler of every classified name.
func (e *Engine) registerHandlers() error {
	handlers := map[string]sandbox.Func{
		"func_get_args":         funcGetArgs,
		"func_get_arg":          funcGetArg,
		"func_num_args":         funcNumArgs,
		"get_defined_functions": e.definedFunctions,
		"get_defined_constants": e.definedConstants,
		"get_defined_vars":      definedVars,
	}
	maps.Copy(handlers, builtins.Callbacks(policyResolver{engine: e}))

	for class, members := range classifications {
		for name := range members {
			fn, ok := handlers[name]
			if !ok {
				return fmt.Errorf("policy: no handler for %s member %q", class, name)
			}
			if err := e.registry.RegisterHandler(name, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func funcGetArgs(_ context.Context, args []any) (any, error) {
	return append([]any{}, args...), nil
}

func funcNumArgs(_ context.Context, args []any) (any, error) {
	return len(args), nil
}

// funcGetArg takes the requested index followed by the caller's arguments.
func funcGetArg(_ context.Context, args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("func_get_arg: %w: index is required", builtins.ErrArgumentCount)
	}
	idx, ok := builtins.ToInt(args[0])
	if !ok {
		return nil, fmt.Errorf("func_get_arg: %w: index is %T", builtins.ErrArgumentType, args[0])
	}
	caller := args[1:]
	if idx < 0 || idx >= len(caller) {
		return nil, fmt.Errorf("func_get_arg: %w: argument %d of %d", sandbox.ErrIndexOutOfRange, idx, len(caller))
	}
	return caller[idx], nil
}

func definedVars(_ context.Context, args []any) (any, error) {
	if len(args) > 0 {
		if vars, ok := args[0].(map[string]any); ok {
			return maps.Clone(vars), nil
		}
	}
	return map[string]any{}, nil
}

// definedFunctions reports only the callables the policy would allow.
func (e *Engine) definedFunctions(ctx context.Context, _ []any) (any, error) {
	user := e.Defined()
	internal := make([]string, 0)
	for _, name := range e.registry.Names() {
		if slices.Contains(user, name) {
			continue
		}
		if e.decide(ctx, name).Allowed {
			internal = append(internal, name)
		}
	}
	return map[string][]string{"internal": internal, "user": user}, nil
}

func (e *Engine) definedConstants(_ context.Context, _ []any) (any, error) {
	return e.Constants(), nil
}

// policyResolver resolves callbacks for the reserved callback handlers. String
// callbacks are wrapped as sandboxed strings so they pass through CheckFunc.
type policyResolver struct {
	engine *Engine
}

func (r policyResolver) Resolve(_ context.Context, callback any) (sandbox.Func, error) {
	if name, ok := callback.(string); ok {
		callback = r.engine.WrapString(name)
	}
	if fn, ok := builtins.ResolveCallable(callback); ok {
		return fn, nil
	}
	return nil, fmt.Errorf("%w: %T", builtins.ErrInvalidCallback, callback)
}

func (r policyResolver) Callable(ctx context.Context, callback any) bool {
	switch typed := callback.(type) {
	case string:
		return r.engine.callable(ctx, typed)
	case *sandbox.String:
		return r.engine.callable(ctx, typed.String())
	}
	_, ok := builtins.ResolveCallable(callback)
	return ok
}

// callable reports whether invoking name through a sandboxed string would
// pass the policy and reach a target.
func (e *Engine) callable(ctx context.Context, name string) bool {
	canonical := canonicalName(name)
	if !e.decide(ctx, canonical).Allowed {
		return false
	}
	for _, class := range sandbox.Classes {
		if e.Overridden(class) && e.Classified(class, canonical) {
			_, ok := e.Handler(sandbox.HandlerName(canonical))
			return ok
		}
	}
	_, ok := e.Lookup(canonical)
	return ok
}
