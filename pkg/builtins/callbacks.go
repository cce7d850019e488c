package builtins

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

// Resolver turns a callback argument into something callable.
type Resolver interface {
	// Resolve returns the function a callback argument refers to.
	Resolve(ctx context.Context, callback any) (sandbox.Func, error)
	// Callable reports whether the callback would resolve and run.
	Callable(ctx context.Context, callback any) bool
}

// DirectResolver resolves string callbacks straight from a registry. It
// performs no policy check, which is what a host builtin does.
type DirectResolver struct {
	Registry Registrar
}

// Resolve implements Resolver.
func (r DirectResolver) Resolve(_ context.Context, callback any) (sandbox.Func, error) {
	if fn, ok := ResolveCallable(callback); ok {
		return fn, nil
	}
	name, ok := callback.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrInvalidCallback, callback)
	}
	fn, ok := r.Registry.Lookup(strings.ToLower(name))
	if !ok {
		return nil, fmt.Errorf("%w: function %q not found", ErrInvalidCallback, name)
	}
	return fn, nil
}

// Callable implements Resolver.
func (r DirectResolver) Callable(ctx context.Context, callback any) bool {
	_, err := r.Resolve(ctx, callback)
	return err == nil
}

// ResolveCallable handles callbacks that are already callable: sandbox.Func
// values, plain functions of the same shape, and sandbox.Invocable values.
func ResolveCallable(callback any) (sandbox.Func, bool) {
	switch typed := callback.(type) {
	case sandbox.Func:
		return typed, typed != nil
	case func(context.Context, []any) (any, error):
		return typed, typed != nil
	case sandbox.Invocable:
		return func(ctx context.Context, args []any) (any, error) {
			return typed.Invoke(ctx, args...)
		}, true
	default:
		return nil, false
	}
}

// Callbacks returns the builtins that call other callables, resolving their
// callback arguments through resolver.
func Callbacks(resolver Resolver) map[string]sandbox.Func {
	return map[string]sandbox.Func{
		"call_user_func":       callUserFunc(resolver),
		"call_user_func_array": callUserFuncArray(resolver),
		"array_map":            arrayMap(resolver),
		"array_filter":         arrayFilter(resolver),
		"array_reduce":         arrayReduce(resolver),
		"is_callable":          isCallable(resolver),
	}
}

func callUserFunc(resolver Resolver) sandbox.Func {
	return func(ctx context.Context, args []any) (any, error) {
		cb, err := argAt("call_user_func", args, 0)
		if err != nil {
			return nil, err
		}
		fn, err := resolver.Resolve(ctx, cb)
		if err != nil {
			return nil, fmt.Errorf("call_user_func: %w", err)
		}
		return fn(ctx, args[1:])
	}
}

func callUserFuncArray(resolver Resolver) sandbox.Func {
	return func(ctx context.Context, args []any) (any, error) {
		cb, err := argAt("call_user_func_array", args, 0)
		if err != nil {
			return nil, err
		}
		params, err := listArg("call_user_func_array", args, 1)
		if err != nil {
			return nil, err
		}
		fn, err := resolver.Resolve(ctx, cb)
		if err != nil {
			return nil, fmt.Errorf("call_user_func_array: %w", err)
		}
		return fn(ctx, params)
	}
}

func arrayMap(resolver Resolver) sandbox.Func {
	return func(ctx context.Context, args []any) (any, error) {
		cb, err := argAt("array_map", args, 0)
		if err != nil {
			return nil, err
		}
		items, err := listArg("array_map", args, 1)
		if err != nil {
			return nil, err
		}
		if cb == nil {
			return append([]any(nil), items...), nil
		}
		fn, err := resolver.Resolve(ctx, cb)
		if err != nil {
			return nil, fmt.Errorf("array_map: %w", err)
		}
		out := make([]any, len(items))
		for i, item := range items {
			if out[i], err = fn(ctx, []any{item}); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}

func arrayFilter(resolver Resolver) sandbox.Func {
	return func(ctx context.Context, args []any) (any, error) {
		items, err := listArg("array_filter", args, 0)
		if err != nil {
			return nil, err
		}
		keep := func(_ context.Context, item any) (bool, error) { return Truthy(item), nil }
		if len(args) > 1 && args[1] != nil {
			fn, err := resolver.Resolve(ctx, args[1])
			if err != nil {
				return nil, fmt.Errorf("array_filter: %w", err)
			}
			keep = func(ctx context.Context, item any) (bool, error) {
				res, err := fn(ctx, []any{item})
				return Truthy(res), err
			}
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			ok, err := keep(ctx, item)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, item)
			}
		}
		return out, nil
	}
}

func arrayReduce(resolver Resolver) sandbox.Func {
	return func(ctx context.Context, args []any) (any, error) {
		items, err := listArg("array_reduce", args, 0)
		if err != nil {
			return nil, err
		}
		cb, err := argAt("array_reduce", args, 1)
		if err != nil {
			return nil, err
		}
		fn, err := resolver.Resolve(ctx, cb)
		if err != nil {
			return nil, fmt.Errorf("array_reduce: %w", err)
		}
		var carry any
		if len(args) > 2 {
			carry = args[2]
		}
		for _, item := range items {
			if carry, err = fn(ctx, []any{carry, item}); err != nil {
				return nil, err
			}
		}
		return carry, nil
	}
}

func isCallable(resolver Resolver) sandbox.Func {
	return func(ctx context.Context, args []any) (any, error) {
		cb, err := argAt("is_callable", args, 0)
		if err != nil {
			return nil, err
		}
		return resolver.Callable(ctx, cb), nil
	}
}
