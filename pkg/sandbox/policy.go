package sandbox

import (
	"context"
	"iter"
)

// Func is the single callable shape used for plain functions, user definitions
// and reserved policy handlers. Arguments arrive exactly as the caller passed them.
type Func func(ctx context.Context, args []any) (any, error)

// Class names a classification set whose members may be redirected to a
// reserved handler when the set's override flag is enabled.
type Class string

const (
	// ClassDefined holds host introspection callables (get_defined_*).
	ClassDefined Class = "defined_funcs"
	// ClassProxy holds callables that take other callables, possibly proxies, as arguments.
	ClassProxy Class = "proxy_funcs"
	// ClassArg holds callables that read the caller's argument list.
	ClassArg Class = "arg_funcs"
)

// Classes lists every classification set in dispatch order.
var Classes = []Class{ClassDefined, ClassProxy, ClassArg}

// HandlerPrefix is prepended to a canonical name to reach its reserved handler.
const HandlerPrefix = "_"

// HandlerName returns the reserved handler name for a canonical function name.
func HandlerName(name string) string {
	return HandlerPrefix + name
}

// Policy is the engine a String consults before dispatching a call. It must
// tolerate concurrent reads when proxies are used from several goroutines.
type Policy interface {
	// CheckFunc reports whether name may be called. Names compare case-insensitively.
	CheckFunc(ctx context.Context, name string) bool
	// Classified reports whether the canonical name belongs to class.
	Classified(class Class, name string) bool
	// Overridden reports whether the override flag for class is currently enabled.
	Overridden(class Class) bool
	// Lookup resolves a canonical name to its plain callable.
	Lookup(name string) (Func, bool)
	// Handler resolves a reserved handler name produced by HandlerName.
	Handler(name string) (Func, bool)
}

// Indexable exposes character-level access to a value.
type Indexable interface {
	Len() int
	Get(offset int) (string, error)
	Set(offset int, value string) error
	Exists(offset int) bool
	Remove(offset int) error
}

// Iterable produces a fresh character sequence on every pass.
type Iterable interface {
	All() iter.Seq[string]
}

// Invocable is a value that can be called with an explicit argument list.
type Invocable interface {
	Invoke(ctx context.Context, args ...any) (any, error)
}
