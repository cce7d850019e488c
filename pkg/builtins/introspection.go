package builtins

import (
	"context"
	"maps"
	"slices"

	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

// HostConstants are the constants get_defined_constants reports on the host.
var HostConstants = map[string]any{
	"EOL":     "\n",
	"INT_MAX": int64(1<<63 - 1),
	"INT_MIN": int64(-1 << 63),
	"PI":      3.141592653589793,
}

// Introspection returns the host introspection builtins. get_defined_functions
// lists every name registered in r, sandbox-visible or not.
func Introspection(r Registrar) map[string]sandbox.Func {
	return map[string]sandbox.Func{
		"get_defined_functions": func(context.Context, []any) (any, error) {
			names := r.Names()
			slices.Sort(names)
			return map[string][]string{"internal": names, "user": {}}, nil
		},
		"get_defined_constants": func(context.Context, []any) (any, error) {
			return maps.Clone(HostConstants), nil
		},
		"get_defined_vars": func(context.Context, []any) (any, error) {
			return map[string]any{}, nil
		},
	}
}
