package builtins

import (
	"context"
	"fmt"

	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

// Args returns the host versions of the caller-argument functions. The host
// has no caller frame to read, so each of them fails with ErrGlobalScope; a
// policy engine overrides them with handlers that read the explicit list.
func Args() map[string]sandbox.Func {
	out := make(map[string]sandbox.Func, 3)
	for _, name := range []string{"func_get_args", "func_get_arg", "func_num_args"} {
		out[name] = globalScope(name)
	}
	return out
}

func globalScope(name string) sandbox.Func {
	return func(context.Context, []any) (any, error) {
		return nil, fmt.Errorf("%s(): %w", name, ErrGlobalScope)
	}
}
