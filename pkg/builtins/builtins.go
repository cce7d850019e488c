// Package builtins provides the host callables a sandbox registry starts with.
//
// Every builtin has the sandbox.Func shape and receives its arguments as the
// caller passed them. Arguments are coerced loosely: strings, numbers, bools,
// fmt.Stringer values (including sandboxed strings) and nil all convert to
// strings, and numeric strings convert to integers.
package builtins

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

var (
	// ErrArgumentCount is returned when a builtin receives too few arguments.
	ErrArgumentCount = errors.New("wrong argument count")
	// ErrArgumentType is returned when an argument cannot be coerced.
	ErrArgumentType = errors.New("wrong argument type")
	// ErrArgumentValue is returned when an argument has an unusable value.
	ErrArgumentValue = errors.New("invalid argument value")
	// ErrInvalidCallback is returned when a callback argument cannot be resolved.
	ErrInvalidCallback = errors.New("invalid callback")
	// ErrGlobalScope is returned by argument functions called without a caller frame.
	ErrGlobalScope = errors.New("cannot be called from the global scope")
)

// Registrar is the registry surface builtins are installed into.
type Registrar interface {
	Register(name string, fn sandbox.Func) error
	Lookup(name string) (sandbox.Func, bool)
	Names() []string
}

// Register installs every host builtin into r. Callback builtins resolve
// string callbacks directly against r, without any policy check.
func Register(r Registrar) error {
	sets := []map[string]sandbox.Func{
		Strings(),
		Callbacks(DirectResolver{Registry: r}),
		Args(),
		Introspection(r),
	}
	for _, set := range sets {
		for name, fn := range set {
			if err := r.Register(name, fn); err != nil {
				return fmt.Errorf("register builtin %s: %w", name, err)
			}
		}
	}
	return nil
}

func argAt(fn string, args []any, i int) (any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%s: %w: expected at least %d, got %d", fn, ErrArgumentCount, i+1, len(args))
	}
	return args[i], nil
}

func stringArg(fn string, args []any, i int) (string, error) {
	v, err := argAt(fn, args, i)
	if err != nil {
		return "", err
	}
	s, ok := ToString(v)
	if !ok {
		return "", fmt.Errorf("%s: %w: argument %d is %T", fn, ErrArgumentType, i+1, v)
	}
	return s, nil
}

func intArg(fn string, args []any, i int) (int, error) {
	v, err := argAt(fn, args, i)
	if err != nil {
		return 0, err
	}
	n, ok := ToInt(v)
	if !ok {
		return 0, fmt.Errorf("%s: %w: argument %d is %T", fn, ErrArgumentType, i+1, v)
	}
	return n, nil
}

func listArg(fn string, args []any, i int) ([]any, error) {
	v, err := argAt(fn, args, i)
	if err != nil {
		return nil, err
	}
	switch typed := v.(type) {
	case []any:
		return typed, nil
	case []string:
		out := make([]any, len(typed))
		for j, s := range typed {
			out[j] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: %w: argument %d is %T, want list", fn, ErrArgumentType, i+1, v)
	}
}

// ToString coerces v the way the sandbox treats values in string context.
func ToString(v any) (string, bool) {
	switch typed := v.(type) {
	case nil:
		return "", true
	case string:
		return typed, true
	case fmt.Stringer:
		return typed.String(), true
	case bool:
		if typed {
			return "1", true
		}
		return "", true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	default:
		return "", false
	}
}

// ToInt coerces v to an integer. Floats must be integral; strings must parse.
func ToInt(v any) (int, bool) {
	switch typed := v.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		// 2^63 itself is not representable as an int, so the upper bound is exclusive.
		if typed != math.Trunc(typed) || typed < math.MinInt || typed >= -math.MinInt {
			return 0, false
		}
		return int(typed), true
	case bool:
		if typed {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(typed))
		return n, err == nil
	case fmt.Stringer:
		n, err := strconv.Atoi(strings.TrimSpace(typed.String()))
		return n, err == nil
	default:
		return 0, false
	}
}

// Truthy reports whether v counts as true in a boolean context.
func Truthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != "" && typed != "0"
	case fmt.Stringer:
		s := typed.String()
		return s != "" && s != "0"
	case int:
		return typed != 0
	case int64:
		return typed != 0
	case float64:
		return typed != 0
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}
