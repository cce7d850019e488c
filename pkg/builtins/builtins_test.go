package builtins

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

// mapRegistry is a minimal Registrar for exercising builtins without a policy.
type mapRegistry map[string]sandbox.Func

func (r mapRegistry) Register(name string, fn sandbox.Func) error {
	if _, ok := r[name]; ok {
		return errors.New("duplicate " + name)
	}
	r[name] = fn
	return nil
}

func (r mapRegistry) Lookup(name string) (sandbox.Func, bool) {
	fn, ok := r[name]
	return fn, ok
}

func (r mapRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

func call(t *testing.T, name string, args ...any) (any, error) {
	t.Helper()
	reg := mapRegistry{}
	require.NoError(t, Register(reg))
	fn, ok := reg.Lookup(name)
	require.True(t, ok, "builtin %s not registered", name)
	return fn(context.Background(), args)
}

type stringer string

func (s stringer) String() string { return string(s) }

func TestRegister_RejectsDuplicates(t *testing.T) {
	reg := mapRegistry{}
	require.NoError(t, Register(reg))
	assert.Error(t, Register(reg))
}

func TestStringBuiltins(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []any
		want any
	}{
		{name: "lower", fn: "strtolower", args: []any{"HeLLo"}, want: "hello"},
		{name: "upper stringer", fn: "strtoupper", args: []any{stringer("abc")}, want: "ABC"},
		{name: "reverse runes", fn: "strrev", args: []any{"añb"}, want: "bña"},
		{name: "ucfirst", fn: "ucfirst", args: []any{"élan"}, want: "Élan"},
		{name: "lcfirst empty", fn: "lcfirst", args: []any{""}, want: ""},
		{name: "strlen counts characters", fn: "strlen", args: []any{"héllo"}, want: 5},
		{name: "repeat", fn: "str_repeat", args: []any{"ab", 3.0}, want: "ababab"},
		{name: "repeat numeric string", fn: "str_repeat", args: []any{"x", "2"}, want: "xx"},
		{name: "trim default", fn: "trim", args: []any{"  hi\n"}, want: "hi"},
		{name: "ltrim chars", fn: "ltrim", args: []any{"xxhix", "x"}, want: "hix"},
		{name: "rtrim chars", fn: "rtrim", args: []any{"xxhix", "x"}, want: "xxhi"},
		{name: "implode", fn: "implode", args: []any{",", []any{"a", 1, true}}, want: "a,1,1"},
		{name: "explode", fn: "explode", args: []any{",", "a,b,c"}, want: []any{"a", "b", "c"}},
		{name: "explode limit", fn: "explode", args: []any{",", "a,b,c", 2}, want: []any{"a", "b,c"}},
		{name: "explode negative limit", fn: "explode", args: []any{",", "a,b,c", -1}, want: []any{"a", "b"}},
		{name: "substr", fn: "substr", args: []any{"abcdef", 1, 3}, want: "bcd"},
		{name: "substr negative start", fn: "substr", args: []any{"abcdef", -2}, want: "ef"},
		{name: "substr negative length", fn: "substr", args: []any{"abcdef", 0, -1}, want: "abcde"},
		{name: "substr past end", fn: "substr", args: []any{"abc", 5}, want: ""},
		{name: "str_replace", fn: "str_replace", args: []any{"a", "o", "banana"}, want: "bonono"},
		{name: "str_replace empty search", fn: "str_replace", args: []any{"", "o", "abc"}, want: "abc"},
		{name: "strpos found", fn: "strpos", args: []any{"héllo", "l"}, want: 2},
		{name: "strpos missing", fn: "strpos", args: []any{"hello", "z"}, want: false},
		{name: "str_split", fn: "str_split", args: []any{"abcde", 2}, want: []any{"ab", "cd", "e"}},
		{name: "str_split empty", fn: "str_split", args: []any{""}, want: []any{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := call(t, tt.fn, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringBuiltins_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fn      string
		args    []any
		wantErr error
	}{
		{name: "missing argument", fn: "strtolower", wantErr: ErrArgumentCount},
		{name: "unconvertible argument", fn: "strtoupper", args: []any{[]any{"a"}}, wantErr: ErrArgumentType},
		{name: "negative repeat", fn: "str_repeat", args: []any{"a", -1}, wantErr: ErrArgumentValue},
		{name: "fractional repeat", fn: "str_repeat", args: []any{"a", 1.5}, wantErr: ErrArgumentType},
		{name: "repeat exceeds limit", fn: "str_repeat", args: []any{"ab", float64(1 << 62)}, wantErr: ErrArgumentValue},
		{name: "repeat count beyond int", fn: "str_repeat", args: []any{"ab", 1e300}, wantErr: ErrArgumentType},
		{name: "replace exceeds limit", fn: "str_replace", args: []any{"a", strings.Repeat("b", 1<<20), strings.Repeat("a", 64)}, wantErr: ErrArgumentValue},
		{name: "empty separator", fn: "explode", args: []any{"", "abc"}, wantErr: ErrArgumentValue},
		{name: "implode non list", fn: "implode", args: []any{",", "abc"}, wantErr: ErrArgumentType},
		{name: "split size zero", fn: "str_split", args: []any{"abc", 0}, wantErr: ErrArgumentValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, tt.fn, tt.args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, strings.HasPrefix(err.Error(), tt.fn+":"), err.Error())
		})
	}
}

func TestCallbacks_DirectResolver(t *testing.T) {
	got, err := call(t, "call_user_func", "STRTOUPPER", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", got)

	got, err = call(t, "call_user_func_array", "str_repeat", []any{"z", 2})
	require.NoError(t, err)
	assert.Equal(t, "zz", got)

	got, err = call(t, "array_map", "strrev", []any{"ab", "cd"})
	require.NoError(t, err)
	assert.Equal(t, []any{"ba", "dc"}, got)

	got, err = call(t, "array_map", nil, []any{"ab"})
	require.NoError(t, err)
	assert.Equal(t, []any{"ab"}, got)

	got, err = call(t, "array_filter", []any{"a", "", "0", 0, "b", nil})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)

	got, err = call(t, "array_filter", []any{"abc", "de", "fghi"}, func(_ context.Context, args []any) (any, error) {
		s, _ := ToString(args[0])
		return len(s) > 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"abc", "fghi"}, got)

	concat := sandbox.Func(func(_ context.Context, args []any) (any, error) {
		carry, _ := ToString(args[0])
		item, _ := ToString(args[1])
		return carry + item, nil
	})
	got, err = call(t, "array_reduce", []any{"a", "b", "c"}, concat, ">")
	require.NoError(t, err)
	assert.Equal(t, ">abc", got)

	got, err = call(t, "is_callable", "strlen")
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = call(t, "is_callable", "no_such_function")
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestCallbacks_Errors(t *testing.T) {
	_, err := call(t, "call_user_func", "no_such_function")
	assert.ErrorIs(t, err, ErrInvalidCallback)

	_, err = call(t, "call_user_func", 42)
	assert.ErrorIs(t, err, ErrInvalidCallback)

	boom := errors.New("boom")
	failing := sandbox.Func(func(context.Context, []any) (any, error) { return nil, boom })
	_, err = call(t, "array_map", failing, []any{"a"})
	assert.Same(t, boom, err)
}

type invocable struct {
	got []any
}

func (i *invocable) Invoke(_ context.Context, args ...any) (any, error) {
	i.got = args
	return "invoked", nil
}

func TestResolveCallable(t *testing.T) {
	target := &invocable{}
	fn, ok := ResolveCallable(target)
	require.True(t, ok)

	got, err := fn(context.Background(), []any{"x", 1})
	require.NoError(t, err)
	assert.Equal(t, "invoked", got)
	assert.Equal(t, []any{"x", 1}, target.got)

	_, ok = ResolveCallable("strtolower")
	assert.False(t, ok)

	var nilFunc sandbox.Func
	_, ok = ResolveCallable(nilFunc)
	assert.False(t, ok)
}

func TestArgs_HostGlobalScope(t *testing.T) {
	for _, name := range []string{"func_get_args", "func_get_arg", "func_num_args"} {
		_, err := call(t, name, "a")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrGlobalScope)
		assert.Contains(t, err.Error(), name+"()")
	}
}

func TestIntrospection(t *testing.T) {
	got, err := call(t, "get_defined_functions")
	require.NoError(t, err)
	funcs := got.(map[string][]string)
	assert.Contains(t, funcs["internal"], "strtolower")
	assert.Contains(t, funcs["internal"], "func_get_args")
	assert.True(t, slices.IsSorted(funcs["internal"]))
	assert.Empty(t, funcs["user"])

	got, err = call(t, "get_defined_constants")
	require.NoError(t, err)
	consts := got.(map[string]any)
	assert.Equal(t, "\n", consts["EOL"])
	consts["EOL"] = "mutated"
	assert.Equal(t, "\n", HostConstants["EOL"])

	got, err = call(t, "get_defined_vars")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCoercion(t *testing.T) {
	s, ok := ToString(nil)
	assert.True(t, ok)
	assert.Equal(t, "", s)

	s, ok = ToString(false)
	assert.True(t, ok)
	assert.Equal(t, "", s)

	s, ok = ToString(2.5)
	assert.True(t, ok)
	assert.Equal(t, "2.5", s)

	_, ok = ToString(map[string]any{})
	assert.False(t, ok)

	n, ok := ToInt(" 12 ")
	assert.True(t, ok)
	assert.Equal(t, 12, n)

	_, ok = ToInt("twelve")
	assert.False(t, ok)

	for _, f := range []float64{1e300, -1e19, 0x1p63, math.Inf(1), math.NaN()} {
		_, ok = ToInt(f)
		assert.False(t, ok, "%v", f)
	}
	n, ok = ToInt(float64(-1 << 63))
	assert.True(t, ok)
	assert.Equal(t, math.MinInt, n)

	assert.False(t, Truthy("0"))
	assert.False(t, Truthy([]any{}))
	assert.True(t, Truthy(stringer("x")))
	assert.True(t, Truthy(struct{}{}))
}

func TestStringProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		ctx := context.Background()
		fns := Strings()

		once, err := fns["strrev"](ctx, []any{s})
		require.NoError(t, err)
		twice, err := fns["strrev"](ctx, []any{once})
		require.NoError(t, err)
		assert.Equal(t, s, twice)

		size := rapid.IntRange(1, 8).Draw(t, "size")
		parts, err := fns["str_split"](ctx, []any{s, size})
		require.NoError(t, err)
		joined, err := fns["implode"](ctx, []any{"", parts})
		require.NoError(t, err)
		assert.Equal(t, s, joined)

		n, err := fns["strlen"](ctx, []any{s})
		require.NoError(t, err)
		assert.Equal(t, len([]rune(s)), n)
	})
}
