package builtins

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

const defaultTrimChars = " \t\n\r\x00\x0B"

// MaxStringBytes bounds the length of any string a builtin builds from a
// caller-supplied count.
const MaxStringBytes = 16 << 20

// Strings returns the string builtins. Lengths and offsets count characters,
// matching the indexing of sandbox.String.
func Strings() map[string]sandbox.Func {
	return map[string]sandbox.Func{
		"strtolower":  unary("strtolower", strings.ToLower),
		"strtoupper":  unary("strtoupper", strings.ToUpper),
		"strrev":      unary("strrev", reverse),
		"ucfirst":     unary("ucfirst", mapFirst(unicode.ToUpper)),
		"lcfirst":     unary("lcfirst", mapFirst(unicode.ToLower)),
		"strlen":      strlen,
		"str_repeat":  strRepeat,
		"trim":        trimmer("trim", strings.Trim),
		"ltrim":       trimmer("ltrim", strings.TrimLeft),
		"rtrim":       trimmer("rtrim", strings.TrimRight),
		"implode":     implode,
		"explode":     explode,
		"substr":      substr,
		"str_replace": strReplace,
		"strpos":      strpos,
		"str_split":   strSplit,
	}
}

func unary(name string, fn func(string) string) sandbox.Func {
	return func(_ context.Context, args []any) (any, error) {
		s, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func trimmer(name string, fn func(string, string) string) sandbox.Func {
	return func(_ context.Context, args []any) (any, error) {
		s, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		chars := defaultTrimChars
		if len(args) > 1 {
			if chars, err = stringArg(name, args, 1); err != nil {
				return nil, err
			}
		}
		return fn(s, chars), nil
	}
}

func reverse(s string) string {
	runes := []rune(s)
	slices.Reverse(runes)
	return string(runes)
}

func mapFirst(fn func(rune) rune) func(string) string {
	return func(s string) string {
		r, size := utf8.DecodeRuneInString(s)
		if size == 0 {
			return s
		}
		return string(fn(r)) + s[size:]
	}
}

func strlen(_ context.Context, args []any) (any, error) {
	s, err := stringArg("strlen", args, 0)
	if err != nil {
		return nil, err
	}
	return utf8.RuneCountInString(s), nil
}

func strRepeat(_ context.Context, args []any) (any, error) {
	s, err := stringArg("str_repeat", args, 0)
	if err != nil {
		return nil, err
	}
	n, err := intArg("str_repeat", args, 1)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("str_repeat: %w: times must be >= 0, got %d", ErrArgumentValue, n)
	}
	if len(s) > 0 && n > MaxStringBytes/len(s) {
		return nil, fmt.Errorf("str_repeat: %w: result would exceed %d bytes", ErrArgumentValue, MaxStringBytes)
	}
	return strings.Repeat(s, n), nil
}

func implode(_ context.Context, args []any) (any, error) {
	sep, err := stringArg("implode", args, 0)
	if err != nil {
		return nil, err
	}
	items, err := listArg("implode", args, 1)
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(items))
	for i, item := range items {
		s, ok := ToString(item)
		if !ok {
			return nil, fmt.Errorf("implode: %w: element %d is %T", ErrArgumentType, i, item)
		}
		parts[i] = s
	}
	return strings.Join(parts, sep), nil
}

func explode(_ context.Context, args []any) (any, error) {
	sep, err := stringArg("explode", args, 0)
	if err != nil {
		return nil, err
	}
	if sep == "" {
		return nil, fmt.Errorf("explode: %w: empty separator", ErrArgumentValue)
	}
	s, err := stringArg("explode", args, 1)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(s, sep)
	if len(args) > 2 {
		limit, err := intArg("explode", args, 2)
		if err != nil {
			return nil, err
		}
		switch {
		case limit > 0:
			parts = strings.SplitN(s, sep, limit)
		case limit == 0:
			parts = []string{s}
		default:
			// A negative limit drops that many trailing parts.
			parts = parts[:max(len(parts)+limit, 0)]
		}
	}
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func substr(_ context.Context, args []any) (any, error) {
	s, err := stringArg("substr", args, 0)
	if err != nil {
		return nil, err
	}
	start, err := intArg("substr", args, 1)
	if err != nil {
		return nil, err
	}
	runes := []rune(s)
	n := len(runes)

	if start < 0 {
		start = max(n+start, 0)
	}
	if start > n {
		return "", nil
	}

	end := n
	if len(args) > 2 && args[2] != nil {
		length, err := intArg("substr", args, 2)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			end = max(n+length, start)
		} else {
			end = min(start+length, n)
		}
	}
	return string(runes[start:end]), nil
}

func strReplace(_ context.Context, args []any) (any, error) {
	search, err := stringArg("str_replace", args, 0)
	if err != nil {
		return nil, err
	}
	replace, err := stringArg("str_replace", args, 1)
	if err != nil {
		return nil, err
	}
	subject, err := stringArg("str_replace", args, 2)
	if err != nil {
		return nil, err
	}
	if search == "" {
		return subject, nil
	}
	if grow := len(replace) - len(search); grow > 0 {
		if n := strings.Count(subject, search); n > 0 && n > (MaxStringBytes-len(subject))/grow {
			return nil, fmt.Errorf("str_replace: %w: result would exceed %d bytes", ErrArgumentValue, MaxStringBytes)
		}
	}
	return strings.ReplaceAll(subject, search, replace), nil
}

// strpos returns the character offset of needle, or false when absent.
func strpos(_ context.Context, args []any) (any, error) {
	haystack, err := stringArg("strpos", args, 0)
	if err != nil {
		return nil, err
	}
	needle, err := stringArg("strpos", args, 1)
	if err != nil {
		return nil, err
	}
	idx := strings.Index(haystack, needle)
	if idx < 0 {
		return false, nil
	}
	return utf8.RuneCountInString(haystack[:idx]), nil
}

func strSplit(_ context.Context, args []any) (any, error) {
	s, err := stringArg("str_split", args, 0)
	if err != nil {
		return nil, err
	}
	size := 1
	if len(args) > 1 {
		if size, err = intArg("str_split", args, 1); err != nil {
			return nil, err
		}
		if size < 1 {
			return nil, fmt.Errorf("str_split: %w: length must be >= 1, got %d", ErrArgumentValue, size)
		}
	}
	runes := []rune(s)
	if len(runes) == 0 {
		return []any{""}, nil
	}
	out := make([]any, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		out = append(out, string(runes[i:min(i+size, len(runes))]))
	}
	return out, nil
}
