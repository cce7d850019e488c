package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

// classifications holds the static classification sets, keyed by class.
var classifications = map[sandbox.Class]map[string]struct{}{
	sandbox.ClassDefined: nameSet([]string{
		"get_defined_functions",
		"get_defined_vars",
		"get_defined_constants",
	}),
	sandbox.ClassProxy: nameSet([]string{
		"call_user_func",
		"call_user_func_array",
		"array_map",
		"array_filter",
		"array_reduce",
		"is_callable",
	}),
	sandbox.ClassArg: nameSet([]string{
		"func_get_args",
		"func_get_arg",
		"func_num_args",
	}),
}

// ClassMembers returns the sorted canonical names in class.
func ClassMembers(class sandbox.Class) []string {
	set := classifications[class]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParseClass converts a textual class name into a sandbox.Class.
func ParseClass(value string) (sandbox.Class, error) {
	class := sandbox.Class(strings.TrimSpace(strings.ToLower(value)))
	if _, ok := classifications[class]; !ok {
		return "", fmt.Errorf("policy: unknown classification %q", value)
	}
	return class, nil
}
