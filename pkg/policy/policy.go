package policy

import (
	"context"
	"strings"
)

// Source identifies the rule that produced a decision.
type Source string

const (
	// SourceEmpty rejects unnamed functions.
	SourceEmpty Source = "empty"
	// SourceValidator is a decision made by a custom Validator.
	SourceValidator Source = "validator"
	// SourceDefined allows functions defined through Engine.Define.
	SourceDefined Source = "defined"
	// SourceWhitelist is a decision made by the function whitelist.
	SourceWhitelist Source = "whitelist"
	// SourceBlacklist is a decision made by the function blacklist.
	SourceBlacklist Source = "blacklist"
	// SourceUnlisted denies every name when no list or rule is configured.
	SourceUnlisted Source = "unlisted"
	// SourceRego is a decision made by the Rego rules.
	SourceRego Source = "rego"
	// SourcePosture is a decision made by the failure posture after a rule error.
	SourcePosture Source = "posture"
	// SourceClosed denies every name once the engine is closed.
	SourceClosed Source = "closed"
)

// Decision captures the result of a function policy check.
type Decision struct {
	Name    string
	Allowed bool
	Source  Source
	Reason  string
}

// Validator is a custom function validator. When configured it is the only
// rule consulted for names that are not empty.
type Validator func(ctx context.Context, name string) bool

func allow(name string, source Source) Decision {
	return Decision{Name: name, Allowed: true, Source: source}
}

func deny(name string, source Source, reason string) Decision {
	return Decision{Name: name, Allowed: false, Source: source, Reason: reason}
}

// canonicalName is the form used for every list, set and registry comparison.
func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name = canonicalName(name); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}
