// Package policy implements the engine that governs sandboxed function calls.
//
// An Engine decides whether a function name may be called (whitelist,
// blacklist, user definitions, an optional custom validator and optional Rego
// rules evaluated by an embedded Open Policy Agent), owns the registry of
// callables, and holds the three static classification sets with their live
// override flags. When a set's override is enabled, calls to its members are
// redirected to reserved handlers that keep the sandbox in control: argument
// functions read the explicit argument list, introspection only reports what
// the policy allows, and callback helpers route string callbacks back through
// the policy.
//
// The Engine satisfies sandbox.Policy and is safe for concurrent use.
package policy
