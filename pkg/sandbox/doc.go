// Package sandbox implements the string value proxy handed to sandboxed code.
//
// A String behaves like an ordinary string for indexing and iteration, but any
// attempt to call it as a function is routed through a Policy before the named
// callable runs. Denied calls degrade to an empty string instead of failing, so
// sandboxed code keeps running without every call site handling denial.
//
// The proxy owns its character data and borrows the Policy. The Policy decides
// whether a name may be called, which names are redirected to reserved
// handlers, and where the callables live. This package has no knowledge of how
// those decisions are made; see package policy for the engine implementation.
package sandbox
