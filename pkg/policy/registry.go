package policy

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/polisai/polis-sandbox/pkg/sandbox"
)

// Registry maps canonical function names to callables. Reserved handlers
// live in a separate namespace keyed by sandbox.HandlerName, so sandboxed
// code can never reach a handler by calling its reserved name directly.
type Registry struct {
	mu       sync.RWMutex
	funcs    map[string]sandbox.Func
	handlers map[string]sandbox.Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:    make(map[string]sandbox.Func),
		handlers: make(map[string]sandbox.Func),
	}
}

// Register adds or replaces the plain callable for name.
func (r *Registry) Register(name string, fn sandbox.Func) error {
	canonical, err := validEntry(name, fn)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[canonical] = fn
	return nil
}

// RegisterHandler adds or replaces the reserved handler for the function name.
func (r *Registry) RegisterHandler(name string, fn sandbox.Func) error {
	canonical, err := validEntry(name, fn)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[sandbox.HandlerName(canonical)] = fn
	return nil
}

// Lookup returns the plain callable registered for name.
func (r *Registry) Lookup(name string) (sandbox.Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[canonicalName(name)]
	return fn, ok
}

// Handler returns the reserved handler registered under a sandbox.HandlerName.
func (r *Registry) Handler(name string) (sandbox.Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[canonicalName(name)]
	return fn, ok
}

// Names returns the sorted names of all plain callables.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

func validEntry(name string, fn sandbox.Func) (string, error) {
	canonical := canonicalName(name)
	if canonical == "" {
		return "", errors.New("policy: function name is required")
	}
	if fn == nil {
		return "", fmt.Errorf("policy: nil function for %q", canonical)
	}
	return canonical, nil
}
