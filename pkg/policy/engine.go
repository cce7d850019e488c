package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/polisai/polis-sandbox/pkg/builtins"
	"github.com/polisai/polis-sandbox/pkg/sandbox"
	"github.com/polisai/polis-sandbox/pkg/telemetry"
)

const tracerName = "polis.sandbox.policy"

// Options control Engine construction.
type Options struct {
	// Registry holds the plain callables. Nil selects a fresh registry
	// populated with every host builtin.
	Registry *Registry
	// Whitelist, when non-empty, is the only set of callable names.
	Whitelist []string
	// Blacklist is consulted when no whitelist is configured.
	Blacklist []string
	// Overrides sets the initial override flag per class. Classes left out
	// start enabled.
	Overrides map[sandbox.Class]bool
	// Rego enables rule-based decisions evaluated by OPA.
	Rego *RegoOptions
	// Validator replaces every other rule when set.
	Validator Validator
	Logger    *slog.Logger
}

// Engine is the policy sandboxed strings consult before any call runs.
type Engine struct {
	id        string
	registry  *Registry
	rego      *regoEvaluator
	validator Validator
	logger    *slog.Logger

	// overrides has a fixed key set; only the flag values change.
	overrides map[sandbox.Class]*atomic.Bool
	closed    atomic.Bool

	mu        sync.RWMutex
	whitelist map[string]struct{}
	blacklist map[string]struct{}
	defined   map[string]struct{}
	constants map[string]any
}

var _ sandbox.Policy = (*Engine)(nil)

// NewEngine constructs an Engine and registers its reserved handlers.
func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
		if err := builtins.Register(registry); err != nil {
			return nil, fmt.Errorf("register builtins: %w", err)
		}
	}

	overrides := make(map[sandbox.Class]*atomic.Bool, len(sandbox.Classes))
	for _, class := range sandbox.Classes {
		flag := &atomic.Bool{}
		flag.Store(true)
		overrides[class] = flag
	}
	for class, enabled := range opts.Overrides {
		flag, ok := overrides[class]
		if !ok {
			return nil, fmt.Errorf("policy: unknown classification %q", class)
		}
		flag.Store(enabled)
	}

	id := uuid.NewString()
	engine := &Engine{
		id:        id,
		registry:  registry,
		validator: opts.Validator,
		logger:    logger.With("engine_id", id),
		overrides: overrides,
		whitelist: nameSet(opts.Whitelist),
		blacklist: nameSet(opts.Blacklist),
		defined:   make(map[string]struct{}),
		constants: make(map[string]any),
	}

	if opts.Rego != nil {
		evaluator, err := newRegoEvaluator(ctx, *opts.Rego, engine.logger)
		if err != nil {
			return nil, err
		}
		engine.rego = evaluator
	}

	if err := engine.registerHandlers(); err != nil {
		return nil, err
	}

	return engine, nil
}

// ID returns the engine instance identifier attached to its log lines.
func (e *Engine) ID() string {
	return e.id
}

// Registry returns the registry the engine dispatches through.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// CheckFunc reports whether name may be called.
func (e *Engine) CheckFunc(ctx context.Context, name string) bool {
	return e.Decide(ctx, name).Allowed
}

// Decide evaluates the function policy for name and records the decision.
func (e *Engine) Decide(ctx context.Context, name string) Decision {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "policy.check_func")
	defer span.End()

	decision := e.decide(ctx, canonicalName(name))

	telemetry.RecordPolicyDecision(span, decision.Name, decision.Allowed, string(decision.Source))
	telemetry.RecordPolicyMetric(ctx, decision.Allowed, string(decision.Source))

	if decision.Allowed {
		e.logger.Debug("sandbox function call allowed",
			"function", decision.Name,
			"source", string(decision.Source),
		)
	} else {
		e.logger.Warn("sandbox function call denied",
			"function", decision.Name,
			"source", string(decision.Source),
			"reason", decision.Reason,
		)
	}
	return decision
}

func (e *Engine) decide(ctx context.Context, name string) Decision {
	if e.closed.Load() {
		return deny(name, SourceClosed, "engine closed")
	}
	if name == "" {
		return deny(name, SourceEmpty, "unnamed function")
	}

	if e.validator != nil {
		if e.validator(ctx, name) {
			return allow(name, SourceValidator)
		}
		return deny(name, SourceValidator, "rejected by validator")
	}

	e.mu.RLock()
	_, defined := e.defined[name]
	_, whitelisted := e.whitelist[name]
	_, blacklisted := e.blacklist[name]
	hasWhitelist := len(e.whitelist) > 0
	hasBlacklist := len(e.blacklist) > 0
	e.mu.RUnlock()

	if defined {
		return allow(name, SourceDefined)
	}

	var listed Decision
	switch {
	case hasWhitelist && !whitelisted:
		return deny(name, SourceWhitelist, "not whitelisted")
	case hasWhitelist:
		listed = allow(name, SourceWhitelist)
	case hasBlacklist && blacklisted:
		return deny(name, SourceBlacklist, "blacklisted")
	case hasBlacklist:
		listed = allow(name, SourceBlacklist)
	case e.rego == nil:
		return deny(name, SourceUnlisted, "no function whitelist, blacklist or rules configured")
	}

	if e.rego != nil {
		return e.rego.decide(ctx, name)
	}
	return listed
}

// Classified reports whether name belongs to the static classification set.
func (e *Engine) Classified(class sandbox.Class, name string) bool {
	_, ok := classifications[class][canonicalName(name)]
	return ok
}

// Overridden reports whether the class is currently redirected to reserved handlers.
func (e *Engine) Overridden(class sandbox.Class) bool {
	flag, ok := e.overrides[class]
	return ok && flag.Load()
}

// SetOverride enables or disables the override flag for class.
func (e *Engine) SetOverride(class sandbox.Class, enabled bool) error {
	flag, ok := e.overrides[class]
	if !ok {
		return fmt.Errorf("policy: unknown classification %q", class)
	}
	if flag.Swap(enabled) != enabled {
		e.logger.Info("classification override changed", "class", string(class), "enabled", enabled)
	}
	return nil
}

// Overrides returns the current override flag of every class.
func (e *Engine) Overrides() map[sandbox.Class]bool {
	out := make(map[sandbox.Class]bool, len(e.overrides))
	for class, flag := range e.overrides {
		out[class] = flag.Load()
	}
	return out
}

// Lookup resolves a plain callable.
func (e *Engine) Lookup(name string) (sandbox.Func, bool) {
	return e.registry.Lookup(name)
}

// Handler resolves a reserved handler by its sandbox.HandlerName.
func (e *Engine) Handler(name string) (sandbox.Func, bool) {
	return e.registry.Handler(name)
}

// Define registers a sandbox-defined function. Defined functions always pass
// CheckFunc and replace any plain callable of the same name.
func (e *Engine) Define(name string, fn sandbox.Func) error {
	canonical := canonicalName(name)
	if err := e.registry.Register(canonical, fn); err != nil {
		return err
	}
	e.mu.Lock()
	e.defined[canonical] = struct{}{}
	e.mu.Unlock()
	return nil
}

// Defined returns the sorted names registered through Define.
func (e *Engine) Defined() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.defined))
}

// DefineConst sets a constant reported by get_defined_constants.
func (e *Engine) DefineConst(name string, value any) error {
	if name == "" {
		return errors.New("policy: constant name is required")
	}
	e.mu.Lock()
	e.constants[name] = value
	e.mu.Unlock()
	return nil
}

// Constants returns a copy of the defined constants.
func (e *Engine) Constants() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.constants)
}

// SetFunctionLists replaces the whitelist and blacklist and drops cached rule decisions.
func (e *Engine) SetFunctionLists(whitelist, blacklist []string) {
	wl, bl := nameSet(whitelist), nameSet(blacklist)
	e.mu.Lock()
	e.whitelist, e.blacklist = wl, bl
	e.mu.Unlock()
	e.FlushCache()
	e.logger.Info("function lists updated", "whitelist", len(wl), "blacklist", len(bl))
}

// FunctionLists returns the sorted whitelist and blacklist.
func (e *Engine) FunctionLists() (whitelist, blacklist []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.whitelist)), slices.Sorted(maps.Keys(e.blacklist))
}

// FlushCache clears cached rule decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.rego != nil {
		e.rego.flush()
	}
}

// CachedDecisions returns the number of rule decisions currently cached.
func (e *Engine) CachedDecisions() int {
	if e.rego == nil {
		return 0
	}
	return e.rego.cached()
}

// Wrap turns strings into sandboxed strings governed by e. Lists are wrapped
// element by element; every other value is returned unchanged.
func (e *Engine) Wrap(value any) any {
	switch typed := value.(type) {
	case string:
		return sandbox.New(typed, e)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = e.Wrap(item)
		}
		return out
	default:
		return value
	}
}

// WrapString returns value as a sandboxed string governed by e.
func (e *Engine) WrapString(value string) *sandbox.String {
	return sandbox.New(value, e)
}

// Close releases the rule caches and prepared queries. Every check made
// after Close is denied. Closing twice is a no-op.
func (e *Engine) Close(_ context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.rego != nil {
		e.rego.release()
	}
	e.logger.Info("policy engine closed")
	return nil
}
