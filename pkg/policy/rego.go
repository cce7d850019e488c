package policy

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// RegoOptions configure the optional Rego rules consulted by CheckFunc.
type RegoOptions struct {
	// Entrypoint is the decision path (e.g. "sandbox/functions/allow").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	// FailureMode decides calls when evaluation fails. Empty means fail-closed.
	FailureMode Mode
}

const (
	defaultEntrypoint    = "sandbox/functions/allow"
	defaultCacheCapacity = 1024
)

// regoEvaluator evaluates function decisions using an embedded OPA instance.
type regoEvaluator struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	failureMode   Mode
	cache         *decisionCache
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
	logger        *slog.Logger
}

func newRegoEvaluator(ctx context.Context, opts RegoOptions, logger *slog.Logger) (*regoEvaluator, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("rego rules require at least one module")
	}

	mode := opts.FailureMode
	if mode == "" {
		mode = ModeFailClosed
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("rego rules: invalid failure mode %q", mode)
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(opts.Modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	evaluator := &regoEvaluator{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		failureMode:   mode,
		cache:         cache,
		queries:       make(map[string]*rego.PreparedEvalQuery),
		logger:        logger,
	}

	// Warm the entrypoint to surface syntax errors early.
	if _, err := evaluator.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return evaluator, nil
}

// decide returns the Rego decision for a canonical name, consulting the cache
// first and falling back to the failure posture when evaluation fails.
func (r *regoEvaluator) decide(ctx context.Context, name string) Decision {
	if r.cache != nil {
		if cached, ok := r.cache.Get(name); ok {
			return cached
		}
	}

	allowed, err := r.evaluate(ctx, name)
	if err != nil {
		r.logger.Error("rego function decision failed",
			"function", name,
			"failure_mode", string(r.failureMode),
			"error", err,
		)
		if r.failureMode.Allows() {
			return allow(name, SourcePosture)
		}
		return deny(name, SourcePosture, "rule evaluation failed")
	}

	decision := allow(name, SourceRego)
	if !allowed {
		decision = deny(name, SourceRego, "denied by rego rules")
	}
	if r.cache != nil {
		r.cache.Add(name, decision)
	}
	return decision
}

func (r *regoEvaluator) evaluate(ctx context.Context, name string) (bool, error) {
	prepared, err := r.getPreparedQuery(ctx, r.entrypoint)
	if err != nil {
		return false, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(map[string]any{"name": name}))
	if err != nil {
		return false, fmt.Errorf("opa decision: %w", err)
	}

	// An undefined decision denies.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	return parseAllow(results[0].Expressions[0].Value)
}

func (r *regoEvaluator) flush() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

func (r *regoEvaluator) cached() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Len()
}

// release drops the cached decisions and the prepared queries.
func (r *regoEvaluator) release() {
	r.flush()
	r.mu.Lock()
	clear(r.queries)
	r.mu.Unlock()
}

func (r *regoEvaluator) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	r.mu.RLock()
	if prepared, ok := r.queries[entry]; ok {
		r.mu.RUnlock()
		return prepared, nil
	}
	r.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(r.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range r.moduleOrder {
		opts = append(opts, rego.ParsedModule(r.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := r.queries[entry]; ok {
		return existing, nil
	}

	r.queries[entry] = &prepared
	return &prepared, nil
}

// parseAllow accepts either a boolean decision or an object with an "allow" field.
func parseAllow(value any) (bool, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case map[string]any:
		raw, ok := typed["allow"]
		if !ok {
			return false, nil
		}
		allowed, ok := raw.(bool)
		if !ok {
			return false, fmt.Errorf("opa decision: allow must be bool, got %T", raw)
		}
		return allowed, nil
	default:
		return false, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	item := elem.Value.(cacheItem)
	return item.value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		item := tail.Value.(cacheItem)
		delete(c.entries, item.key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
