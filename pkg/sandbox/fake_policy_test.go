package sandbox

import (
	"context"
	"strings"
	"sync"
)

// fakePolicy is a map-backed Policy used to drive the proxy in isolation.
type fakePolicy struct {
	mu         sync.Mutex
	denied     map[string]bool
	allowAll   bool
	classes    map[Class]map[string]bool
	overrides  map[Class]bool
	funcs      map[string]Func
	handlers   map[string]Func
	checked    []string
	lookups    []string
	handlerHit []string
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{
		denied:    map[string]bool{},
		allowAll:  true,
		classes:   map[Class]map[string]bool{},
		overrides: map[Class]bool{},
		funcs:     map[string]Func{},
		handlers:  map[string]Func{},
	}
}

func (p *fakePolicy) CheckFunc(_ context.Context, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = append(p.checked, name)
	if p.denied[strings.ToLower(name)] {
		return false
	}
	return p.allowAll
}

func (p *fakePolicy) Classified(class Class, name string) bool {
	return p.classes[class][name]
}

func (p *fakePolicy) Overridden(class Class) bool {
	return p.overrides[class]
}

func (p *fakePolicy) Lookup(name string) (Func, bool) {
	p.lookups = append(p.lookups, name)
	fn, ok := p.funcs[name]
	return fn, ok
}

func (p *fakePolicy) Handler(name string) (Func, bool) {
	p.handlerHit = append(p.handlerHit, name)
	fn, ok := p.handlers[name]
	return fn, ok
}

func (p *fakePolicy) classify(class Class, names ...string) {
	if p.classes[class] == nil {
		p.classes[class] = map[string]bool{}
	}
	for _, name := range names {
		p.classes[class][name] = true
	}
}
