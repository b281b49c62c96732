package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// Registry tracks live pipelines so every exit path can drive them to
// NULL
type Registry struct {
	mu        sync.Mutex
	items     map[string]*Pipeline
	observers []RegistryObserver
}

// RegistryObserver is told when a pipeline starts playing for the first
// time since it was last tracked, and when it returns to NULL. Calls are
// made outside the registry lock.
type RegistryObserver interface {
	PipelineTracked(p *Pipeline)
	PipelineUntracked(p *Pipeline)
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Pipeline)}
}

// Observe adds o to the observers notified on every later change
func (r *Registry) Observe(o RegistryObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) Track(p *Pipeline) {
	r.mu.Lock()
	_, known := r.items[p.ID()]
	r.items[p.ID()] = p
	observers := r.observers
	r.mu.Unlock()
	if known {
		return
	}
	for _, o := range observers {
		o.PipelineTracked(p)
	}
}

func (r *Registry) Untrack(p *Pipeline) {
	r.mu.Lock()
	_, known := r.items[p.ID()]
	delete(r.items, p.ID())
	observers := r.observers
	r.mu.Unlock()
	if !known {
		return
	}
	for _, o := range observers {
		o.PipelineUntracked(p)
	}
}

// Live returns tracked pipelines sorted by name
func (r *Registry) Live() []*Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Pipeline, 0, len(r.items))
	for _, p := range r.items {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ShutdownAll sets every tracked pipeline to NULL
func (r *Registry) ShutdownAll(ctx context.Context) {
	for _, p := range r.Live() {
		_ = p.SetState(ctx, StateNull)
		r.Untrack(p)
	}
}

// FactoryFunc creates an element with the given instance name
type FactoryFunc func(name string) (Element, error)

// Factories maps factory names to constructors
type Factories struct {
	mu sync.RWMutex
	m  map[string]FactoryFunc
}

func NewFactories() *Factories {
	return &Factories{m: make(map[string]FactoryFunc)}
}

// Register adds or replaces a factory
func (f *Factories) Register(name string, fn FactoryFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[name] = fn
}

// Make creates an element from a registered factory
func (f *Factories) Make(factory, name string) (Element, error) {
	f.mu.RLock()
	fn, ok := f.m[factory]
	f.mu.RUnlock()
	if !ok {
		return nil, apperrors.Validation("make_element",
			fmt.Errorf("%w: no factory %q", ErrNoSuchElement, factory))
	}
	return fn(name)
}

// Names lists registered factories
func (f *Factories) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Template builds a pipeline on demand
type Template interface {
	Instantiate(opts Options) (*Pipeline, error)
}

// TemplateFunc adapts a function to Template
type TemplateFunc func(opts Options) (*Pipeline, error)

func (f TemplateFunc) Instantiate(opts Options) (*Pipeline, error) { return f(opts) }
