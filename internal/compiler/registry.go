package compiler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

// Handler runs the work of an action state.
// A returned error counts as a failed attempt; an error wrapping
// ir.ErrMalformedOutput is fatal to the run.
type Handler interface {
	Handle(ctx context.Context, in ir.HandlerInput) (ir.HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in ir.HandlerInput) (ir.HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, in ir.HandlerInput) (ir.HandlerResult, error) {
	return f(ctx, in)
}

// Selector picks the routing event for an orchestrate state.
type Selector interface {
	Select(ctx context.Context, in ir.HandlerInput) (string, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, in ir.HandlerInput) (string, error)

func (f SelectorFunc) Select(ctx context.Context, in ir.HandlerInput) (string, error) {
	return f(ctx, in)
}

// Guard is a loop exit predicate over the user context and completed iterations.
type Guard func(ctx map[string]any, iteration int) bool

// Parser interprets a feedback reply for an ask state.
type Parser func(reply string, in ir.HandlerInput) (ir.HandlerResult, error)

// Renderer produces the page payload of a publish state.
type Renderer func(ctx map[string]any) (any, error)

// Resolver supplies capabilities the registry does not hold by name,
// such as process-backed agents.
type Resolver interface {
	ResolveHandler(name string) (Handler, bool)
	ResolveSelector(name string) (Selector, bool)
}

// Registry holds named capabilities that definitions reference.
// Names are resolved once at compile time.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	selectors map[string]Selector
	guards    map[string]Guard
	parsers   map[string]Parser
	renderers map[string]Renderer
	resolvers []Resolver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]Handler),
		selectors: make(map[string]Selector),
		guards:    make(map[string]Guard),
		parsers:   make(map[string]Parser),
		renderers: make(map[string]Renderer),
	}
}

func (r *Registry) RegisterHandler(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Registry) RegisterSelector(name string, s Selector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectors[name] = s
}

func (r *Registry) RegisterGuard(name string, g Guard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[name] = g
}

func (r *Registry) RegisterParser(name string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[name] = p
}

func (r *Registry) RegisterRenderer(name string, fn Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[name] = fn
}

// AddResolver appends a fallback consulted when a handler or selector
// name is not registered directly.
func (r *Registry) AddResolver(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append(r.resolvers, res)
}

// Handler looks up a handler by name, falling back to resolvers.
func (r *Registry) Handler(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[name]; ok {
		return h, nil
	}
	for _, res := range r.resolvers {
		if h, ok := res.ResolveHandler(name); ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("handler %q is not registered", name)
}

// Selector looks up a selector by name, falling back to resolvers.
func (r *Registry) Selector(name string) (Selector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.selectors[name]; ok {
		return s, nil
	}
	for _, res := range r.resolvers {
		if s, ok := res.ResolveSelector(name); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("selector %q is not registered", name)
}

func (r *Registry) Guard(name string) (Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.guards[name]
	return g, ok
}

func (r *Registry) Parser(name string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[name]
	return p, ok
}

func (r *Registry) Renderer(name string) (Renderer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.renderers[name]
	return fn, ok
}

// GuardNames returns the registered guard names as a set.
func (r *Registry) GuardNames() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.guards))
	for name := range r.guards {
		out[name] = true
	}
	return out
}

// HandlerNames returns the directly registered handler names, sorted.
func (r *Registry) HandlerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
