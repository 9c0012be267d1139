// Package router maps model names onto providers and worker classes. It is the
// injected fallback strategy consulted by the generation worker before every
// attempt and the class policy consulted once at admission.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-chatstream/internal/provider"
)

var (
	_ provider.Strategy    = (*Router)(nil)
	_ provider.ClassPolicy = (*Router)(nil)
)

// Router routes requests by model pattern.
type Router struct {
	mu           sync.RWMutex
	providers    map[string]provider.Provider
	routes       map[string][]string // model pattern -> provider chain, primary first
	classes      map[string]string   // model pattern -> worker class
	fallback     string
	defaultClass string
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		providers: make(map[string]provider.Provider),
		routes:    make(map[string][]string),
		classes:   make(map[string]string),
	}
}

// RegisterProvider registers p under its name.
func (r *Router) RegisterProvider(p provider.Provider) error {
	if p == nil {
		return errors.New("router: provider cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return errors.New("router: provider name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	return nil
}

// RegisterRoute maps a model pattern to a chain of provider names. The first
// provider is primary; the rest are tried in order when the previous one is
// saturated. Patterns support exact, "prefix*", "*suffix" and "*contains*".
func (r *Router) RegisterRoute(modelPattern string, providerNames ...string) error {
	modelPattern = strings.ToLower(strings.TrimSpace(modelPattern))
	if modelPattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	if len(providerNames) == 0 {
		return errors.New("router: route needs at least one provider")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range providerNames {
		if _, ok := r.providers[name]; !ok {
			return fmt.Errorf("router: provider %q not registered", name)
		}
	}
	r.routes[modelPattern] = append([]string(nil), providerNames...)
	return nil
}

// SetFallback names the provider used for unmatched models.
func (r *Router) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("router: provider %q not registered", name)
	}
	r.fallback = name
	return nil
}

// RegisterClass maps a model pattern to a worker class.
func (r *Router) RegisterClass(modelPattern, class string) error {
	modelPattern = strings.ToLower(strings.TrimSpace(modelPattern))
	if modelPattern == "" || class == "" {
		return errors.New("router: class route needs pattern and class")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[modelPattern] = class
	return nil
}

// SetDefaultClass is returned by SelectWorkerClass for unmatched models.
func (r *Router) SetDefaultClass(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultClass = class
}

// Chain returns the provider chain for model.
func (r *Router) Chain(model string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if chain, ok := lookup(r.routes, model); ok {
		return chain, nil
	}
	if r.fallback != "" {
		return []string{r.fallback}, nil
	}
	return nil, fmt.Errorf("router: no provider found for model %q", model)
}

// Select implements provider.Strategy. The same provider is retried after a
// transient failure; the next provider in the chain is used after saturation.
// The chain position is derived from attempt and the saturation signal, so
// Select keeps no per-request state.
func (r *Router) Select(_ context.Context, req provider.Request, attempt int, lastErr error) (provider.Provider, error) {
	chain, err := r.Chain(req.Model)
	if err != nil {
		return nil, err
	}
	idx := 0
	if attempt > 0 && provider.IsSaturated(lastErr) {
		idx = attempt
	}
	if idx >= len(chain) {
		idx = len(chain) - 1
	}
	r.mu.RLock()
	p := r.providers[chain[idx]]
	r.mu.RUnlock()
	if p == nil {
		return nil, fmt.Errorf("router: provider %q not found", chain[idx])
	}
	return p, nil
}

// SelectWorkerClass implements provider.ClassPolicy.
func (r *Router) SelectWorkerClass(req provider.Request) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if class, ok := lookup(r.classes, req.Model); ok {
		return class
	}
	return r.defaultClass
}

// lookup prefers an exact match, then the longest matching pattern so that
// results do not depend on map iteration order.
func lookup[V any](m map[string]V, model string) (V, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if v, ok := m[model]; ok {
		return v, true
	}
	patterns := make([]string, 0, len(m))
	for p := range m {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, p := range patterns {
		if matchPattern(model, p) {
			return m[p], true
		}
	}
	var zero V
	return zero, false
}

func matchPattern(model, pattern string) bool {
	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	starts, ends := strings.HasPrefix(pattern, "*"), strings.HasSuffix(pattern, "*")
	switch {
	case starts && ends:
		return strings.Contains(model, strings.Trim(pattern, "*"))
	case ends:
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	case starts:
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

// ParseRoutes reads "pattern=>a|b,pattern2=>c" into pattern -> chain.
func ParseRoutes(spec string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pattern, target, ok := strings.Cut(entry, "=>")
		if !ok || strings.TrimSpace(pattern) == "" || strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("router: invalid route %q, want pattern=>provider[|fallback]", entry)
		}
		var chain []string
		for _, name := range strings.Split(target, "|") {
			if name = strings.TrimSpace(name); name != "" {
				chain = append(chain, name)
			}
		}
		out[strings.TrimSpace(pattern)] = chain
	}
	return out, nil
}
