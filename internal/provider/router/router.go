// Package router resolves a model id to the provider that serves it.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-chat/internal/provider"
)

// Rule maps a model pattern to a provider. Patterns support exact names,
// prefix ("gpt-*"), suffix ("*-turbo") and contains ("*flash*") forms.
type Rule struct {
	Pattern  string
	Provider provider.Type
}

// Router routes requests to the appropriate provider based on model id.
// Lookup order: exact model registrations, then rules in declaration
// order, then the fallback provider.
type Router struct {
	mu        sync.RWMutex
	providers map[provider.Type]provider.Provider
	models    map[string]provider.Type
	rules     []Rule
	fallback  provider.Type
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		providers: make(map[provider.Type]provider.Provider),
		models:    make(map[string]provider.Type),
	}
}

// Register adds or replaces a provider under its own name.
func (r *Router) Register(p provider.Provider) error {
	if p == nil {
		return errors.New("router: provider cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	return nil
}

// Unregister removes a provider together with its model registrations.
func (r *Router) Unregister(t provider.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, t)
	for id, owner := range r.models {
		if owner == t {
			delete(r.models, id)
		}
	}
}

// RegisterModel routes one model id to a provider explicitly.
func (r *Router) RegisterModel(modelID string, t provider.Type) error {
	modelID = normalize(modelID)
	if modelID == "" {
		return errors.New("router: model id cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[t]; !ok {
		return fmt.Errorf("router: provider %q not registered", t)
	}
	r.models[modelID] = t
	return nil
}

// AddRule appends a pattern rule. Rules are evaluated in the order added.
func (r *Router) AddRule(pattern string, t provider.Type) error {
	pattern = normalize(pattern)
	if pattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	if t == "" {
		return errors.New("router: provider name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, Rule{Pattern: pattern, Provider: t})
	return nil
}

// SetFallback sets the provider used for unmatched models. An empty type clears it.
func (r *Router) SetFallback(t provider.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = t
}

// Resolve returns the provider for model or provider.ErrNoRoute.
func (r *Router) Resolve(model string) (provider.Provider, error) {
	model = normalize(model)
	if model == "" {
		return nil, errors.New("router: model name required")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.models[model]; ok {
		if p, ok := r.providers[t]; ok {
			return p, nil
		}
	}
	for _, rule := range r.rules {
		if !matchPattern(model, rule.Pattern) {
			continue
		}
		if p, ok := r.providers[rule.Provider]; ok {
			return p, nil
		}
	}
	if r.fallback != "" {
		if p, ok := r.providers[r.fallback]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w %q", provider.ErrNoRoute, model)
}

// Providers lists registered provider names in sorted order.
func (r *Router) Providers() []provider.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]provider.Type, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Get returns a registered provider by name.
func (r *Router) Get(t provider.Type) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	return p, ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matchPattern(model, pattern string) bool {
	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	prefixWild := strings.HasPrefix(pattern, "*")
	suffixWild := strings.HasSuffix(pattern, "*")
	switch {
	case prefixWild && suffixWild:
		return strings.Contains(model, strings.Trim(pattern, "*"))
	case suffixWild:
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	case prefixWild:
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	}
	return false
}
