package config

import (
	"sort"
	"sync"
)

// Registry holds the venue default policy and per-market overrides. Cycles
// take a copy at start, so an override applies from the next cycle on.
type Registry struct {
	mu        sync.RWMutex
	defaults  Policy
	overrides map[string]Policy
}

// NewRegistry creates a registry. The defaults must validate.
func NewRegistry(defaults Policy) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		defaults:  defaults.Clone(),
		overrides: make(map[string]Policy),
	}, nil
}

// Policy returns the effective policy for a market.
func (r *Registry) Policy(marketID string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.overrides[marketID]; ok {
		return p.Clone()
	}
	return r.defaults.Clone()
}

// Defaults returns the venue-wide policy.
func (r *Registry) Defaults() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults.Clone()
}

// SetOverride validates and installs a per-market policy.
func (r *Registry) SetOverride(marketID string, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[marketID] = p.Clone()
	return nil
}

// ClearOverride reverts a market to the defaults.
func (r *Registry) ClearOverride(marketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, marketID)
}

// Overridden lists markets with an override, sorted.
func (r *Registry) Overridden() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.overrides))
	for id := range r.overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone deep-copies the policy so callers cannot mutate shared ladders.
func (p Policy) Clone() Policy {
	c := p
	c.Graduated.Levels = append([]Level(nil), p.Graduated.Levels...)
	return c
}
