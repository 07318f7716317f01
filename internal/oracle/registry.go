// Package oracle produces trading decisions: an LLM-backed oracle, the
// rule-based Trinity indicator block, and a guard that turns anything
// malformed, late or failing into a Hold.
package oracle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/tradeagent/internal/domain"
)

// Registry manages a named collection of oracles that bots look up by
// name. It is safe for concurrent use.
type Registry struct {
	oracles map[string]domain.DecisionOracle
	mu      sync.RWMutex
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{oracles: make(map[string]domain.DecisionOracle)}
}

// Register adds o under its own name, replacing any previous entry.
func (r *Registry) Register(o domain.DecisionOracle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oracles[o.Name()] = o
}

// Get retrieves an oracle by name.
func (r *Registry) Get(name string) (domain.DecisionOracle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.oracles[name]
	if !ok {
		return nil, fmt.Errorf("oracle %q: %w", name, domain.ErrNotFound)
	}
	return o, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.oracles[name]
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.oracles))
	for n := range r.oracles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
