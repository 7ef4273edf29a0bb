package decision

import (
	"fmt"
	"sort"
	"sync"
)

const (
	PolicyOracle       = "oracle"
	PolicyShortestPath = "shortest_path"
)

// PolicyRegistry maps policy names to implementations.
type PolicyRegistry struct {
	policies map[string]PathPolicy
	mu       sync.RWMutex
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{policies: make(map[string]PathPolicy)}
}

func (r *PolicyRegistry) Register(policy PathPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[policy.Name()]; exists {
		return fmt.Errorf("policy '%s' is already registered", policy.Name())
	}
	r.policies[policy.Name()] = policy
	return nil
}

func (r *PolicyRegistry) Get(name string) (PathPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy '%s' not found in registry", name)
	}
	return p, nil
}

func (r *PolicyRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
