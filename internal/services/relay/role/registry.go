package role

import (
	"errors"
	"fmt"
)

var errEmptyRole = errors.New("strategy role is required")

// Registry is an immutable role -> strategy table.
//
// All mutation happens inside NewRegistry. After construction the map is
// only read, so concurrent Lookup calls need no locking.
type Registry struct {
	strategies map[Role]Strategy
}

// NewRegistry indexes strategies by their Role. Each role may be registered
// exactly once.
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	table := make(map[Role]Strategy, len(strategies))
	for _, strategy := range strategies {
		if strategy == nil {
			return nil, errors.New("strategy is nil")
		}
		name := strategy.Role()
		if name == "" {
			return nil, errEmptyRole
		}
		if _, exists := table[name]; exists {
			return nil, fmt.Errorf("duplicate strategy for role %q", name)
		}
		table[name] = strategy
	}
	return &Registry{strategies: table}, nil
}

// Lookup returns the strategy registered for role.
func (r *Registry) Lookup(role Role) (Strategy, bool) {
	if r == nil {
		return nil, false
	}
	strategy, ok := r.strategies[role]
	return strategy, ok
}

// Roles lists the registered roles in no particular order.
func (r *Registry) Roles() []Role {
	if r == nil {
		return nil
	}
	roles := make([]Role, 0, len(r.strategies))
	for name := range r.strategies {
		roles = append(roles, name)
	}
	return roles
}
