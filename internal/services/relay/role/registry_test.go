package role

import (
	"context"
	"testing"
)

type stubStrategy struct {
	role Role
}

func (s stubStrategy) Role() Role { return s.role }

func (stubStrategy) OnPreDispatch(context.Context, HookContext) error { return nil }

func (stubStrategy) OnPostDispatch(context.Context, HookContext) error { return nil }

func TestRegistryLookupIsExact(t *testing.T) {
	registry, err := NewRegistry(stubStrategy{role: Customer}, stubStrategy{role: Counselor})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	strategy, ok := registry.Lookup(Customer)
	if !ok || strategy.Role() != Customer {
		t.Fatalf("expected customer strategy, got %v (%v)", strategy, ok)
	}
	if _, ok := registry.Lookup(Role("Customer")); ok {
		t.Fatal("expected case-sensitive lookup miss")
	}
	if _, ok := registry.Lookup(Role("supervisor")); ok {
		t.Fatal("expected unknown role miss")
	}
	if got := len(registry.Roles()); got != 2 {
		t.Fatalf("expected 2 roles, got %d", got)
	}
}

func TestRegistryRejectsDuplicateRole(t *testing.T) {
	if _, err := NewRegistry(stubStrategy{role: Customer}, stubStrategy{role: Customer}); err == nil {
		t.Fatal("expected duplicate role error")
	}
}

func TestRegistryRejectsInvalidStrategies(t *testing.T) {
	if _, err := NewRegistry(nil); err == nil {
		t.Fatal("expected nil strategy error")
	}
	if _, err := NewRegistry(stubStrategy{}); err == nil {
		t.Fatal("expected empty role error")
	}
}

func TestRegistryNilIsEmpty(t *testing.T) {
	var registry *Registry
	if _, ok := registry.Lookup(Customer); ok {
		t.Fatal("expected nil registry miss")
	}
	if roles := registry.Roles(); roles != nil {
		t.Fatalf("expected nil roles, got %v", roles)
	}
}

func TestRegistryAcceptsNewRoleWithoutOtherChanges(t *testing.T) {
	supervisor := Role("supervisor")
	registry, err := NewRegistry(
		NewCustomerStrategy(nil),
		NewCounselorStrategy(nil),
		stubStrategy{role: supervisor},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, ok := registry.Lookup(supervisor); !ok {
		t.Fatal("expected supervisor strategy")
	}
}
