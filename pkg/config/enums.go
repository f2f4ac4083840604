package config

import "fmt"

// AllocationStrategy selects how the conductor ranks candidate agents.
type AllocationStrategy string

// Allocation strategies.
const (
	StrategyBalanced      AllocationStrategy = "balanced"
	StrategyPerformance   AllocationStrategy = "performance"
	StrategyCostOptimized AllocationStrategy = "cost-optimized"
)

// Valid reports whether the strategy is a known value.
func (s AllocationStrategy) Valid() bool {
	switch s {
	case StrategyBalanced, StrategyPerformance, StrategyCostOptimized:
		return true
	}
	return false
}

// UnmarshalYAML validates the strategy at load time.
func (s *AllocationStrategy) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v := AllocationStrategy(raw)
	if raw != "" && !v.Valid() {
		return fmt.Errorf("%w: resource_allocation_strategy %q", ErrInvalidValue, raw)
	}
	*s = v
	return nil
}

// CapacityPolicy decides which capability bounds an agent's concurrency.
// The primary policy uses only capabilities[0].maxConcurrency; per-capability
// bounds each matched capability separately.
type CapacityPolicy string

// Capacity policies.
const (
	CapacityPrimary       CapacityPolicy = "primary"
	CapacityPerCapability CapacityPolicy = "per-capability"
)

// Valid reports whether the policy is a known value.
func (p CapacityPolicy) Valid() bool {
	return p == CapacityPrimary || p == CapacityPerCapability
}

// UnmarshalYAML validates the policy at load time.
func (p *CapacityPolicy) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v := CapacityPolicy(raw)
	if raw != "" && !v.Valid() {
		return fmt.Errorf("%w: capacity_policy %q", ErrInvalidValue, raw)
	}
	*p = v
	return nil
}
