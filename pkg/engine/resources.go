package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
)

// ErrInsufficientResources indicates a reservation would exceed the engine's
// resource budget. Callers treat it as retryable.
var ErrInsufficientResources = errors.New("insufficient resources")

// baseProfile is the per-task resource envelope before priority scaling.
var baseProfile = model.ResourceRequirements{
	CPU:     1.0,
	Memory:  1.0,
	Network: 0.5,
	Disk:    0.5,
}

const warnFraction = 0.8

// Monitor accounts engine-local resource reservations against the configured
// limits. Reservations scale with task priority so critical work books twice
// the baseline and low priority work half of it.
type Monitor struct {
	limits config.ResourceLimits
	bus    *events.Bus

	mu   sync.Mutex
	used model.ResourceRequirements
}

// NewMonitor creates a monitor with the given limits.
func NewMonitor(limits config.ResourceLimits, bus *events.Bus) *Monitor {
	return &Monitor{limits: limits, bus: bus}
}

// profile returns the reservation a task books.
func profile(task *model.Task) model.ResourceRequirements {
	f := task.Priority.ResourceFactor()
	return model.ResourceRequirements{
		CPU:     baseProfile.CPU * f,
		Memory:  baseProfile.Memory * f,
		Network: baseProfile.Network * f,
		Disk:    baseProfile.Disk * f,
	}
}

// Reserve books the task's profile or fails without partial effect.
func (m *Monitor) Reserve(task *model.Task) error {
	p := profile(task)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used.CPU+p.CPU > m.limits.MaxCPUUsage ||
		m.used.Memory+p.Memory > m.limits.MaxMemoryUsage ||
		m.used.Network+p.Network > m.limits.MaxNetworkBandwidth ||
		m.used.Disk+p.Disk > m.limits.MaxDiskIO {
		return fmt.Errorf("%w: task %s", ErrInsufficientResources, task.ID)
	}

	m.used.CPU += p.CPU
	m.used.Memory += p.Memory
	m.used.Network += p.Network
	m.used.Disk += p.Disk

	if m.used.CPU > m.limits.MaxCPUUsage*warnFraction ||
		m.used.Memory > m.limits.MaxMemoryUsage*warnFraction {
		m.bus.Publish(events.ResourceWarning, task.ID, map[string]any{
			"cpu_used":    m.used.CPU,
			"memory_used": m.used.Memory,
		})
	}
	return nil
}

// Release returns the task's profile to the pool. Floors at zero so a
// double release cannot drive usage negative.
func (m *Monitor) Release(task *model.Task) {
	p := profile(task)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.used.CPU = max(0, m.used.CPU-p.CPU)
	m.used.Memory = max(0, m.used.Memory-p.Memory)
	m.used.Network = max(0, m.used.Network-p.Network)
	m.used.Disk = max(0, m.used.Disk-p.Disk)
}

// Usage returns a snapshot of current reservations.
func (m *Monitor) Usage() model.ResourceRequirements {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
