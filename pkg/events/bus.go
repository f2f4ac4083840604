// Package events provides the in-process event bus the control plane
// components publish lifecycle events to. Subscribers attach at construction
// time and receive events on buffered channels; publishing never blocks a
// component loop; events to a full subscriber buffer are dropped and logged.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event names emitted by the control plane.
const (
	Initialized           = "initialized"
	AgentRegistered       = "agentRegistered"
	AgentUnregistered     = "agentUnregistered"
	AgentUpdated          = "agentUpdated"
	AgentConnected        = "agentConnected"
	AgentDisconnected     = "agentDisconnected"
	AgentHealthChanged    = "agentHealthChanged"
	InstanceUnhealthy     = "instanceUnhealthy"
	TaskSubmitted         = "taskSubmitted"
	TaskAssigned          = "taskAssigned"
	TaskStarted           = "taskStarted"
	TaskCompleted         = "taskCompleted"
	TaskFailed            = "taskFailed"
	TaskStale             = "taskStale"
	TaskRetry             = "taskRetry"
	BatchCompleted        = "batchCompleted"
	PlanStarted           = "planStarted"
	PlanCompleted         = "planCompleted"
	PlanFailed            = "planFailed"
	PlanCancelled         = "planCancelled"
	DeploymentCreated     = "deploymentCreated"
	DeploymentScaled      = "deploymentScaled"
	DeploymentUpdated     = "deploymentUpdated"
	DeploymentRemoved     = "deploymentRemoved"
	ActionExecuted        = "actionExecuted"
	ResourceWarning       = "resourceWarning"
	MessageDeliveryFailed = "messageDeliveryFailed"
	Shutdown              = "shutdown"
)

// Event is one published occurrence. Subject is the id of the entity the
// event concerns (task id, agent id, plan id, ...).
type Event struct {
	Type    string         `json:"type"`
	Subject string         `json:"subject,omitempty"`
	Time    time.Time      `json:"time"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
}

type subscriber struct {
	types map[string]bool // nil = all types
	ch    chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving events of the given types (all types
// when none are named). The channel is closed by Bus.Close.
func (b *Bus) Subscribe(buffer int, types ...string) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers the event to all matching subscribers without blocking.
func (b *Bus) Publish(eventType, subject string, fields map[string]any) {
	ev := Event{Type: eventType, Subject: subject, Time: time.Now(), Fields: fields}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[eventType] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("Event dropped for slow subscriber", "type", eventType, "subject", subject)
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
