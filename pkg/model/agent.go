// Package model defines the shared data model of the control plane: agents,
// tasks, workflows, messages, channels, deployment templates, metrics, and
// optimization rules. Components own their entities and reference each other
// by id only; an Agent never holds a *Task and vice versa.
package model

import "time"

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

// Agent status values.
const (
	AgentStatusIdle        AgentStatus = "idle"
	AgentStatusBusy        AgentStatus = "busy"
	AgentStatusError       AgentStatus = "error"
	AgentStatusMaintenance AgentStatus = "maintenance"
	AgentStatusOffline     AgentStatus = "offline"
)

// ResourceRequirements is the resource envelope a capability or template asks for.
type ResourceRequirements struct {
	CPU     float64 `json:"cpu" yaml:"cpu"`
	Memory  float64 `json:"memory" yaml:"memory"`
	Network float64 `json:"network" yaml:"network"`
	Disk    float64 `json:"disk,omitempty" yaml:"disk,omitempty"`
}

// Capability is a named skill an agent offers.
type Capability struct {
	Type                   string               `json:"type" validate:"required"`
	Priority               int                  `json:"priority"`
	MaxConcurrency         int                  `json:"max_concurrency" validate:"min=1"`
	EstimatedExecutionTime time.Duration        `json:"estimated_execution_time,omitempty"`
	Dependencies           []string             `json:"dependencies,omitempty"`
	Resources              ResourceRequirements `json:"resources,omitempty"`
}

// Endpoint is a network address an agent can be reached at. The URL scheme
// selects the transport: ws/wss (duplex), http/https (one-shot POST), or
// pubsub (store channel).
type Endpoint struct {
	URL      string `json:"url" validate:"required"`
	Protocol string `json:"protocol,omitempty"`
	Health   string `json:"health,omitempty"` // health probe URL, defaults to URL + /health
}

// Performance tracks per-agent execution counters.
type Performance struct {
	TasksCompleted   int           `json:"tasks_completed"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	SuccessRate      float64       `json:"success_rate"`
	LastActivity     time.Time     `json:"last_activity"`
}

// HealthGauges holds the latest resource readings reported by or probed from
// an agent.
type HealthGauges struct {
	CPU          float64       `json:"cpu"`
	Memory       float64       `json:"memory"`
	Uptime       float64       `json:"uptime"`
	ResponseTime time.Duration `json:"response_time"`
	Errors       int           `json:"errors"`
}

// Agent is a registered worker. Owned by the registry; the conductor mutates
// only Status and CurrentTasks through registry operations.
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name" validate:"required"`
	Type         string            `json:"type" validate:"required"`
	Status       AgentStatus       `json:"status"`
	Capabilities []Capability      `json:"capabilities" validate:"min=1,dive"`
	Endpoints    []Endpoint        `json:"endpoints" validate:"min=1,dive"`
	Tags         []string          `json:"tags,omitempty"`
	Region       string            `json:"region,omitempty"`
	CurrentTasks []string          `json:"current_tasks"`
	Performance  Performance       `json:"performance"`
	Health       HealthGauges      `json:"health"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Created      time.Time         `json:"created"`
}

// PrimaryCapability returns the first capability, which bounds the agent's
// concurrency under the default capacity policy.
func (a *Agent) PrimaryCapability() *Capability {
	if len(a.Capabilities) == 0 {
		return nil
	}
	return &a.Capabilities[0]
}

// HasCapabilities reports whether the agent's capability types cover all of
// required. An empty requirement set matches any agent.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, req := range required {
		found := false
		for _, c := range a.Capabilities {
			if c.Type == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
