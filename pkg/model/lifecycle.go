package model

import "time"

// UpdateStrategy selects how a deployment rollout replaces instances.
type UpdateStrategy string

// Update strategies.
const (
	UpdateRolling   UpdateStrategy = "rolling"
	UpdateRecreate  UpdateStrategy = "recreate"
	UpdateBlueGreen UpdateStrategy = "blue-green"
	UpdateCanary    UpdateStrategy = "canary"
)

// ProbeType selects the health probe mechanism for an instance.
type ProbeType string

// Probe types.
const (
	ProbeHTTP ProbeType = "http"
	ProbeTCP  ProbeType = "tcp"
	ProbeExec ProbeType = "exec"
)

// HealthProbe configures per-instance health checking.
type HealthProbe struct {
	Type                ProbeType `json:"type"`
	Path                string    `json:"path,omitempty"`
	Port                int       `json:"port,omitempty"`
	Command             []string  `json:"command,omitempty"`
	InitialDelaySeconds int       `json:"initial_delay_seconds"`
	PeriodSeconds       int       `json:"period_seconds"`
	TimeoutSeconds      int       `json:"timeout_seconds"`
	FailureThreshold    int       `json:"failure_threshold"`
}

// ScalingPolicy bounds the autoscaler for a template.
type ScalingPolicy struct {
	Enabled            bool          `json:"enabled"`
	MinReplicas        int           `json:"min_replicas"`
	MaxReplicas        int           `json:"max_replicas"`
	ScaleUpThreshold   float64       `json:"scale_up_threshold"`   // utilization percent
	ScaleDownThreshold float64       `json:"scale_down_threshold"` // utilization percent
	Cooldown           time.Duration `json:"cooldown"`
}

// CanaryStep is one stage of a canary rollout.
type CanaryStep struct {
	Weight   int           `json:"weight"` // percent of replicas
	Pause    time.Duration `json:"pause,omitempty"`
	Analysis string        `json:"analysis,omitempty"` // named analysis hook
}

// UpdatePolicy configures how template changes roll out.
type UpdatePolicy struct {
	Strategy       UpdateStrategy `json:"strategy"`
	MaxUnavailable string         `json:"max_unavailable,omitempty"` // absolute ("2") or percent ("25%")
	CanarySteps    []CanaryStep   `json:"canary_steps,omitempty"`
}

// AgentTemplate defines how agent instances are provisioned.
type AgentTemplate struct {
	ID        string               `json:"id"`
	Name      string               `json:"name" validate:"required"`
	Image     string               `json:"image" validate:"required"`
	Version   string               `json:"version,omitempty"`
	Resources ResourceRequirements `json:"resources"`
	Scaling   ScalingPolicy        `json:"scaling"`
	Probe     HealthProbe          `json:"probe"`
	Update    UpdatePolicy         `json:"update"`
	Created   time.Time            `json:"created"`
}

// InstanceState is the lifecycle state of a single replica.
type InstanceState string

// Instance states.
const (
	InstancePending  InstanceState = "pending"
	InstanceRunning  InstanceState = "running"
	InstanceStopping InstanceState = "stopping"
	InstanceStopped  InstanceState = "stopped"
	InstanceFailed   InstanceState = "failed"
	InstanceUpdating InstanceState = "updating"
)

// AgentInstance is one running replica of a deployment.
type AgentInstance struct {
	ID           string        `json:"id"`
	DeploymentID string        `json:"deployment_id"`
	TemplateID   string        `json:"template_id"`
	Version      string        `json:"version,omitempty"`
	State        InstanceState `json:"state"`
	Node         string        `json:"node,omitempty"`
	Ports        map[int]int   `json:"ports,omitempty"`
	Healthy      bool          `json:"healthy"`
	StartedAt    time.Time     `json:"started_at"`
	Restarts     int           `json:"restarts"`
	Canary       bool          `json:"canary,omitempty"`
}

// Deployment is a declared set of instances for a template.
type Deployment struct {
	ID         string            `json:"id"`
	Name       string            `json:"name" validate:"required"`
	TemplateID string            `json:"template_id" validate:"required"`
	Replicas   int               `json:"replicas" validate:"min=1"`
	Env        map[string]string `json:"env,omitempty"`
	Created    time.Time         `json:"created"`
	Updated    time.Time         `json:"updated"`
}

// ScalingDirection labels a scaling event.
type ScalingDirection string

// Scaling directions.
const (
	ScaleUp   ScalingDirection = "up"
	ScaleDown ScalingDirection = "down"
)

// ScalingEvent records one autoscaler decision.
type ScalingEvent struct {
	DeploymentID string           `json:"deployment_id"`
	Direction    ScalingDirection `json:"direction"`
	From         int              `json:"from"`
	To           int              `json:"to"`
	Reason       string           `json:"reason"`
	Timestamp    time.Time        `json:"timestamp"`
}
