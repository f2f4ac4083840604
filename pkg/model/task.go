package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the scheduling state of a task.
type TaskStatus string

// Task status values. Transitions originate only in the conductor or via
// explicit cancel: pending → assigned → running → completed | failed,
// running → pending on retry, any → cancelled.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskPriority orders tasks within the queue.
type TaskPriority string

// Task priority values.
const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Base returns the numeric base of the queue score for the priority.
func (p TaskPriority) Base() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// ResourceFactor scales the base resource profile when the execution engine
// reserves budget for a task.
func (p TaskPriority) ResourceFactor() float64 {
	switch p {
	case PriorityCritical:
		return 2.0
	case PriorityHigh:
		return 1.5
	case PriorityLow:
		return 0.5
	default:
		return 1.0
	}
}

// TaskConstraints bound retries and execution time. A nil MaxRetries takes
// the queue's configured default; zero means no retries.
type TaskConstraints struct {
	MaxRetries *int          `json:"max_retries,omitempty" validate:"omitempty,min=0"`
	Timeout    time.Duration `json:"timeout" validate:"gt=0"`
	Deadline   *time.Time    `json:"deadline,omitempty"`
}

// Task is a unit of work. The payload is opaque to the core; only type,
// priority, required capabilities, and constraints are inspected.
type Task struct {
	ID                   string          `json:"id"`
	Type                 string          `json:"type" validate:"required"`
	Priority             TaskPriority    `json:"priority"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Dependencies         []string        `json:"dependencies,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	Constraints          TaskConstraints `json:"constraints"`
	Status               TaskStatus      `json:"status"`
	AssignedAgent        string          `json:"assigned_agent,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	RetryCount           int             `json:"retry_count"`
	ScheduledFor         *time.Time      `json:"scheduled_for,omitempty"`
	BatchID              string          `json:"batch_id,omitempty"`
}

// GroupType selects the execution semantics of a task group within a plan.
type GroupType string

// Group types.
const (
	GroupSequential  GroupType = "sequential"
	GroupParallel    GroupType = "parallel"
	GroupConditional GroupType = "conditional"
)

// TaskGroup is a set of plan members executed under a shared policy.
type TaskGroup struct {
	Type           GroupType `json:"type"`
	Members        []string  `json:"members"`
	MaxConcurrency int       `json:"max_concurrency,omitempty"`
	Condition      string    `json:"condition,omitempty"`
}

// WorkflowConstraints bound a whole workflow or plan.
type WorkflowConstraints struct {
	MaxDuration       time.Duration `json:"max_duration,omitempty"`
	RollbackOnFailure bool          `json:"rollback_on_failure,omitempty"`
}

// Workflow is a named collection of tasks with a dependency DAG. The
// conductor expands it into task submissions; ordering is enforced by the
// dependency map.
type Workflow struct {
	ID           string              `json:"id"`
	Name         string              `json:"name" validate:"required"`
	Tasks        []*Task             `json:"tasks" validate:"min=1"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
	Groups       []TaskGroup         `json:"groups,omitempty"`
	Constraints  WorkflowConstraints `json:"constraints,omitempty"`
}

// ExecutionPlan is a workflow executed in-process by the execution engine
// rather than dispatched to remote agents.
type ExecutionPlan struct {
	ID             string              `json:"id"`
	Name           string              `json:"name" validate:"required"`
	Tasks          []*Task             `json:"tasks" validate:"min=1"`
	Dependencies   map[string][]string `json:"dependencies,omitempty"`
	Groups         []TaskGroup         `json:"groups,omitempty"`
	MaxConcurrency int                 `json:"max_concurrency" validate:"min=1"`
	Timeout        time.Duration       `json:"timeout"`
	Constraints    WorkflowConstraints `json:"constraints,omitempty"`
}
