package model

import "time"

// MetricType classifies recorded metrics.
type MetricType string

// Metric types.
const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
	MetricSummary   MetricType = "summary"
)

// Metric is a single recorded measurement.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// RuleKind classifies optimization rules.
type RuleKind string

// Rule kinds.
const (
	RuleThreshold RuleKind = "threshold"
	RulePattern   RuleKind = "pattern"
	RuleML        RuleKind = "ml"
)

// ActionType names the action an optimization rule triggers.
type ActionType string

// Action types.
const (
	ActionScaleUp   ActionType = "scale_up"
	ActionScaleDown ActionType = "scale_down"
	ActionRebalance ActionType = "rebalance"
	ActionRestart   ActionType = "restart"
	ActionAlert     ActionType = "alert"
	ActionCustom    ActionType = "custom"
)

// ActionSpec is the action half of an optimization rule.
type ActionSpec struct {
	Type   ActionType        `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// OptimizationRule is a condition/action pair evaluated periodically by the
// optimizer. Condition is an expression over the performance report; see the
// expr package for the grammar.
type OptimizationRule struct {
	ID              string        `json:"id"`
	Kind            RuleKind      `json:"kind"`
	Condition       string        `json:"condition"`
	Action          ActionSpec    `json:"action"`
	Enabled         bool          `json:"enabled"`
	Priority        int           `json:"priority"`
	Cooldown        time.Duration `json:"cooldown"`
	LastTriggeredAt time.Time     `json:"last_triggered_at,omitempty"`
}
