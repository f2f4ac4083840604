// Package optimizer collects runtime metrics, aggregates them into
// performance reports, and evaluates optimization rules whose actions feed
// back into the control plane: scaling, rebalancing, restarts, alerts.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/expr"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/store"
)

// Optimizer errors.
var (
	// ErrRuleNotFound indicates no rule has the id.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrUnknownAggregation indicates an unsupported aggregation name.
	ErrUnknownAggregation = errors.New("unknown aggregation")
)

const (
	metricRingCap   = 1000
	metricKeyPrefix = "metric:"
	metricTTL       = 24 * time.Hour
)

// Actuator receives rule actions. Implementations are the lifecycle manager
// (scaling, restarts), the conductor (rebalance), and the router (alerts);
// each wires only the methods it can serve.
type Actuator interface {
	Execute(ctx context.Context, action model.ActionSpec) error
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(ctx context.Context, action model.ActionSpec) error

// Execute implements Actuator.
func (f ActuatorFunc) Execute(ctx context.Context, action model.ActionSpec) error {
	return f(ctx, action)
}

// Aggregation names accepted by Aggregate.
const (
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
)

// MetricQuery filters metrics before aggregation.
type MetricQuery struct {
	Name  string            `json:"name"`
	Since time.Time         `json:"since,omitempty"`
	Until time.Time         `json:"until,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// MetricStat is one aggregated series in a report.
type MetricStat struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Last  float64 `json:"last"`
}

// PerformanceReport is a point-in-time aggregate of everything recorded in
// the window.
type PerformanceReport struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Window      time.Duration         `json:"window"`
	Metrics     map[string]MetricStat `json:"metrics"`
}

// Optimizer owns metric rings and the rule engine.
type Optimizer struct {
	store store.Store
	bus   *events.Bus

	mu        sync.RWMutex
	rings     map[string][]model.Metric // per metric name, newest last
	rules     map[string]*model.OptimizationRule
	actuators map[model.ActionType]Actuator

	evalInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New creates an optimizer evaluating rules every evalInterval.
func New(st store.Store, bus *events.Bus, evalInterval time.Duration) *Optimizer {
	return &Optimizer{
		store:        st,
		bus:          bus,
		rings:        make(map[string][]model.Metric),
		rules:        make(map[string]*model.OptimizationRule),
		actuators:    make(map[model.ActionType]Actuator),
		evalInterval: evalInterval,
		stopCh:       make(chan struct{}),
	}
}

// BindActuator routes an action type to an actuator.
func (o *Optimizer) BindActuator(actionType model.ActionType, a Actuator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actuators[actionType] = a
}

// Start launches the rule evaluation loop.
func (o *Optimizer) Start() {
	o.wg.Add(1)
	go o.evalLoop()
	slog.Info("Optimizer started", "eval_interval", o.evalInterval)
}

// Stop terminates the loop.
func (o *Optimizer) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
	slog.Info("Optimizer stopped")
}

// Record appends a metric to its ring and mirrors it to the store with a
// day's retention.
func (o *Optimizer) Record(ctx context.Context, metric model.Metric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}

	o.mu.Lock()
	ring := append(o.rings[metric.Name], metric)
	if len(ring) > metricRingCap {
		ring = ring[len(ring)-metricRingCap:]
	}
	o.rings[metric.Name] = ring
	o.mu.Unlock()

	raw, err := json.Marshal(metric)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s%s:%d", metricKeyPrefix, metric.Name, metric.Timestamp.UnixNano())
	if err := o.store.Set(ctx, key, raw, metricTTL); err != nil {
		slog.Debug("Failed to mirror metric", "name", metric.Name, "error", err)
	}
}

// Aggregate computes one aggregation over the metrics matching the query.
func (o *Optimizer) Aggregate(query MetricQuery, aggregation string) (float64, error) {
	matched := o.matching(query)

	switch aggregation {
	case AggCount:
		return float64(len(matched)), nil
	case AggSum, AggAvg, AggMin, AggMax:
		if len(matched) == 0 {
			return 0, nil
		}
		sum, minV, maxV := 0.0, math.Inf(1), math.Inf(-1)
		for _, m := range matched {
			sum += m.Value
			minV = math.Min(minV, m.Value)
			maxV = math.Max(maxV, m.Value)
		}
		switch aggregation {
		case AggSum:
			return sum, nil
		case AggAvg:
			return sum / float64(len(matched)), nil
		case AggMin:
			return minV, nil
		default:
			return maxV, nil
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAggregation, aggregation)
	}
}

// Report aggregates every metric name over the window.
func (o *Optimizer) Report(window time.Duration) *PerformanceReport {
	since := time.Now().Add(-window)

	o.mu.RLock()
	names := make([]string, 0, len(o.rings))
	for name := range o.rings {
		names = append(names, name)
	}
	o.mu.RUnlock()
	sort.Strings(names)

	report := &PerformanceReport{
		GeneratedAt: time.Now(),
		Window:      window,
		Metrics:     make(map[string]MetricStat, len(names)),
	}
	for _, name := range names {
		matched := o.matching(MetricQuery{Name: name, Since: since})
		if len(matched) == 0 {
			continue
		}
		stat := MetricStat{Count: len(matched), Min: math.Inf(1), Max: math.Inf(-1)}
		for _, m := range matched {
			stat.Sum += m.Value
			stat.Min = math.Min(stat.Min, m.Value)
			stat.Max = math.Max(stat.Max, m.Value)
			stat.Last = m.Value
		}
		stat.Avg = stat.Sum / float64(stat.Count)
		report.Metrics[name] = stat
	}
	return report
}

// AddRule stores a rule, assigning an id if empty.
func (o *Optimizer) AddRule(rule *model.OptimizationRule) (string, error) {
	if rule.Condition == "" {
		return "", errors.New("rule condition is required")
	}
	if _, err := expr.Parse(rule.Condition); err != nil {
		return "", fmt.Errorf("invalid rule condition: %w", err)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Kind == "" {
		rule.Kind = model.RuleThreshold
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.rules[rule.ID] = rule
	return rule.ID, nil
}

// RemoveRule drops a rule.
func (o *Optimizer) RemoveRule(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(o.rules, id)
	return nil
}

// Rules returns copies of all rules, highest priority first.
func (o *Optimizer) Rules() []*model.OptimizationRule {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*model.OptimizationRule, 0, len(o.rules))
	for _, r := range o.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Evaluate runs every enabled rule against the current report environment
// and dispatches the actions of rules whose conditions hold and whose
// cooldowns have lapsed. Actions are fire and forget: a failing actuator is
// logged, never retried synchronously.
func (o *Optimizer) Evaluate(ctx context.Context) int {
	env := o.reportEnv()

	o.mu.Lock()
	var due []*model.OptimizationRule
	now := time.Now()
	for _, rule := range o.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Cooldown > 0 && now.Sub(rule.LastTriggeredAt) < rule.Cooldown {
			continue
		}
		if expr.Eval(rule.Condition, env) {
			rule.LastTriggeredAt = now
			cp := *rule
			due = append(due, &cp)
		}
	}
	actuators := make(map[model.ActionType]Actuator, len(o.actuators))
	for k, v := range o.actuators {
		actuators[k] = v
	}
	o.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Priority > due[j].Priority })
	for _, rule := range due {
		o.dispatch(ctx, actuators, rule)
	}
	return len(due)
}

func (o *Optimizer) dispatch(ctx context.Context, actuators map[model.ActionType]Actuator, rule *model.OptimizationRule) {
	act, ok := actuators[rule.Action.Type]
	if !ok {
		slog.Warn("No actuator bound for action", "rule_id", rule.ID, "action", rule.Action.Type)
		return
	}
	if err := act.Execute(ctx, rule.Action); err != nil {
		slog.Error("Rule action failed", "rule_id", rule.ID, "action", rule.Action.Type, "error", err)
		return
	}
	o.bus.Publish(events.ActionExecuted, rule.ID, map[string]any{"action": string(rule.Action.Type)})
	slog.Info("Rule action executed", "rule_id", rule.ID, "action", rule.Action.Type)
}

// reportEnv flattens the hourly report into condition identifiers:
// <metric>.sum, .avg, .min, .max, .count, .last, with dashes mapped to
// underscores.
func (o *Optimizer) reportEnv() expr.MapEnv {
	report := o.Report(time.Hour)
	env := make(expr.MapEnv, len(report.Metrics)*6)
	for name, stat := range report.Metrics {
		base := identifier(name)
		env[base+".sum"] = stat.Sum
		env[base+".avg"] = stat.Avg
		env[base+".min"] = stat.Min
		env[base+".max"] = stat.Max
		env[base+".count"] = float64(stat.Count)
		env[base+".last"] = stat.Last
	}
	return env
}

func (o *Optimizer) evalLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.evalInterval)
			o.Evaluate(ctx)
			cancel()
		}
	}
}

func (o *Optimizer) matching(query MetricQuery) []model.Metric {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []model.Metric
	for _, m := range o.rings[query.Name] {
		if !query.Since.IsZero() && m.Timestamp.Before(query.Since) {
			continue
		}
		if !query.Until.IsZero() && m.Timestamp.After(query.Until) {
			continue
		}
		if !tagsMatch(m.Tags, query.Tags) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// identifier maps a metric name to the condition grammar's identifier
// charset.
func identifier(name string) string {
	out := []byte(name)
	for i, c := range out {
		if c == '-' || c == ' ' || c == ':' || c == '/' {
			out[i] = '_'
		}
	}
	return string(out)
}
