// Package engine executes plans in-process: a validated dependency DAG of
// tasks run through a fixed worker pool in sequential, parallel, and
// conditional groups, under a plan-wide concurrency bound and a resource
// budget.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/expr"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

// Engine errors.
var (
	// ErrInvalidPlan indicates the plan failed validation.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrPlanNotFound indicates no active plan has the id.
	ErrPlanNotFound = errors.New("plan not found")
)

const (
	minPlanTimeout         = time.Second
	reserveRetryInterval   = 100 * time.Millisecond
	workerRetryInterval    = 250 * time.Millisecond
	workerCheckoutAttempts = 3
)

// PlanStatus is the terminal outcome of a plan run.
type PlanStatus string

// Plan outcomes.
const (
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// PlanResult is the outcome of one plan execution. Tasks holds the final
// state of every plan member keyed by id.
type PlanResult struct {
	PlanID   string                 `json:"plan_id"`
	Status   PlanStatus             `json:"status"`
	Tasks    map[string]*model.Task `json:"tasks"`
	Duration time.Duration          `json:"duration"`
}

// Engine runs execution plans.
type Engine struct {
	pool    *WorkerPool
	monitor *Monitor
	bus     *events.Bus
	metrics *telemetry.Metrics

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates an engine with a pool of poolSize slots and the given
// resource limits.
func New(poolSize int, limits config.ResourceLimits, bus *events.Bus, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		pool:    NewWorkerPool(poolSize),
		monitor: NewMonitor(limits, bus),
		bus:     bus,
		metrics: metrics,
		active:  make(map[string]context.CancelFunc),
	}
}

// RegisterExecutor binds an executor to a task type ("*" is the fallback).
func (e *Engine) RegisterExecutor(taskType string, ex Executor) {
	e.pool.RegisterExecutor(taskType, ex)
}

// Pool exposes pool health for the API surface.
func (e *Engine) Pool() PoolHealth { return e.pool.Health() }

// Usage exposes current resource reservations.
func (e *Engine) Usage() model.ResourceRequirements { return e.monitor.Usage() }

// CancelPlan aborts a running plan. Members already executing observe the
// cancellation through their contexts.
func (e *Engine) CancelPlan(planID string) error {
	e.mu.Lock()
	cancel, ok := e.active[planID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	cancel()
	return nil
}

// Close stops the worker pool.
func (e *Engine) Close() {
	e.pool.Close()
}

// ExecutePlan validates and runs the plan to completion, returning the final
// state of every member. The returned error covers validation only; task
// failures are reported through the result status.
func (e *Engine) ExecutePlan(ctx context.Context, plan *model.ExecutionPlan) (*PlanResult, error) {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	run, err := newPlanRun(plan)
	if err != nil {
		return nil, err
	}

	planCtx, cancel := context.WithTimeout(ctx, plan.Timeout)
	defer cancel()

	e.mu.Lock()
	e.active[plan.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, plan.ID)
		e.mu.Unlock()
	}()

	e.bus.Publish(events.PlanStarted, plan.ID, map[string]any{"name": plan.Name, "tasks": len(plan.Tasks)})
	slog.Info("Plan started", "plan_id", plan.ID, "name", plan.Name, "tasks", len(plan.Tasks))
	start := time.Now()

	for _, group := range run.groups {
		if planCtx.Err() != nil {
			break
		}
		e.runGroup(planCtx, run, group)
		if run.aborted() {
			break
		}
	}

	result := &PlanResult{
		PlanID:   plan.ID,
		Tasks:    run.snapshot(),
		Duration: time.Since(start),
	}
	switch {
	case planCtx.Err() != nil && ctx.Err() == nil && errors.Is(planCtx.Err(), context.Canceled):
		result.Status = PlanCancelled
		e.bus.Publish(events.PlanCancelled, plan.ID, nil)
	case run.failedCount() > 0 || planCtx.Err() != nil:
		result.Status = PlanFailed
		e.bus.Publish(events.PlanFailed, plan.ID, map[string]any{"failed": run.failedCount()})
	default:
		result.Status = PlanCompleted
		e.bus.Publish(events.PlanCompleted, plan.ID, map[string]any{"duration": result.Duration.String()})
	}
	slog.Info("Plan finished", "plan_id", plan.ID, "status", result.Status, "duration", result.Duration)
	return result, nil
}

// planRun is the mutable state of one execution.
type planRun struct {
	plan   *model.ExecutionPlan
	graph  *DependencyGraph
	groups []model.TaskGroup
	sem    *semaphore.Weighted

	mu     sync.Mutex
	tasks  map[string]*model.Task
	failed map[string]bool
	abort  bool
	waitCh chan struct{} // closed and replaced whenever a member turns terminal
}

// newPlanRun validates the plan and prepares run state. Members not claimed
// by any group form a trailing parallel group.
func newPlanRun(plan *model.ExecutionPlan) (*planRun, error) {
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidPlan)
	}
	if plan.MaxConcurrency < 1 {
		return nil, fmt.Errorf("%w: max concurrency must be at least 1", ErrInvalidPlan)
	}
	if plan.Timeout < minPlanTimeout {
		return nil, fmt.Errorf("%w: timeout must be at least %s", ErrInvalidPlan, minPlanTimeout)
	}

	tasks := make(map[string]*model.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if _, dup := tasks[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %s", ErrInvalidPlan, t.ID)
		}
		cp := *t
		cp.Status = model.TaskStatusPending
		tasks[t.ID] = &cp
	}

	graph, err := NewGraph(plan.Tasks, plan.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	claimed := make(map[string]bool)
	groups := make([]model.TaskGroup, 0, len(plan.Groups)+1)
	for _, g := range plan.Groups {
		for _, m := range g.Members {
			if _, ok := tasks[m]; !ok {
				return nil, fmt.Errorf("%w: group references unknown task %s", ErrInvalidPlan, m)
			}
			claimed[m] = true
		}
		groups = append(groups, g)
	}
	var rest []string
	for _, t := range plan.Tasks {
		if !claimed[t.ID] {
			rest = append(rest, t.ID)
		}
	}
	if len(rest) > 0 {
		groups = append(groups, model.TaskGroup{Type: model.GroupParallel, Members: rest})
	}

	return &planRun{
		plan:   plan,
		graph:  graph,
		groups: groups,
		sem:    semaphore.NewWeighted(int64(plan.MaxConcurrency)),
		tasks:  tasks,
		failed: make(map[string]bool),
		waitCh: make(chan struct{}),
	}, nil
}

func (e *Engine) runGroup(ctx context.Context, run *planRun, group model.TaskGroup) {
	switch group.Type {
	case model.GroupSequential:
		for _, id := range group.Members {
			if ctx.Err() != nil || run.aborted() {
				return
			}
			e.runMember(ctx, run, id)
		}

	case model.GroupConditional:
		if !expr.Eval(group.Condition, run.env()) {
			run.skipAll(group.Members, "condition not met")
			return
		}
		e.runParallel(ctx, run, group)

	default: // parallel
		e.runParallel(ctx, run, group)
	}
}

func (e *Engine) runParallel(ctx context.Context, run *planRun, group model.TaskGroup) {
	groupSem := run.sem
	if group.MaxConcurrency > 0 {
		groupSem = semaphore.NewWeighted(int64(group.MaxConcurrency))
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, id := range group.Members {
		id := id
		g.Go(func() error {
			// Wait for prerequisites before taking a permit so a blocked
			// member cannot starve runnable ones.
			if !e.awaitPrereqs(groupCtx, run, id) {
				return nil
			}
			if err := groupSem.Acquire(groupCtx, 1); err != nil {
				return nil
			}
			defer groupSem.Release(1)
			// Plan-wide bound still applies when the group has its own.
			if groupSem != run.sem {
				if err := run.sem.Acquire(groupCtx, 1); err != nil {
					return nil
				}
				defer run.sem.Release(1)
			}
			e.runMember(groupCtx, run, id)
			return nil
		})
	}
	_ = g.Wait()
}

// awaitPrereqs blocks until every prerequisite of id has completed. It
// returns false, marking the member failed, when a prerequisite turned
// terminal without completing or the context ended first.
func (e *Engine) awaitPrereqs(ctx context.Context, run *planRun, id string) bool {
	for {
		ch := run.changed()
		if failedDep := run.failedPrereq(id); failedDep != "" {
			run.fail(id, fmt.Sprintf("dependency %s did not complete", failedDep))
			e.bus.Publish(events.TaskFailed, id, map[string]any{"plan_id": run.plan.ID, "reason": "dependency"})
			return false
		}
		if run.prereqsDone(id) {
			return true
		}
		select {
		case <-ctx.Done():
			run.fail(id, ctx.Err().Error())
			return false
		case <-ch:
		}
	}
}

// runMember executes one task: prerequisites first, then a resource
// reservation, then a pool slot. Resource and worker shortages are waited
// out rather than failed.
func (e *Engine) runMember(ctx context.Context, run *planRun, id string) {
	task := run.task(id)
	if task == nil || task.Status.Terminal() {
		return
	}

	if !e.awaitPrereqs(ctx, run, id) {
		return
	}

	for {
		if err := e.monitor.Reserve(task); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			run.fail(id, ctx.Err().Error())
			return
		case <-time.After(reserveRetryInterval):
		}
	}
	defer e.monitor.Release(task)

	run.setStatus(id, model.TaskStatusRunning)
	e.bus.Publish(events.TaskStarted, id, map[string]any{"plan_id": run.plan.ID})
	start := time.Now()

	var result []byte
	var err error
	for attempt := 0; attempt < workerCheckoutAttempts; attempt++ {
		result, err = e.pool.ExecuteTask(ctx, task)
		if !errors.Is(err, ErrNoWorkers) {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(workerRetryInterval):
			continue
		}
		break
	}

	e.metrics.TaskDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		run.fail(id, err.Error())
		e.bus.Publish(events.TaskFailed, id, map[string]any{"plan_id": run.plan.ID, "error": err.Error()})
		if run.plan.Constraints.RollbackOnFailure {
			run.setAbort()
		}
		return
	}

	run.complete(id, result)
	e.bus.Publish(events.TaskCompleted, id, map[string]any{"plan_id": run.plan.ID})
}

func (r *planRun) task(id string) *model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[id]
}

func (r *planRun) setStatus(id string, status model.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.tasks[id]; t != nil {
		t.Status = status
		if status == model.TaskStatusRunning {
			now := time.Now()
			t.StartedAt = &now
		}
	}
}

func (r *planRun) complete(id string, result []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.tasks[id]; t != nil {
		t.Status = model.TaskStatusCompleted
		t.Result = result
		now := time.Now()
		t.CompletedAt = &now
	}
	r.graph.MarkCompleted(id)
	r.notifyLocked()
}

func (r *planRun) fail(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.tasks[id]; t != nil && !t.Status.Terminal() {
		t.Status = model.TaskStatusFailed
		t.Error = reason
		now := time.Now()
		t.CompletedAt = &now
	}
	r.failed[id] = true
	r.notifyLocked()
}

func (r *planRun) skipAll(ids []string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if t := r.tasks[id]; t != nil && !t.Status.Terminal() {
			t.Status = model.TaskStatusCancelled
			t.Error = reason
		}
	}
	r.notifyLocked()
}

// notifyLocked wakes every member waiting on a prerequisite. Callers hold r.mu.
func (r *planRun) notifyLocked() {
	close(r.waitCh)
	r.waitCh = make(chan struct{})
}

// changed returns a channel closed on the next terminal member transition.
func (r *planRun) changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitCh
}

func (r *planRun) failedPrereq(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := range r.graph.deps[id] {
		if r.failed[p] {
			return p
		}
		if t := r.tasks[p]; t != nil && t.Status == model.TaskStatusCancelled {
			return p
		}
	}
	return ""
}

func (r *planRun) prereqsDone(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := range r.graph.deps[id] {
		if !r.graph.Completed(p) {
			return false
		}
	}
	return true
}

// env exposes member outcomes to conditional groups as
// task_<id>_completed and task_<id>_failed.
func (r *planRun) env() expr.Env {
	r.mu.Lock()
	defer r.mu.Unlock()
	env := make(expr.MapEnv, len(r.tasks)*2)
	for id, t := range r.tasks {
		env["task_"+id+"_completed"] = t.Status == model.TaskStatusCompleted
		env["task_"+id+"_failed"] = t.Status == model.TaskStatusFailed
	}
	return env
}

func (r *planRun) failedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failed)
}

func (r *planRun) snapshot() map[string]*model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*model.Task, len(r.tasks))
	for id, t := range r.tasks {
		cp := *t
		out[id] = &cp
	}
	return out
}

func (r *planRun) setAbort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abort = true
}

func (r *planRun) aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abort
}
