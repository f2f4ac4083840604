// Package conductor is the scheduling core: it drains the priority queue,
// matches tasks to capable agents under the configured allocation strategy
// and capacity policy, dispatches assignments over the router, and watches
// assignment timeouts. Agent loss returns in-flight work to the front of
// the queue.
package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

// Conductor errors.
var (
	// ErrTaskNotAssigned indicates a completion report for a task the
	// conductor is not tracking.
	ErrTaskNotAssigned = errors.New("task not assigned")

	// ErrInvalidWorkflow indicates the workflow failed validation.
	ErrInvalidWorkflow = errors.New("invalid workflow")
)

// AgentPool is the subset of the registry the conductor uses.
type AgentPool interface {
	Discover(query registry.Query) []*model.Agent
	AddTask(ctx context.Context, agentID, taskID string) error
	RemoveTask(ctx context.Context, agentID, taskID string, duration time.Duration, success bool)
}

// Dispatcher is the subset of the router the conductor uses.
type Dispatcher interface {
	Send(ctx context.Context, msg *model.Message) error
}

type assignment struct {
	agentID string
	started time.Time
	timer   *time.Timer
}

// Conductor drives scheduling.
type Conductor struct {
	cfg     *config.SchedulerConfig
	queue   *queue.Queue
	agents  AgentPool
	router  Dispatcher
	bus     *events.Bus
	metrics *telemetry.Metrics

	mu          sync.Mutex
	assignments map[string]*assignment
	workflows   *workflowTracker

	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a conductor.
func New(cfg *config.SchedulerConfig, q *queue.Queue, agents AgentPool, router Dispatcher, bus *events.Bus, metrics *telemetry.Metrics) *Conductor {
	return &Conductor{
		cfg:         cfg,
		queue:       q,
		agents:      agents,
		router:      router,
		bus:         bus,
		metrics:     metrics,
		assignments: make(map[string]*assignment),
		workflows:   newWorkflowTracker(),
		trigger:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the scheduling loop and the stale-task watcher.
func (c *Conductor) Start(ctx context.Context) {
	stale := c.bus.Subscribe(64, events.TaskStale)
	c.wg.Add(2)
	go c.loop(ctx)
	go c.watchStale(ctx, stale)
	slog.Info("Conductor started",
		"tick_interval", c.cfg.TickInterval,
		"max_concurrent_tasks", c.cfg.MaxConcurrentTasks,
		"strategy", c.cfg.ResourceAllocationStrategy)
}

// Stop terminates the loop and cancels assignment timers. In-flight
// assignments stay in the processing lane for the reaper to recover.
func (c *Conductor) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	for _, a := range c.assignments {
		a.timer.Stop()
	}
	c.mu.Unlock()
	slog.Info("Conductor stopped")
}

// SubmitTask admits a task for scheduling and returns its id. Defaults are
// filled for priority, timeout, and retry budget.
func (c *Conductor) SubmitTask(ctx context.Context, task *model.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == "" {
		task.Priority = model.PriorityMedium
	}
	if task.Constraints.Timeout <= 0 {
		task.Constraints.Timeout = c.cfg.TaskTimeout
	}

	if err := c.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	c.bus.Publish(events.TaskSubmitted, task.ID, map[string]any{"type": task.Type, "priority": string(task.Priority)})
	c.kick()
	return task.ID, nil
}

// CancelTask cancels a task wherever it is. An assigned agent is told to
// stop via a system message.
func (c *Conductor) CancelTask(ctx context.Context, taskID string) error {
	c.mu.Lock()
	a, assigned := c.assignments[taskID]
	if assigned {
		a.timer.Stop()
		delete(c.assignments, taskID)
	}
	c.mu.Unlock()

	if err := c.queue.Cancel(ctx, taskID); err != nil {
		return err
	}
	if assigned {
		c.agents.RemoveTask(ctx, a.agentID, taskID, time.Since(a.started), false)
		c.notifyCancel(ctx, a.agentID, taskID)
	}
	return nil
}

// HandleCompletion records a successful execution reported by an agent.
func (c *Conductor) HandleCompletion(ctx context.Context, taskID string, result json.RawMessage) error {
	a, err := c.takeAssignment(taskID)
	if err != nil {
		return err
	}
	if err := c.queue.Complete(ctx, taskID, result); err != nil {
		return err
	}
	c.agents.RemoveTask(ctx, a.agentID, taskID, time.Since(a.started), true)
	c.workflows.onTerminal(ctx, c, taskID, true)
	c.kick()
	return nil
}

// HandleFailure records a failed execution reported by an agent. The queue
// decides between retry and dead letter.
func (c *Conductor) HandleFailure(ctx context.Context, taskID, reason string) error {
	a, err := c.takeAssignment(taskID)
	if err != nil {
		return err
	}
	if err := c.queue.Fail(ctx, taskID, reason); err != nil {
		return err
	}
	c.agents.RemoveTask(ctx, a.agentID, taskID, time.Since(a.started), false)
	c.finishIfDead(ctx, taskID)
	c.kick()
	return nil
}

// OnAgentLost returns every task assigned to the agent to the front of the
// queue. Wired as a registry unregister hook and a disconnect subscriber.
func (c *Conductor) OnAgentLost(ctx context.Context, agentID string) {
	c.mu.Lock()
	var lost []string
	for taskID, a := range c.assignments {
		if a.agentID == agentID {
			a.timer.Stop()
			delete(c.assignments, taskID)
			lost = append(lost, taskID)
		}
	}
	c.mu.Unlock()

	for _, taskID := range lost {
		if err := c.queue.Requeue(ctx, taskID); err != nil {
			slog.Error("Failed to requeue task from lost agent", "task_id", taskID, "agent_id", agentID, "error", err)
		}
	}
	if len(lost) > 0 {
		slog.Warn("Requeued tasks from lost agent", "agent_id", agentID, "count", len(lost))
		c.kick()
	}
}

// Assignments returns a snapshot of task to agent links.
func (c *Conductor) Assignments() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.assignments))
	for taskID, a := range c.assignments {
		out[taskID] = a.agentID
	}
	return out
}

// kick nudges the loop without waiting for the next tick.
func (c *Conductor) kick() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Conductor) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		if err := c.dispatch(ctx); err != nil {
			slog.Error("Dispatch pass failed", "error", err)
		}
	}
}

// watchStale drops assignments for tasks the queue reaper has already
// returned to ready, so the stale timer cannot fail a later reassignment and
// the old agent's task list is cleaned up before the task is handed out again.
func (c *Conductor) watchStale(ctx context.Context, stale <-chan events.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-stale:
			if !ok {
				return
			}
			c.dropStale(ev.Subject)
		}
	}
}

func (c *Conductor) dropStale(taskID string) {
	c.mu.Lock()
	a, ok := c.assignments[taskID]
	if ok {
		a.timer.Stop()
		delete(c.assignments, taskID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.agents.RemoveTask(ctx, a.agentID, taskID, time.Since(a.started), false)
	slog.Warn("Cleared assignment for reaped task", "task_id", taskID, "agent_id", a.agentID)
	c.kick()
}

// dispatch drains the queue up to the concurrency headroom and assigns each
// claimed task to the best candidate agent. A task with no candidate stops
// the pass; it and the rest of the batch go back to the head of the queue.
func (c *Conductor) dispatch(ctx context.Context) error {
	c.mu.Lock()
	headroom := c.cfg.MaxConcurrentTasks - len(c.assignments)
	c.mu.Unlock()
	if headroom <= 0 {
		return nil
	}

	batch, err := c.queue.DequeueBatch(ctx, headroom, nil)
	if err != nil {
		return err
	}

	for i, task := range batch {
		if err := c.assign(ctx, task); err != nil {
			// No candidate for the highest-priority task ends the pass; the
			// rest of the batch goes back so nothing sits in processing.
			slog.Debug("Dispatch pass stopped", "task_id", task.ID, "error", err)
			for _, t := range batch[i:] {
				if err := c.queue.Requeue(ctx, t.ID); err != nil {
					slog.Error("Failed to requeue unassigned task", "task_id", t.ID, "error", err)
				}
			}
			break
		}
	}
	return nil
}

// assign picks an agent and hands the task over.
func (c *Conductor) assign(ctx context.Context, task *model.Task) error {
	candidates := c.agents.Discover(registry.Query{Capabilities: task.RequiredCapabilities})
	ranked := rank(candidates, c.cfg.ResourceAllocationStrategy, c.cfg.CapacityPolicy, task.RequiredCapabilities)
	if len(ranked) == 0 {
		return fmt.Errorf("no candidate agent for task %s", task.ID)
	}

	for _, agent := range ranked {
		if err := c.agents.AddTask(ctx, agent.ID, task.ID); err != nil {
			continue
		}

		task.Status = model.TaskStatusAssigned
		task.AssignedAgent = agent.ID
		if err := c.queue.SaveTask(ctx, task); err != nil {
			c.agents.RemoveTask(ctx, agent.ID, task.ID, 0, false)
			return err
		}

		c.mu.Lock()
		if old, ok := c.assignments[task.ID]; ok {
			// A reassignment after a reap must not leave the old timer armed.
			old.timer.Stop()
		}
		c.assignments[task.ID] = &assignment{
			agentID: agent.ID,
			started: time.Now(),
			timer:   time.AfterFunc(task.Constraints.Timeout, func() { c.onTimeout(task.ID) }),
		}
		c.mu.Unlock()

		c.sendAssignment(ctx, agent.ID, task)
		c.bus.Publish(events.TaskAssigned, task.ID, map[string]any{"agent_id": agent.ID})

		task.Status = model.TaskStatusRunning
		if err := c.queue.SaveTask(ctx, task); err != nil {
			slog.Error("Failed to mark task running", "task_id", task.ID, "error", err)
		}
		c.bus.Publish(events.TaskStarted, task.ID, map[string]any{"agent_id": agent.ID})
		slog.Info("Task assigned", "task_id", task.ID, "agent_id", agent.ID, "type", task.Type)
		return nil
	}
	return fmt.Errorf("all candidates at capacity for task %s", task.ID)
}

// onTimeout fires when an assignment outlives its execution timeout.
func (c *Conductor) onTimeout(taskID string) {
	c.mu.Lock()
	a, ok := c.assignments[taskID]
	if ok {
		delete(c.assignments, taskID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Warn("Assignment timed out", "task_id", taskID, "agent_id", a.agentID)
	c.agents.RemoveTask(ctx, a.agentID, taskID, time.Since(a.started), false)
	if err := c.queue.Fail(ctx, taskID, "execution timeout"); err != nil {
		slog.Error("Failed to fail timed-out task", "task_id", taskID, "error", err)
		return
	}
	c.finishIfDead(ctx, taskID)
	c.kick()
}

func (c *Conductor) takeAssignment(taskID string) (*assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assignments[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotAssigned, taskID)
	}
	a.timer.Stop()
	delete(c.assignments, taskID)
	return a, nil
}

// finishIfDead marks the workflow member failed once the queue has given up
// on it (no retry pending).
func (c *Conductor) finishIfDead(ctx context.Context, taskID string) {
	task, err := c.queue.Task(ctx, taskID)
	if err != nil {
		return
	}
	if task.Status == model.TaskStatusFailed {
		c.workflows.onTerminal(ctx, c, taskID, false)
	}
}

func (c *Conductor) sendAssignment(ctx context.Context, agentID string, task *model.Task) {
	payload, err := json.Marshal(task)
	if err != nil {
		return
	}
	msg := &model.Message{
		Type:          model.MessageRequest,
		From:          "conductor",
		To:            []string{agentID},
		Payload:       payload,
		CorrelationID: task.ID,
		Priority:      task.Priority,
	}
	if err := c.router.Send(ctx, msg); err != nil {
		slog.Warn("Assignment dispatch failed, agent will be reaped if silent", "task_id", task.ID, "agent_id", agentID, "error", err)
	}
}

func (c *Conductor) notifyCancel(ctx context.Context, agentID, taskID string) {
	payload, _ := json.Marshal(map[string]string{"op": "cancel", "task_id": taskID})
	msg := &model.Message{
		Type:    model.MessageSystem,
		From:    "conductor",
		To:      []string{agentID},
		Payload: payload,
	}
	if err := c.router.Send(ctx, msg); err != nil {
		slog.Warn("Cancel notification failed", "task_id", taskID, "agent_id", agentID, "error", err)
	}
}
