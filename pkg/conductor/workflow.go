package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/engine"
	"github.com/agentplane/agentplane/pkg/model"
)

// workflowTracker expands workflows into staged task submissions: a member
// is enqueued only once every prerequisite has completed.
type workflowTracker struct {
	mu       sync.Mutex
	runs     map[string]*workflowRun
	memberOf map[string]string // task id -> workflow id
}

type workflowRun struct {
	workflow *model.Workflow
	graph    *engine.DependencyGraph
	tasks    map[string]*model.Task
	enqueued map[string]bool
	failed   map[string]bool
	done     int
}

func newWorkflowTracker() *workflowTracker {
	return &workflowTracker{
		runs:     make(map[string]*workflowRun),
		memberOf: make(map[string]string),
	}
}

// SubmitWorkflow validates the workflow, registers its batch, and enqueues
// every member with no prerequisites. The rest follow as dependencies
// complete. Returns the workflow id.
func (c *Conductor) SubmitWorkflow(ctx context.Context, wf *model.Workflow) (string, error) {
	if wf.Name == "" || len(wf.Tasks) == 0 {
		return "", fmt.Errorf("%w: name and at least one task are required", ErrInvalidWorkflow)
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}

	tasks := make(map[string]*model.Task, len(wf.Tasks))
	ids := make([]string, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if _, dup := tasks[t.ID]; dup {
			return "", fmt.Errorf("%w: duplicate task id %s", ErrInvalidWorkflow, t.ID)
		}
		t.BatchID = wf.ID
		tasks[t.ID] = t
		ids = append(ids, t.ID)
	}

	graph, err := engine.NewGraph(wf.Tasks, wf.Dependencies)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	if err := c.queue.RegisterBatch(ctx, wf.ID, ids); err != nil {
		return "", err
	}

	run := &workflowRun{
		workflow: wf,
		graph:    graph,
		tasks:    tasks,
		enqueued: make(map[string]bool),
		failed:   make(map[string]bool),
	}
	c.workflows.mu.Lock()
	c.workflows.runs[wf.ID] = run
	for _, id := range ids {
		c.workflows.memberOf[id] = wf.ID
	}
	ready := run.readyToEnqueue()
	c.workflows.mu.Unlock()

	slog.Info("Workflow submitted", "workflow_id", wf.ID, "name", wf.Name, "tasks", len(ids))
	c.enqueueMembers(ctx, run, ready)
	c.kick()
	return wf.ID, nil
}

// CancelWorkflow cancels every non-terminal member and drops the run.
func (c *Conductor) CancelWorkflow(ctx context.Context, workflowID string) error {
	c.workflows.mu.Lock()
	run, ok := c.workflows.runs[workflowID]
	if ok {
		delete(c.workflows.runs, workflowID)
		for id := range run.tasks {
			delete(c.workflows.memberOf, id)
		}
	}
	c.workflows.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrInvalidWorkflow, workflowID)
	}

	for id := range run.tasks {
		if err := c.CancelTask(ctx, id); err != nil {
			slog.Debug("Workflow member cancel skipped", "task_id", id, "error", err)
		}
	}
	return nil
}

// onTerminal advances the workflow a member belongs to, enqueueing any
// members that just became unblocked. Failed members strand their
// dependents, which are cancelled so the batch can settle.
func (t *workflowTracker) onTerminal(ctx context.Context, c *Conductor, taskID string, success bool) {
	t.mu.Lock()
	wfID, ok := t.memberOf[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.memberOf, taskID)
	run := t.runs[wfID]
	if run == nil {
		t.mu.Unlock()
		return
	}
	run.done++

	var toEnqueue, toCancel []string
	if success {
		for _, id := range run.graph.MarkCompleted(taskID) {
			if !run.enqueued[id] {
				run.enqueued[id] = true
				toEnqueue = append(toEnqueue, id)
			}
		}
	} else {
		run.failed[taskID] = true
		for _, id := range run.graph.Blocked(run.failed) {
			if !run.enqueued[id] {
				run.enqueued[id] = true
				run.done++
				toCancel = append(toCancel, id)
			}
		}
	}

	finished := run.done >= len(run.tasks)
	if finished {
		delete(t.runs, wfID)
		for id := range run.tasks {
			delete(t.memberOf, id)
		}
	}
	t.mu.Unlock()

	c.enqueueMembers(ctx, run, toEnqueue)
	for _, id := range toCancel {
		// Stranded members were never enqueued; save a record first so the
		// cancel lands and the batch can settle.
		task := run.tasks[id]
		task.Error = "workflow dependency failed"
		if err := c.queue.SaveTask(ctx, task); err != nil {
			slog.Error("Failed to record stranded workflow member", "task_id", id, "error", err)
			continue
		}
		if err := c.queue.Cancel(ctx, id); err != nil {
			slog.Error("Failed to cancel stranded workflow member", "task_id", id, "error", err)
		}
	}
	if finished {
		slog.Info("Workflow settled", "workflow_id", wfID, "tasks", len(run.tasks), "failed", len(run.failed))
	}
}

// readyToEnqueue returns unenqueued members with all prerequisites done,
// marking them enqueued. Callers hold the tracker lock.
func (r *workflowRun) readyToEnqueue() []string {
	var out []string
	for _, id := range r.graph.Ready() {
		if !r.enqueued[id] {
			r.enqueued[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (c *Conductor) enqueueMembers(ctx context.Context, run *workflowRun, ids []string) {
	for _, id := range ids {
		task := run.tasks[id]
		if task.Priority == "" {
			task.Priority = model.PriorityMedium
		}
		if task.Constraints.Timeout <= 0 {
			task.Constraints.Timeout = c.cfg.TaskTimeout
		}
		if err := c.queue.Enqueue(ctx, task); err != nil {
			slog.Error("Failed to enqueue workflow member", "task_id", id, "error", err)
		}
	}
}
