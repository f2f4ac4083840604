package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
)

// instantScheduler resolves every submitted task before SubmitTask returns,
// the tightest outcome timing the executor can face.
type instantScheduler struct {
	bus       *events.Bus
	fail      bool
	submitErr error

	mu    sync.Mutex
	tasks map[string]*model.Task
}

func newInstantScheduler(bus *events.Bus) *instantScheduler {
	return &instantScheduler{bus: bus, tasks: map[string]*model.Task{}}
}

func (s *instantScheduler) SubmitTask(ctx context.Context, task *model.Task) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	done := *task
	if s.fail {
		done.Status = model.TaskStatusFailed
		done.Error = "agent crashed"
	} else {
		done.Status = model.TaskStatusCompleted
		done.Result = json.RawMessage(`{"ok":true}`)
	}
	s.mu.Lock()
	s.tasks[task.ID] = &done
	s.mu.Unlock()
	if s.fail {
		s.bus.Publish(events.TaskFailed, task.ID, map[string]any{"error": "agent crashed"})
	} else {
		s.bus.Publish(events.TaskCompleted, task.ID, nil)
	}
	return task.ID, nil
}

func (s *instantScheduler) CancelTask(ctx context.Context, taskID string) error { return nil }

func (s *instantScheduler) Task(ctx context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	return tk, nil
}

func TestDispatchExecutorCatchesImmediateCompletion(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sched := newInstantScheduler(bus)
	d := newDispatchExecutor(sched, sched, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := d.Execute(ctx, &model.Task{Type: "render", Priority: model.PriorityMedium})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestDispatchExecutorCatchesImmediateFailure(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sched := newInstantScheduler(bus)
	sched.fail = true
	d := newDispatchExecutor(sched, sched, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Execute(ctx, &model.Task{Type: "render"})
	require.ErrorContains(t, err, "agent crashed")
}

func TestDispatchExecutorUnregistersWaiterOnSubmitError(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sched := newInstantScheduler(bus)
	sched.submitErr = errors.New("queue unavailable")
	d := newDispatchExecutor(sched, sched, bus)

	_, err := d.Execute(context.Background(), &model.Task{Type: "render"})
	require.ErrorContains(t, err, "queue unavailable")

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.waiters)
}
