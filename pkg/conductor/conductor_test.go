package conductor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

// recordingDispatcher captures routed messages.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []*model.Message
}

func (d *recordingDispatcher) Send(_ context.Context, msg *model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fixture struct {
	conductor  *Conductor
	queue      *queue.Queue
	registry   *registry.Registry
	dispatcher *recordingDispatcher
	bus        *events.Bus
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Queue.RetryDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	metrics := telemetry.New()

	q := queue.New(st, &cfg.Queue, bus, metrics)
	reg := registry.New(st, bus, metrics, time.Minute)
	d := &recordingDispatcher{}

	c := New(&cfg.Scheduler, q, reg, d, bus, metrics)
	reg.OnUnregister(c.OnAgentLost)
	t.Cleanup(c.Stop)

	return &fixture{conductor: c, queue: q, registry: reg, dispatcher: d, bus: bus}
}

func (f *fixture) addAgent(t *testing.T, name string, maxConcurrency int, caps ...string) string {
	t.Helper()
	if len(caps) == 0 {
		caps = []string{"general"}
	}
	capabilities := make([]model.Capability, len(caps))
	for i, c := range caps {
		capabilities[i] = model.Capability{Type: c, MaxConcurrency: maxConcurrency}
	}
	id, err := f.registry.Register(context.Background(), &model.Agent{
		Name:         name,
		Type:         "worker",
		Capabilities: capabilities,
		Endpoints:    []model.Endpoint{{URL: "ws://localhost:9000/" + name}},
	})
	require.NoError(t, err)
	return id
}

func submittable(id string, caps ...string) *model.Task {
	return &model.Task{
		ID:                   id,
		Type:                 "test",
		Priority:             model.PriorityMedium,
		RequiredCapabilities: caps,
	}
}

func retries(n int) *int { return &n }

func TestDispatchAssignsToCapableAgent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	started := f.bus.Subscribe(4, events.TaskStarted)

	gpuAgent := f.addAgent(t, "gpu-1", 2, "gpu")
	f.addAgent(t, "cpu-1", 2, "cpu")

	_, err := f.conductor.SubmitTask(ctx, submittable("t1", "gpu"))
	require.NoError(t, err)
	require.NoError(t, f.conductor.dispatch(ctx))

	assert.Equal(t, map[string]string{"t1": gpuAgent}, f.conductor.Assignments())

	got, err := f.queue.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, got.Status)
	assert.Equal(t, gpuAgent, got.AssignedAgent)

	select {
	case ev := <-started:
		assert.Equal(t, "t1", ev.Subject)
		assert.Equal(t, gpuAgent, ev.Fields["agent_id"])
	case <-time.After(time.Second):
		t.Fatal("taskStarted never emitted")
	}

	agent, err := f.registry.Agent(gpuAgent)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, agent.CurrentTasks)
	assert.Equal(t, model.AgentStatusBusy, agent.Status)
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestNoCandidateLeavesTaskQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.addAgent(t, "cpu-1", 2, "cpu")

	_, err := f.conductor.SubmitTask(ctx, submittable("t1", "gpu"))
	require.NoError(t, err)
	require.NoError(t, f.conductor.dispatch(ctx))

	assert.Empty(t, f.conductor.Assignments())
	depths, err := f.queue.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths["ready"])
}

func TestCompletionRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	agentID := f.addAgent(t, "w1", 2)
	_, err := f.conductor.SubmitTask(ctx, submittable("t1"))
	require.NoError(t, err)
	require.NoError(t, f.conductor.dispatch(ctx))

	require.NoError(t, f.conductor.HandleCompletion(ctx, "t1", json.RawMessage(`{"out":1}`)))
	assert.Empty(t, f.conductor.Assignments())

	got, err := f.queue.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)

	agent, err := f.registry.Agent(agentID)
	require.NoError(t, err)
	assert.Empty(t, agent.CurrentTasks)
	assert.Equal(t, model.AgentStatusIdle, agent.Status)
	assert.Equal(t, 1, agent.Performance.TasksCompleted)

	assert.ErrorIs(t, f.conductor.HandleCompletion(ctx, "t1", nil), ErrTaskNotAssigned)
}

func TestFailureGoesBackThroughRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.addAgent(t, "w1", 2)
	task := submittable("t1")
	task.Constraints.MaxRetries = retries(1)
	_, err := f.conductor.SubmitTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, f.conductor.dispatch(ctx))

	require.NoError(t, f.conductor.HandleFailure(ctx, "t1", "agent exploded"))

	got, err := f.queue.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.ScheduledFor, "first failure should schedule a retry")
}

func TestAssignmentTimeoutFailsTask(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Scheduler.TaskTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	f.addAgent(t, "w1", 2)
	task := submittable("t1")
	task.Constraints.MaxRetries = retries(0)
	_, err := f.conductor.SubmitTask(ctx, task)
	require.NoError(t, err)
	require.NoError(t, f.conductor.dispatch(ctx))
	require.Len(t, f.conductor.Assignments(), 1)

	require.Eventually(t, func() bool {
		got, err := f.queue.Task(ctx, "t1")
		return err == nil && got.Status == model.TaskStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.conductor.Assignments())
}

func TestAgentLossRequeuesAssignments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	agentID := f.addAgent(t, "doomed", 4)
	for _, id := range []string{"t1", "t2"} {
		_, err := f.conductor.SubmitTask(ctx, submittable(id))
		require.NoError(t, err)
	}
	require.NoError(t, f.conductor.dispatch(ctx))
	require.Len(t, f.conductor.Assignments(), 2)

	require.NoError(t, f.registry.Unregister(ctx, agentID))

	assert.Empty(t, f.conductor.Assignments())
	depths, err := f.queue.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depths["ready"])
	assert.EqualValues(t, 0, depths["processing"])
}

func TestCancelNotifiesAssignedAgent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.addAgent(t, "w1", 2)
	_, err := f.conductor.SubmitTask(ctx, submittable("t1"))
	require.NoError(t, err)
	require.NoError(t, f.conductor.dispatch(ctx))

	require.NoError(t, f.conductor.CancelTask(ctx, "t1"))

	got, err := f.queue.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)

	f.dispatcher.mu.Lock()
	last := f.dispatcher.sent[len(f.dispatcher.sent)-1]
	f.dispatcher.mu.Unlock()
	assert.Equal(t, model.MessageSystem, last.Type)
}

func TestUnassignableTaskStopsDispatchPass(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.addAgent(t, "cpu-1", 2, "cpu")

	urgent := submittable("urgent", "gpu")
	urgent.Priority = model.PriorityCritical
	_, err := f.conductor.SubmitTask(ctx, urgent)
	require.NoError(t, err)
	_, err = f.conductor.SubmitTask(ctx, submittable("routine", "cpu"))
	require.NoError(t, err)

	require.NoError(t, f.conductor.dispatch(ctx))

	// The unassignable head-of-queue task ends the pass before the cpu task
	// is considered; both return to ready.
	assert.Empty(t, f.conductor.Assignments())
	depths, err := f.queue.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depths["ready"])
	assert.EqualValues(t, 0, depths["processing"])
}

func TestStaleReapClearsAssignment(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Queue.VisibilityTimeout = 20 * time.Millisecond
		c.Scheduler.TickInterval = time.Hour
	})
	ctx := context.Background()

	agentID := f.addAgent(t, "w1", 1)
	f.conductor.Start(ctx)

	_, err := f.conductor.SubmitTask(ctx, submittable("t1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(f.conductor.Assignments()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	reaped, err := f.queue.ReapStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, reaped)

	// The stale watcher unlinks the dead assignment and frees the agent, so
	// the follow-up pass hands the task out again exactly once.
	require.Eventually(t, func() bool {
		if f.conductor.Assignments()["t1"] != agentID {
			return false
		}
		agent, err := f.registry.Agent(agentID)
		return err == nil && len(agent.CurrentTasks) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStrategyBalancedPrefersReliableIdleAgents(t *testing.T) {
	agents := []*model.Agent{
		{
			ID: "loaded", Status: model.AgentStatusBusy,
			Capabilities: []model.Capability{{Type: "general", MaxConcurrency: 10}},
			CurrentTasks: []string{"a", "b", "c", "d"},
			Performance:  model.Performance{SuccessRate: 0.9},
		},
		{
			ID: "fresh", Status: model.AgentStatusIdle,
			Capabilities: []model.Capability{{Type: "general", MaxConcurrency: 10}},
			Performance:  model.Performance{SuccessRate: 0.9},
		},
		{
			ID: "flaky", Status: model.AgentStatusIdle,
			Capabilities: []model.Capability{{Type: "general", MaxConcurrency: 10}},
			Performance:  model.Performance{SuccessRate: 0.2},
		},
		{
			ID: "offline", Status: model.AgentStatusOffline,
			Capabilities: []model.Capability{{Type: "general", MaxConcurrency: 10}},
			Performance:  model.Performance{SuccessRate: 1},
		},
	}

	ranked := rank(agents, config.StrategyBalanced, config.CapacityPrimary, nil)
	require.Len(t, ranked, 3, "offline agent must be filtered")
	assert.Equal(t, "fresh", ranked[0].ID)
	assert.Equal(t, "loaded", ranked[1].ID)
	assert.Equal(t, "flaky", ranked[2].ID)
}

func TestStrategyPerformancePicksHighestSuccessRate(t *testing.T) {
	agents := []*model.Agent{
		{
			ID: "steady", Status: model.AgentStatusIdle,
			Capabilities: []model.Capability{{Type: "general", MaxConcurrency: 4}},
			Performance:  model.Performance{SuccessRate: 0.95, AvgExecutionTime: time.Minute},
		},
		{
			ID: "quick", Status: model.AgentStatusIdle,
			Capabilities: []model.Capability{{Type: "general", MaxConcurrency: 4}},
			Performance:  model.Performance{SuccessRate: 0.8},
		},
	}

	ranked := rank(agents, config.StrategyPerformance, config.CapacityPrimary, nil)
	require.Len(t, ranked, 2)
	assert.Equal(t, "steady", ranked[0].ID, "execution time must not outweigh success rate")
}

func TestStrategyCostOptimizedPicksLeastLoaded(t *testing.T) {
	agents := []*model.Agent{
		{
			ID: "busy", Status: model.AgentStatusBusy,
			Capabilities: []model.Capability{{Type: "general", MaxConcurrency: 8}},
			CurrentTasks: []string{"a", "b", "c"},
			Health:       model.HealthGauges{CPU: 1},
		},
		{
			ID: "light", Status: model.AgentStatusBusy,
			Capabilities: []model.Capability{{Type: "general", MaxConcurrency: 8}},
			CurrentTasks: []string{"a"},
			Health:       model.HealthGauges{CPU: 95},
		},
	}

	ranked := rank(agents, config.StrategyCostOptimized, config.CapacityPrimary, nil)
	require.Len(t, ranked, 2)
	assert.Equal(t, "light", ranked[0].ID, "only the current task count orders cost-optimized")
}

func TestCapacityPolicyPerCapability(t *testing.T) {
	a := &model.Agent{
		ID: "multi", Status: model.AgentStatusBusy,
		Capabilities: []model.Capability{
			{Type: "general", MaxConcurrency: 8},
			{Type: "gpu", MaxConcurrency: 1},
		},
		CurrentTasks: []string{"t1"},
	}

	// Primary policy sees headroom (1 of 8); per-capability is bounded by
	// the gpu capability's limit of 1.
	assert.Len(t, rank([]*model.Agent{a}, config.StrategyBalanced, config.CapacityPrimary, []string{"gpu"}), 1)
	assert.Empty(t, rank([]*model.Agent{a}, config.StrategyBalanced, config.CapacityPerCapability, []string{"gpu"}))
}

func TestSchedulingLoopAssignsOnTick(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Scheduler.TickInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	f.addAgent(t, "w1", 2)
	f.conductor.Start(ctx)

	_, err := f.conductor.SubmitTask(ctx, submittable("t1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.conductor.Assignments()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkflowStagedEnqueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	done := f.bus.Subscribe(4, events.BatchCompleted)

	f.addAgent(t, "w1", 4)

	wf := &model.Workflow{
		Name: "pipeline",
		Tasks: []*model.Task{
			submittable("build"), submittable("test"), submittable("deploy"),
		},
		Dependencies: map[string][]string{
			"test":   {"build"},
			"deploy": {"test"},
		},
	}
	wfID, err := f.conductor.SubmitWorkflow(ctx, wf)
	require.NoError(t, err)

	// Only the root is ready; dependents wait for completions.
	require.NoError(t, f.conductor.dispatch(ctx))
	assert.Equal(t, []string{"build"}, keysOf(f.conductor.Assignments()))

	require.NoError(t, f.conductor.HandleCompletion(ctx, "build", nil))
	require.NoError(t, f.conductor.dispatch(ctx))
	assert.Equal(t, []string{"test"}, keysOf(f.conductor.Assignments()))

	require.NoError(t, f.conductor.HandleCompletion(ctx, "test", nil))
	require.NoError(t, f.conductor.dispatch(ctx))
	require.NoError(t, f.conductor.HandleCompletion(ctx, "deploy", nil))

	select {
	case ev := <-done:
		assert.Equal(t, wfID, ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("workflow batch never completed")
	}
}

func TestWorkflowFailureStrandsDependents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.addAgent(t, "w1", 4)

	build := submittable("build")
	build.Constraints.MaxRetries = retries(0)
	wf := &model.Workflow{
		Name:         "pipeline",
		Tasks:        []*model.Task{build, submittable("deploy")},
		Dependencies: map[string][]string{"deploy": {"build"}},
	}
	_, err := f.conductor.SubmitWorkflow(ctx, wf)
	require.NoError(t, err)

	require.NoError(t, f.conductor.dispatch(ctx))
	require.NoError(t, f.conductor.HandleFailure(ctx, "build", "boom"))

	got, err := f.queue.Task(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)
	assert.Equal(t, "workflow dependency failed", got.Error)
}

func TestWorkflowValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.conductor.SubmitWorkflow(ctx, &model.Workflow{Name: "empty"})
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	cyclic := &model.Workflow{
		Name:         "cyclic",
		Tasks:        []*model.Task{submittable("a"), submittable("b")},
		Dependencies: map[string][]string{"a": {"b"}, "b": {"a"}},
	}
	_, err = f.conductor.SubmitWorkflow(ctx, cyclic)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
