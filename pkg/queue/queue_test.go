package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

func newTestQueue(t *testing.T, mutate func(*config.QueueConfig)) (*Queue, *events.Bus) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default().Queue
	if mutate != nil {
		mutate(&cfg)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return New(st, &cfg, bus, telemetry.New()), bus
}

func retries(n int) *int { return &n }

func task(id string, priority model.TaskPriority) *model.Task {
	return &model.Task{
		ID:       id,
		Type:     "test",
		Priority: priority,
		Constraints: model.TaskConstraints{
			MaxRetries: retries(2),
			Timeout:    time.Minute,
		},
	}
}

func TestPriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("low", model.PriorityLow)))
	require.NoError(t, q.Enqueue(ctx, task("critical", model.PriorityCritical)))
	require.NoError(t, q.Enqueue(ctx, task("medium", model.PriorityMedium)))
	require.NoError(t, q.Enqueue(ctx, task("high", model.PriorityHigh)))

	batch, err := q.DequeueBatch(ctx, 4, nil)
	require.NoError(t, err)
	require.Len(t, batch, 4)

	got := []string{batch[0].ID, batch[1].ID, batch[2].ID, batch[3].ID}
	assert.Equal(t, []string{"critical", "high", "medium", "low"}, got)
}

func TestFIFOWithinPriorityClass(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"first", "second", "third"} {
		tk := task(id, model.PriorityMedium)
		tk.CreatedAt = now
		require.NoError(t, q.Enqueue(ctx, tk))
	}

	batch, err := q.DequeueBatch(ctx, 3, nil)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "first", batch[0].ID)
	assert.Equal(t, "second", batch[1].ID)
	assert.Equal(t, "third", batch[2].ID)
}

func TestCapabilityFilteredDequeue(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	gpu := task("gpu-task", model.PriorityHigh)
	gpu.RequiredCapabilities = []string{"gpu"}
	require.NoError(t, q.Enqueue(ctx, gpu))

	plain := task("plain-task", model.PriorityLow)
	require.NoError(t, q.Enqueue(ctx, plain))

	batch, err := q.DequeueBatch(ctx, 2, []string{"cpu"})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	// Empty requirement set is claimable by any agent.
	assert.Equal(t, "plain-task", batch[0].ID)
}

func TestCompleteRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("t1", model.PriorityMedium)))
	batch, err := q.DequeueBatch(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NotNil(t, batch[0].StartedAt)

	require.NoError(t, q.Complete(ctx, "t1", json.RawMessage(`{"ok":true}`)))

	got, err := q.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths["ready"]+depths["processing"]+depths["delayed"]+depths["dead_letter"])
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q, bus := newTestQueue(t, func(c *config.QueueConfig) {
		c.RetryDelay = 10 * time.Millisecond
	})
	retries := bus.Subscribe(8, events.TaskRetry)
	failures := bus.Subscribe(8, events.TaskFailed)
	ctx := context.Background()

	tk := task("flaky", model.PriorityHigh) // MaxRetries = 2
	require.NoError(t, q.Enqueue(ctx, tk))

	for attempt := 1; attempt <= 3; attempt++ {
		var batch []*model.Task
		var err error
		// Retried tasks sit in delayed until their backoff elapses.
		require.Eventually(t, func() bool {
			if _, err := q.PromoteDelayed(ctx); err != nil {
				return false
			}
			batch, err = q.DequeueBatch(ctx, 1, nil)
			return err == nil && len(batch) == 1
		}, 2*time.Second, 5*time.Millisecond, "attempt %d never became ready", attempt)

		require.NoError(t, q.Fail(ctx, "flaky", "boom"))
	}

	got, err := q.Task(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Len(t, retries, 2)
	assert.Len(t, failures, 1)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths["dead_letter"])
}

func TestRetryBudgetDefaultsFromConfig(t *testing.T) {
	q, _ := newTestQueue(t, func(c *config.QueueConfig) {
		c.MaxRetries = 1
		c.RetryDelay = 10 * time.Millisecond
	})
	ctx := context.Background()

	unset := task("unset", model.PriorityMedium)
	unset.Constraints.MaxRetries = nil
	require.NoError(t, q.Enqueue(ctx, unset))
	require.NoError(t, q.Fail(ctx, "unset", "boom"))

	got, err := q.Task(ctx, "unset")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status, "first failure should consume the configured budget")
	assert.Equal(t, 1, got.RetryCount)

	require.NoError(t, q.Fail(ctx, "unset", "boom"))
	got, err = q.Task(ctx, "unset")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)

	// Explicit zero means no retries regardless of the default.
	none := task("none", model.PriorityMedium)
	none.Constraints.MaxRetries = retries(0)
	require.NoError(t, q.Enqueue(ctx, none))
	require.NoError(t, q.Fail(ctx, "none", "boom"))

	got, err = q.Task(ctx, "none")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
}

func TestRetryBackoffIsExponential(t *testing.T) {
	base := 100 * time.Millisecond
	q, _ := newTestQueue(t, func(c *config.QueueConfig) { c.RetryDelay = base })
	ctx := context.Background()

	tk := task("t", model.PriorityMedium)
	tk.Constraints.MaxRetries = retries(3)
	require.NoError(t, q.Enqueue(ctx, tk))

	var prev time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		before := time.Now()
		require.NoError(t, q.Fail(ctx, "t", "err"))

		got, err := q.Task(ctx, "t")
		require.NoError(t, err)
		require.NotNil(t, got.ScheduledFor)

		wantMin := base << (attempt - 1)
		assert.GreaterOrEqual(t, got.ScheduledFor.Sub(before), wantMin-time.Millisecond,
			"retry %d delay below base*2^(n-1)", attempt)
		if !prev.IsZero() {
			assert.True(t, got.ScheduledFor.After(prev))
		}
		prev = *got.ScheduledFor
	}
}

func TestQueueFull(t *testing.T) {
	q, _ := newTestQueue(t, func(c *config.QueueConfig) { c.MaxSize = 1 })
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("a", model.PriorityLow)))
	err := q.Enqueue(ctx, task("b", model.PriorityLow))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("dup", model.PriorityMedium)))
	require.NoError(t, q.Enqueue(ctx, task("dup", model.PriorityMedium)))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths["ready"])
}

func TestCancelIsIdempotentAcrossLanes(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("c1", model.PriorityMedium)))
	require.NoError(t, q.Cancel(ctx, "c1"))
	require.NoError(t, q.Cancel(ctx, "c1")) // second cancel equals first

	got, err := q.Task(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)

	assert.ErrorIs(t, q.Cancel(ctx, "unknown"), ErrTaskNotFound)
}

func TestDelayedTaskNotDequeuedEarly(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	tk := task("later", model.PriorityHigh)
	at := time.Now().Add(80 * time.Millisecond)
	tk.ScheduledFor = &at
	enqueuedAt := time.Now()
	require.NoError(t, q.Enqueue(ctx, tk))

	_, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	batch, err := q.DequeueBatch(ctx, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, batch, "delayed task surfaced before its schedule")

	require.Eventually(t, func() bool {
		if _, err := q.PromoteDelayed(ctx); err != nil {
			return false
		}
		batch, err = q.DequeueBatch(ctx, 1, nil)
		return err == nil && len(batch) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(enqueuedAt), 80*time.Millisecond)
}

func TestReapStaleReturnsTaskToReady(t *testing.T) {
	q, bus := newTestQueue(t, func(c *config.QueueConfig) {
		c.VisibilityTimeout = 20 * time.Millisecond
	})
	stale := bus.Subscribe(8, events.TaskStale)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("s1", model.PriorityMedium)))
	batch, err := q.DequeueBatch(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	time.Sleep(40 * time.Millisecond)
	reaped, err := q.ReapStale(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, reaped)
	require.Len(t, stale, 1)

	got, err := q.Task(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, model.TaskStatusPending, got.Status)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths["ready"])
	assert.EqualValues(t, 0, depths["processing"])
}

func TestBatchCompletionEvent(t *testing.T) {
	q, bus := newTestQueue(t, nil)
	done := bus.Subscribe(8, events.BatchCompleted)
	ctx := context.Background()

	require.NoError(t, q.RegisterBatch(ctx, "b1", []string{"m1", "m2"}))
	for _, id := range []string{"m1", "m2"} {
		tk := task(id, model.PriorityMedium)
		tk.BatchID = "b1"
		require.NoError(t, q.Enqueue(ctx, tk))
	}

	_, err := q.DequeueBatch(ctx, 2, nil)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, "m1", nil))
	assert.Empty(t, done, "batch completed before all members finished")

	require.NoError(t, q.Complete(ctx, "m2", nil))
	select {
	case ev := <-done:
		assert.Equal(t, "b1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("batchCompleted never emitted")
	}
}
