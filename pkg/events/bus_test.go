package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(8)
	bus.Publish(TaskSubmitted, "task-1", map[string]any{"priority": "high"})

	select {
	case ev := <-ch:
		assert.Equal(t, TaskSubmitted, ev.Type)
		assert.Equal(t, "task-1", ev.Subject)
		assert.Equal(t, "high", ev.Fields["priority"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestTypeFilteredSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(8, TaskFailed)
	bus.Publish(TaskCompleted, "task-1", nil)
	bus.Publish(TaskFailed, "task-2", nil)

	ev := <-ch
	assert.Equal(t, TaskFailed, ev.Type)
	assert.Equal(t, "task-2", ev.Subject)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Publish(TaskSubmitted, "t1", nil)
		bus.Publish(TaskSubmitted, "t2", nil) // buffer full, must not block
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
	require.Len(t, ch, 1)
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(1)
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after close is a no-op, not a panic.
	assert.NotPanics(t, func() { bus.Publish(Shutdown, "", nil) })
}
