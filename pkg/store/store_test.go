package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the same contract checks against both implementations.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	mem := NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	rdb := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Store{"memory": mem, "redis": rdb}
}

func TestKVRoundTrip(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "task:missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "task:1", []byte(`{"id":"1"}`), 0))
			val, err := s.Get(ctx, "task:1")
			require.NoError(t, err)
			assert.Equal(t, `{"id":"1"}`, string(val))

			require.NoError(t, s.Delete(ctx, "task:1"))
			_, err = s.Get(ctx, "task:1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKeysByPrefix(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "agent:registration:a", []byte("x"), 0))
			require.NoError(t, s.Set(ctx, "agent:registration:b", []byte("y"), 0))
			require.NoError(t, s.Set(ctx, "task:1", []byte("z"), 0))

			keys, err := s.Keys(ctx, "agent:registration:")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"agent:registration:a", "agent:registration:b"}, keys)
		})
	}
}

func TestZSetOrdering(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.ZAdd(ctx, "queue:main", "low", 1_000_000))
			require.NoError(t, s.ZAdd(ctx, "queue:main", "high", 3_000_000))
			require.NoError(t, s.ZAdd(ctx, "queue:main", "critical", 4_000_000))

			members, err := s.ZRangeByScore(ctx, "queue:main", ScoreMin, ScoreMax, 2, true)
			require.NoError(t, err)
			require.Len(t, members, 2)
			assert.Equal(t, "critical", members[0].Member)
			assert.Equal(t, "high", members[1].Member)

			n, err := s.ZCard(ctx, "queue:main")
			require.NoError(t, err)
			assert.EqualValues(t, 3, n)
		})
	}
}

func TestZMoveAtomicity(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.ZAdd(ctx, "queue:main", "t1", 42))

			moved, err := s.ZMove(ctx, "queue:main", "queue:processing", "t1", 99)
			require.NoError(t, err)
			assert.True(t, moved)

			// Second move of the same member must report absence: this is the
			// double-dispatch guard.
			moved, err = s.ZMove(ctx, "queue:main", "queue:processing", "t1", 99)
			require.NoError(t, err)
			assert.False(t, moved)

			score, ok, err := s.ZScore(ctx, "queue:processing", "t1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 99.0, score)
		})
	}
}

func TestPubSub(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sub, err := s.Subscribe(ctx, "alerts")
			require.NoError(t, err)
			defer func() { _ = sub.Close() }()

			require.NoError(t, s.Publish(ctx, "alerts", []byte("cpu high")))

			select {
			case msg := <-sub.C():
				assert.Equal(t, "cpu high", string(msg))
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for published message")
			}
		})
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	mem := NewMemory()
	defer func() { _ = mem.Close() }()
	ctx := context.Background()

	require.NoError(t, mem.Set(ctx, "metric:x:1", []byte("1"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := mem.Get(ctx, "metric:x:1")
	assert.ErrorIs(t, err, ErrNotFound)
}
