// Package store abstracts the shared key-value + ordered-set + pub/sub store
// the control plane persists into. The Redis implementation is the production
// backend; the in-memory implementation serves tests and single-node dev
// runs with identical semantics.
//
// Key ownership is by prefix: agent:*, task:*, batch:*, queue:*, metric:*,
// channel:*, template:*, deployment:*. Each prefix is written by exactly one
// component, so per-key writes never race across components. The only
// multi-key operation the store guarantees atomic is ZMove, which the queue
// relies on for lane transitions.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key or member does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrClosed indicates the store has been closed.
var ErrClosed = errors.New("store: closed")

// ScoredMember is one entry of an ordered set.
type ScoredMember struct {
	Member string
	Score  float64
}

// Subscription is a live pub/sub subscription. C is closed when the
// subscription ends.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// Store is the persistence and pub/sub contract shared by all components.
// All blocking operations honor ctx cancellation.
type Store interface {
	// Key-value with TTL. A zero ttl means no expiry.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ordered sets. Scores are float64; members are unique per set.
	ZAdd(ctx context.Context, set, member string, score float64) error
	ZRem(ctx context.Context, set, member string) (bool, error)
	ZCard(ctx context.Context, set string) (int64, error)
	ZScore(ctx context.Context, set, member string) (float64, bool, error)
	// ZRangeByScore returns members with min ≤ score ≤ max, ordered by score
	// (descending when desc), capped at limit (0 = unlimited).
	ZRangeByScore(ctx context.Context, set string, min, max float64, limit int64, desc bool) ([]ScoredMember, error)
	// ZMove atomically removes member from src and adds it to dst with the
	// given score. Returns false without side effects when member is absent
	// from src. This is the queue's sole double-dispatch guard.
	ZMove(ctx context.Context, src, dst, member string, score float64) (bool, error)

	// Pub/sub.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

// Unbounded score range for ZRangeByScore.
const (
	ScoreMin = -1e18
	ScoreMax = 1e18
)
