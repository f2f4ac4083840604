package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// zmoveScript removes a member from the source set and adds it to the
// destination with the given score, atomically. Returns 1 when the member was
// present in the source, 0 otherwise.
var zmoveScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
  redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// Redis implements Store on a Redis server via go-redis.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed store and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client. The caller keeps ownership of
// the client's lifetime only through Close on the returned store.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *Redis) ZAdd(ctx context.Context, set, member string, score float64) error {
	return r.client.ZAdd(ctx, set, redis.Z{Member: member, Score: score}).Err()
}

func (r *Redis) ZRem(ctx context.Context, set, member string) (bool, error) {
	n, err := r.client.ZRem(ctx, set, member).Result()
	return n > 0, err
}

func (r *Redis) ZCard(ctx context.Context, set string) (int64, error) {
	return r.client.ZCard(ctx, set).Result()
}

func (r *Redis) ZScore(ctx context.Context, set, member string) (float64, bool, error) {
	score, err := r.client.ZScore(ctx, set, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, set string, min, max float64, limit int64, desc bool) ([]ScoredMember, error) {
	rng := &redis.ZRangeBy{
		Min:   fmt.Sprintf("%f", min),
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}
	var zs []redis.Z
	var err error
	if desc {
		zs, err = r.client.ZRevRangeByScoreWithScores(ctx, set, rng).Result()
	} else {
		zs, err = r.client.ZRangeByScoreWithScores(ctx, set, rng).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (r *Redis) ZMove(ctx context.Context, src, dst, member string, score float64) (bool, error) {
	n, err := zmoveScript.Run(ctx, r.client, []string{src, dst}, member, score).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan []byte
	once   sync.Once
	done   chan struct{}
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed before returning so callers
	// never miss messages published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &redisSub{pubsub: pubsub, ch: make(chan []byte, 64), done: make(chan struct{})}
	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case sub.ch <- []byte(msg.Payload):
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
