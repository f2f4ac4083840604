package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process Store used by tests and single-node dev runs.
// TTLs are enforced lazily on read and by a janitor tick.
type Memory struct {
	mu       sync.RWMutex
	kv       map[string]memEntry
	sets     map[string]map[string]float64
	subs     map[string][]*memSub
	closed   bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type memEntry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

type memSub struct {
	store   *Memory
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memSub) C() <-chan []byte { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.store.dropSub(s)
		close(s.ch)
	})
	return nil
}

// NewMemory creates an in-memory store and starts its expiry janitor.
func NewMemory() *Memory {
	m := &Memory{
		kv:     make(map[string]memEntry),
		sets:   make(map[string]map[string]float64),
		subs:   make(map[string][]*memSub),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.kv {
				if !e.expires.IsZero() && now.After(e.expires) {
					delete(m.kv, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.kv[key]
	if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.kv, key)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := time.Now()
	var keys []string
	for k, e := range m.kv {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) ZAdd(_ context.Context, set, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]float64)
		m.sets[set] = s
	}
	s[member] = score
	return nil
}

func (m *Memory) ZRem(_ context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	s, ok := m.sets[set]
	if !ok {
		return false, nil
	}
	if _, ok := s[member]; !ok {
		return false, nil
	}
	delete(s, member)
	return true, nil
}

func (m *Memory) ZCard(_ context.Context, set string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.sets[set])), nil
}

func (m *Memory) ZScore(_ context.Context, set, member string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, false, ErrClosed
	}
	score, ok := m.sets[set][member]
	return score, ok, nil
}

func (m *Memory) ZRangeByScore(_ context.Context, set string, min, max float64, limit int64, desc bool) ([]ScoredMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []ScoredMember
	for member, score := range m.sets[set] {
		if score < min || score > max {
			continue
		}
		out = append(out, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			// Deterministic tie-break by member for stable dequeue order.
			if desc {
				return out[i].Member > out[j].Member
			}
			return out[i].Member < out[j].Member
		}
		if desc {
			return out[i].Score > out[j].Score
		}
		return out[i].Score < out[j].Score
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ZMove(_ context.Context, src, dst, member string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	s, ok := m.sets[src]
	if !ok {
		return false, nil
	}
	if _, ok := s[member]; !ok {
		return false, nil
	}
	delete(s, member)
	d, ok := m.sets[dst]
	if !ok {
		d = make(map[string]float64)
		m.sets[dst] = d
	}
	d[member] = score
	return true, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	subs := append([]*memSub(nil), m.subs[channel]...)
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	msg := append([]byte(nil), payload...)
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memSub{store: m, channel: channel, ch: make(chan []byte, 64)}
	m.subs[channel] = append(m.subs[channel], sub)
	return sub, nil
}

func (m *Memory) dropSub(sub *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[sub.channel]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
