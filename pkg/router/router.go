// Package router delivers messages between agents: direct, multicast,
// broadcast, and channel-based. Delivery prefers a live websocket and falls
// back to the agent's HTTP endpoint behind a circuit breaker. Acknowledged
// messages are retried with exponential backoff until their retry budget is
// exhausted.
package router

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

// Router errors.
var (
	// ErrMessageTooLarge indicates the serialized message exceeds the cap.
	ErrMessageTooLarge = errors.New("message exceeds size limit")

	// ErrNoRoute indicates no transport could reach the target.
	ErrNoRoute = errors.New("no route to agent")

	// ErrChannelNotFound indicates the named channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNotParticipant indicates the sender is not in the channel.
	ErrNotParticipant = errors.New("sender not in channel")

	// ErrMessageExpired indicates the message's TTL elapsed before delivery.
	ErrMessageExpired = errors.New("message expired")
)

const (
	historyCap = 1000
	historyTTL = 24 * time.Hour
)

// Directory is the subset of the registry the router reads.
type Directory interface {
	Agent(id string) (*model.Agent, error)
	Agents() []*model.Agent
}

// Router resolves message targets and drives delivery.
type Router struct {
	cfg     *config.MessageConfig
	dir     Directory
	conns   *ConnectionManager
	bus     *events.Bus
	metrics *telemetry.Metrics

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	store      store.Store

	mu       sync.Mutex
	channels map[string]*model.Channel
	rr       map[string]int // queue-channel round robin cursor
	pending  map[string]*pendingDelivery
	history  map[string][]historyEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type pendingDelivery struct {
	msg    *model.Message
	target string
	timer  *time.Timer
}

type historyEntry struct {
	msg model.Message
	at  time.Time
}

// New creates a router.
func New(cfg *config.MessageConfig, dir Directory, conns *ConnectionManager, bus *events.Bus, metrics *telemetry.Metrics) *Router {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "agent-http-fallback",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("HTTP fallback breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return &Router{
		cfg:        cfg,
		dir:        dir,
		conns:      conns,
		bus:        bus,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: cfg.DefaultTimeout},
		breaker:    breaker,
		channels:   make(map[string]*model.Channel),
		rr:         make(map[string]int),
		pending:    make(map[string]*pendingDelivery),
		history:    make(map[string][]historyEntry),
		stopCh:     make(chan struct{}),
	}
}

// SetStore enables mirroring channel definitions into the shared store under
// channel:<id>. Call before the router starts handling traffic.
func (r *Router) SetStore(st store.Store) { r.store = st }

// mirrorChannel persists a channel best effort. Callers hold r.mu.
func (r *Router) mirrorChannel(ch *model.Channel) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Set(ctx, "channel:"+ch.ID, raw, 0); err != nil {
		slog.Warn("Failed to mirror channel to store", "channel_id", ch.ID, "error", err)
	}
}

// Stop cancels pending retries.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Send validates, resolves, and delivers a message. Multicast delivery is
// best effort per target; the returned error is the last delivery failure.
func (r *Router) Send(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.RequiresAck && msg.MaxRetries == 0 {
		msg.MaxRetries = r.cfg.MaxRetries
	}
	if expired(msg) {
		return fmt.Errorf("%w: %s", ErrMessageExpired, msg.ID)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(raw) > r.cfg.MaxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(raw), r.cfg.MaxSize)
	}

	targets, err := r.resolve(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for _, target := range targets {
		if err := r.deliver(ctx, msg, target, raw); err != nil {
			lastErr = err
			slog.Warn("Message delivery failed", "message_id", msg.ID, "target", target, "error", err)
		}
	}
	return lastErr
}

// Ack clears the pending delivery of the message with the given id. A
// responder carries that id in its correlationId field. Unknown ids are
// ignored; the delivery may already have been retried out or acked.
func (r *Router) Ack(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[messageID]; ok {
		p.timer.Stop()
		delete(r.pending, messageID)
	}
}

// History returns up to limit most recent messages delivered to the agent,
// newest last. Entries older than the retention window are dropped.
func (r *Router) History(agentID string, limit int) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.history[agentID]
	cutoff := time.Now().Add(-historyTTL)
	start := 0
	for start < len(entries) && entries[start].at.Before(cutoff) {
		start++
	}
	entries = entries[start:]
	r.history[agentID] = entries

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]model.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// CreateChannel registers a channel. The id is assigned if empty.
func (r *Router) CreateChannel(ch *model.Channel) (string, error) {
	if ch.Name == "" {
		return "", errors.New("channel name is required")
	}
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	if ch.Type == "" {
		ch.Type = model.ChannelTopic
	}
	ch.Created = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID] = ch
	r.mirrorChannel(ch)
	return ch.ID, nil
}

// JoinChannel adds an agent to a channel's participants.
func (r *Router) JoinChannel(channelID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	for _, p := range ch.Participants {
		if p == agentID {
			return nil
		}
	}
	ch.Participants = append(ch.Participants, agentID)
	r.mirrorChannel(ch)
	return nil
}

// LeaveChannel removes an agent from a channel's participants.
func (r *Router) LeaveChannel(channelID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	for i, p := range ch.Participants {
		if p == agentID {
			ch.Participants = append(ch.Participants[:i], ch.Participants[i+1:]...)
			r.mirrorChannel(ch)
			return nil
		}
	}
	return nil
}

// Channel returns a copy of the channel.
func (r *Router) Channel(channelID string) (*model.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	cp := *ch
	cp.Participants = append([]string(nil), ch.Participants...)
	return &cp, nil
}

// resolve expands the message address into concrete agent ids.
func (r *Router) resolve(msg *model.Message) ([]string, error) {
	if msg.Channel != "" {
		return r.resolveChannel(msg)
	}

	for _, to := range msg.To {
		if to == model.BroadcastTarget {
			var ids []string
			for _, a := range r.dir.Agents() {
				if a.ID != msg.From {
					ids = append(ids, a.ID)
				}
			}
			return ids, nil
		}
	}
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("%w: message has no target", ErrNoRoute)
	}
	return msg.To, nil
}

// resolveChannel picks targets per the channel type: queue channels deliver
// to one participant round robin, everything else fans out.
func (r *Router) resolveChannel(msg *model.Message) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[msg.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, msg.Channel)
	}
	if !ch.Config.AllowAnonymous && msg.From != "" {
		member := false
		for _, p := range ch.Participants {
			if p == msg.From {
				member = true
				break
			}
		}
		if !member {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotParticipant, msg.From, ch.Name)
		}
	}

	// Skip the sender and participants that are no longer registered.
	var live []string
	for _, p := range ch.Participants {
		if p == msg.From {
			continue
		}
		if _, err := r.dir.Agent(p); err != nil {
			continue
		}
		live = append(live, p)
	}
	if len(live) == 0 {
		return nil, nil
	}

	if ch.Type == model.ChannelQueue {
		idx := r.rr[ch.ID] % len(live)
		r.rr[ch.ID]++
		return []string{live[idx]}, nil
	}
	return live, nil
}

// deliver sends one copy to one target, recording history and scheduling an
// ack-retry when the message demands acknowledgement.
func (r *Router) deliver(ctx context.Context, msg *model.Message, target string, raw []byte) error {
	if err := r.transport(ctx, target, raw); err != nil {
		if msg.RequiresAck {
			r.scheduleRetry(msg, target)
			return nil
		}
		return err
	}

	r.recordHistory(target, msg)
	if msg.RequiresAck {
		r.scheduleRetry(msg, target)
	}
	return nil
}

// transport prefers the live websocket and falls back to the agent's HTTP
// endpoint through the circuit breaker.
func (r *Router) transport(ctx context.Context, target string, raw []byte) error {
	if r.conns.Connected(target) {
		if err := r.conns.Send(ctx, target, raw); err == nil {
			return nil
		}
	}

	agent, err := r.dir.Agent(target)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoRoute, target)
	}
	url := httpEndpoint(agent)
	if url == "" {
		return fmt.Errorf("%w: %s has no reachable endpoint", ErrNoRoute, target)
	}

	body := raw
	encoding := ""
	if r.cfg.CompressionThreshold > 0 && len(raw) > r.cfg.CompressionThreshold {
		if compressed, err := gzipBytes(raw); err == nil {
			body = compressed
			encoding = "gzip"
		}
	}

	_, err = r.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// scheduleRetry arms the redelivery timer for an acknowledged message. The
// pending table is keyed by the message id, which is what the responder's
// correlationId echoes back. The delay doubles per attempt. When the budget
// runs out the failure is surfaced as an event and a metric, never as a
// blocked caller.
func (r *Router) scheduleRetry(msg *model.Message, target string) {
	key := msg.ID

	delay := r.cfg.DefaultTimeout << msg.RetryCount

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.pending[key]; ok {
		old.timer.Stop()
	}
	p := &pendingDelivery{msg: msg, target: target}
	p.timer = time.AfterFunc(delay, func() { r.retry(key) })
	r.pending[key] = p
}

func (r *Router) retry(key string) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-r.stopCh:
		return
	default:
	}

	msg := p.msg
	if expired(msg) {
		r.metrics.TransportFailures.Inc()
		r.bus.Publish(events.MessageDeliveryFailed, msg.ID, map[string]any{
			"target": p.target,
			"reason": "expired",
		})
		slog.Warn("Dropped expired undelivered message", "message_id", msg.ID, "target", p.target)
		return
	}
	msg.RetryCount++
	if msg.RetryCount > msg.MaxRetries {
		r.metrics.TransportFailures.Inc()
		r.bus.Publish(events.MessageDeliveryFailed, msg.ID, map[string]any{
			"target":  p.target,
			"retries": msg.RetryCount - 1,
		})
		slog.Error("Message delivery exhausted retries", "message_id", msg.ID, "target", p.target)
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DefaultTimeout)
	defer cancel()
	if err := r.transport(ctx, p.target, raw); err != nil {
		slog.Warn("Message redelivery failed", "message_id", msg.ID, "target", p.target, "attempt", msg.RetryCount)
	}
	r.scheduleRetry(msg, p.target)
}

// expired reports whether the message's TTL has elapsed since it was sent.
// A zero TTL means the message never expires.
func expired(msg *model.Message) bool {
	return msg.TTL > 0 && time.Since(msg.Timestamp) > msg.TTL
}

func (r *Router) recordHistory(target string, msg *model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append(r.history[target], historyEntry{msg: *msg, at: time.Now()})
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	r.history[target] = entries
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// httpEndpoint returns the agent's first HTTP endpoint URL.
func httpEndpoint(agent *model.Agent) string {
	for _, e := range agent.Endpoints {
		if strings.HasPrefix(e.URL, "http://") || strings.HasPrefix(e.URL, "https://") {
			return e.URL
		}
	}
	return ""
}
