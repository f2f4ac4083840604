package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
)

// Connection manager errors.
var (
	// ErrNotConnected indicates the agent has no live websocket.
	ErrNotConnected = errors.New("agent not connected")

	// ErrTooManyConnections indicates the listener is at its connection cap.
	ErrTooManyConnections = errors.New("connection limit reached")
)

const missedPingLimit = 3

// ConnectionManager tracks live agent websockets and drives their ping
// heartbeats. An agent that misses three consecutive pings is closed and
// reported as disconnected.
type ConnectionManager struct {
	cfg *config.WebSocketConfig
	bus *events.Bus

	mu    sync.RWMutex
	conns map[string]*agentConn
}

type agentConn struct {
	agentID string
	ws      *websocket.Conn

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnectionManager creates a manager using the websocket config.
func NewConnectionManager(cfg *config.WebSocketConfig, bus *events.Bus) *ConnectionManager {
	return &ConnectionManager{
		cfg:   cfg,
		bus:   bus,
		conns: make(map[string]*agentConn),
	}
}

// Attach registers a live websocket for an agent and starts its heartbeat.
// A second connection for the same agent replaces the first.
func (m *ConnectionManager) Attach(agentID string, ws *websocket.Conn) error {
	m.mu.Lock()
	if prev, ok := m.conns[agentID]; ok {
		prev.close(websocket.StatusPolicyViolation, "replaced by newer connection")
		delete(m.conns, agentID)
	} else if len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrTooManyConnections, m.cfg.MaxConnections)
	}
	conn := &agentConn{agentID: agentID, ws: ws, done: make(chan struct{})}
	m.conns[agentID] = conn
	m.mu.Unlock()

	go m.heartbeat(conn)

	m.bus.Publish(events.AgentConnected, agentID, nil)
	slog.Info("Agent connected", "agent_id", agentID)
	return nil
}

// Detach closes and forgets an agent's connection. Safe to call for agents
// that are not connected.
func (m *ConnectionManager) Detach(agentID string) {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	if ok {
		delete(m.conns, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.close(websocket.StatusNormalClosure, "detached")
	m.bus.Publish(events.AgentDisconnected, agentID, nil)
}

// Connected reports whether the agent has a live websocket.
func (m *ConnectionManager) Connected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[agentID]
	return ok
}

// Count returns the number of live connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Send writes one frame to the agent's websocket.
func (m *ConnectionManager) Send(ctx context.Context, agentID string, data []byte) error {
	m.mu.RLock()
	conn, ok := m.conns[agentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, agentID)
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.PongTimeout)
	defer cancel()
	return conn.ws.Write(writeCtx, websocket.MessageText, data)
}

// Close tears down every connection.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*agentConn)
	m.mu.Unlock()
	for _, conn := range conns {
		conn.close(websocket.StatusGoingAway, "shutting down")
	}
}

// heartbeat pings the agent on the configured interval. Ping waits for the
// peer's pong, so a slow or dead peer shows up as a ping error.
func (m *ConnectionManager) heartbeat(conn *agentConn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PongTimeout)
			err := conn.ws.Ping(ctx)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			slog.Debug("Agent missed ping", "agent_id", conn.agentID, "missed", missed)
			if missed >= missedPingLimit {
				m.dropDead(conn)
				return
			}
		}
	}
}

func (m *ConnectionManager) dropDead(conn *agentConn) {
	m.mu.Lock()
	// Only forget the mapping if it still points at this connection.
	if cur, ok := m.conns[conn.agentID]; ok && cur == conn {
		delete(m.conns, conn.agentID)
	}
	m.mu.Unlock()

	conn.close(websocket.StatusGoingAway, "heartbeat timeout")
	m.bus.Publish(events.AgentDisconnected, conn.agentID, map[string]any{"reason": "heartbeat"})
	slog.Warn("Agent connection dropped after missed pings", "agent_id", conn.agentID)
}

func (c *agentConn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}
