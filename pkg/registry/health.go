package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
)

const (
	healthWindowSize = 10
	errorRingSize    = 10

	probeTimeout = 5 * time.Second

	degradedCPUThreshold    = 90.0
	degradedMemoryThreshold = 90.0
	degradedResponseTime    = 5 * time.Second
)

// probeResult is one health check outcome.
type probeResult struct {
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	CPU          float64       `json:"cpu"`
	Memory       float64       `json:"memory"`
	CheckedAt    time.Time     `json:"checked_at"`
	Error        string        `json:"error,omitempty"`
}

// healthState is the per-agent probe window.
type healthState struct {
	mu      sync.Mutex
	window  []probeResult // newest last, capped at healthWindowSize
	errors  []string      // newest last, capped at errorRingSize
	healthy bool
	since   time.Time
}

func newHealthState() *healthState {
	return &healthState{healthy: true, since: time.Now()}
}

// record appends a probe result and reports whether the agent counts as
// healthy: at least two of the last three probes succeeded.
func (h *healthState) record(res probeResult) (healthy bool, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.window = append(h.window, res)
	if len(h.window) > healthWindowSize {
		h.window = h.window[1:]
	}
	if !res.Success && res.Error != "" {
		h.errors = append(h.errors, res.Error)
		if len(h.errors) > errorRingSize {
			h.errors = h.errors[1:]
		}
	}

	recent := h.window
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	successes := 0
	for _, p := range recent {
		if p.Success {
			successes++
		}
	}
	healthy = successes >= 2 || (len(recent) < 3 && successes == len(recent))

	changed = healthy != h.healthy
	if changed {
		h.healthy = healthy
		h.since = time.Now()
	}
	return healthy, changed
}

// uptime is the success ratio over the window, as a percentage.
func (h *healthState) uptime() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.window) == 0 {
		return 100
	}
	successes := 0
	for _, p := range h.window {
		if p.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(h.window)) * 100
}

// Start launches the health probe loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.probeLoop()
	slog.Info("Agent registry started", "probe_interval", r.probeInterval)
}

// Stop terminates the probe loop and waits for in-flight probes.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("Agent registry stopped")
}

func (r *Registry) probeLoop() {
	defer r.wg.Done()
	for {
		// Jitter spreads probe fan-out so restarts don't synchronize.
		jitter := time.Duration(rand.Int63n(int64(r.probeInterval) / 10))
		select {
		case <-r.stopCh:
			return
		case <-time.After(r.probeInterval + jitter):
			r.probeAll()
		}
	}
}

func (r *Registry) probeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), r.probeInterval)
	defer cancel()

	r.mu.RLock()
	agents := make([]*model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(a *model.Agent) {
			defer wg.Done()
			r.probeAgent(ctx, a.ID)
		}(agent)
	}
	wg.Wait()
}

// probeAgent checks one agent's health endpoint and folds the result into its
// window, gauges, and store mirror.
func (r *Registry) probeAgent(ctx context.Context, id string) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	var url string
	if ok {
		url = healthURL(agent)
	}
	state := r.health[id]
	r.mu.RUnlock()
	if !ok || state == nil {
		return
	}

	res := r.check(ctx, url)
	healthy, changed := state.record(res)

	r.mu.Lock()
	agent, ok = r.agents[id]
	if ok {
		agent.Health.ResponseTime = res.ResponseTime
		agent.Health.Uptime = state.uptime()
		if res.Success {
			agent.Health.CPU = res.CPU
			agent.Health.Memory = res.Memory
		} else {
			agent.Health.Errors++
		}
		switch {
		case !healthy && agent.Status != model.AgentStatusMaintenance && agent.Status != model.AgentStatusOffline:
			agent.Status = model.AgentStatusError
		case healthy && agent.Status == model.AgentStatusError:
			if len(agent.CurrentTasks) > 0 {
				agent.Status = model.AgentStatusBusy
			} else {
				agent.Status = model.AgentStatusIdle
			}
		}
		if changed {
			r.cache = make(map[string]cacheEntry)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if raw, err := json.Marshal(res); err == nil {
		if err := r.store.Set(ctx, healthKeyPrefix+id, raw, healthTTL); err != nil {
			slog.Debug("Failed to mirror health record", "agent_id", id, "error", err)
		}
	}

	if changed {
		r.refreshGauges()
		r.bus.Publish(events.AgentHealthChanged, id, map[string]any{"healthy": healthy})
		slog.Info("Agent health changed", "agent_id", id, "healthy", healthy)
	}
}

// check runs one HTTP probe. Any transport or non-2xx failure counts as an
// unhealthy sample.
func (r *Registry) check(ctx context.Context, url string) probeResult {
	res := probeResult{CheckedAt: time.Now()}
	if url == "" {
		res.Error = "no health endpoint"
		return res
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	res.ResponseTime = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Error = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
		return res
	}

	var body struct {
		CPU    float64 `json:"cpu"`
		Memory float64 `json:"memory"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		res.CPU = body.CPU
		res.Memory = body.Memory
	}
	res.Success = true
	return res
}

// Degraded reports whether the agent is up but running hot: high CPU or
// memory, or slow responses.
func (r *Registry) Degraded(id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return agent.Health.CPU > degradedCPUThreshold ||
		agent.Health.Memory > degradedMemoryThreshold ||
		agent.Health.ResponseTime > degradedResponseTime, nil
}

// RecentErrors returns the agent's capped probe error ring, newest last.
func (r *Registry) RecentErrors(id string) []string {
	r.mu.RLock()
	state := r.health[id]
	r.mu.RUnlock()
	if state == nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return append([]string(nil), state.errors...)
}

// healthURL resolves the probe target for an agent: the first endpoint's
// explicit health URL, or its base URL with /health appended. Websocket
// schemes are rewritten to HTTP for probing.
func healthURL(agent *model.Agent) string {
	for _, e := range agent.Endpoints {
		url := e.Health
		if url == "" {
			url = strings.TrimSuffix(e.URL, "/") + "/health"
		}
		url = strings.Replace(url, "ws://", "http://", 1)
		url = strings.Replace(url, "wss://", "https://", 1)
		if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
			return url
		}
	}
	return ""
}
