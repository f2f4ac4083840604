// Package registry owns agent registrations: admission validation, capability
// and tag discovery with a short-TTL result cache, ranked results, and
// periodic health probing. The conductor mutates agent task links only
// through this package.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

const (
	registrationKeyPrefix = "agent:registration:"
	healthKeyPrefix       = "agent:health:"
	registrationTTL       = 24 * time.Hour
	healthTTL             = time.Hour

	discoveryCacheTTL = 5 * time.Minute
)

// Sentinel errors for registry operations.
var (
	// ErrInvalidSpec indicates the registration failed validation.
	ErrInvalidSpec = errors.New("invalid agent spec")

	// ErrAgentNotFound indicates no registration exists for the id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAtCapacity indicates the agent cannot accept another task.
	ErrAtCapacity = errors.New("agent at capacity")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Query filters discovery results. Zero fields do not filter.
type Query struct {
	Capabilities    []string      `json:"capabilities,omitempty"`
	Tags            []string      `json:"tags,omitempty"`
	Region          string        `json:"region,omitempty"`
	MinUptime       float64       `json:"min_uptime,omitempty"`
	MaxResponseTime time.Duration `json:"max_response_time,omitempty"`
	Exclude         []string      `json:"exclude,omitempty"`
}

// UnregisterHook runs synchronously before an unregistration completes, so
// dangling task assignments are cleared before Unregister returns.
type UnregisterHook func(ctx context.Context, agentID string)

type cacheEntry struct {
	ids     []string
	expires time.Time
}

// Registry is the agent registry. In-memory state is authoritative; the
// shared store mirror exists for observability and restart recovery.
type Registry struct {
	store   store.Store
	bus     *events.Bus
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	agents map[string]*model.Agent
	health map[string]*healthState
	cache  map[string]cacheEntry

	hooksMu sync.RWMutex
	hooks   []UnregisterHook

	probeInterval time.Duration
	httpClient    *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry probing agents every probeInterval.
func New(st store.Store, bus *events.Bus, metrics *telemetry.Metrics, probeInterval time.Duration) *Registry {
	return &Registry{
		store:         st,
		bus:           bus,
		metrics:       metrics,
		agents:        make(map[string]*model.Agent),
		health:        make(map[string]*healthState),
		cache:         make(map[string]cacheEntry),
		probeInterval: probeInterval,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		stopCh:        make(chan struct{}),
	}
}

// OnUnregister attaches a synchronous unregistration hook.
func (r *Registry) OnUnregister(hook UnregisterHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register validates and stores a registration, returning the agent id.
func (r *Registry) Register(ctx context.Context, agent *model.Agent) (string, error) {
	if err := validateSpec(agent); err != nil {
		return "", err
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	agent.Status = model.AgentStatusIdle
	agent.CurrentTasks = nil
	agent.Created = time.Now()
	agent.Performance.LastActivity = agent.Created

	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.health[agent.ID] = newHealthState()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()

	if err := r.persist(ctx, agent); err != nil {
		slog.Warn("Failed to mirror registration to store", "agent_id", agent.ID, "error", err)
	}
	r.refreshGauges()
	r.bus.Publish(events.AgentRegistered, agent.ID, map[string]any{"name": agent.Name, "type": agent.Type})
	return agent.ID, nil
}

// Unregister removes the registration and its health record. Hooks run before
// removal so in-flight assignments are cleared first.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	r.hooksMu.RLock()
	hooks := append([]UnregisterHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, id)
	}

	r.mu.Lock()
	delete(r.agents, id)
	delete(r.health, id)
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()

	_ = r.store.Delete(ctx, registrationKeyPrefix+id)
	_ = r.store.Delete(ctx, healthKeyPrefix+id)
	r.refreshGauges()
	r.bus.Publish(events.AgentUnregistered, id, nil)
	return nil
}

// Update replaces a registration, preserving its creation time.
func (r *Registry) Update(ctx context.Context, agent *model.Agent) error {
	if err := validateSpec(agent); err != nil {
		return err
	}

	r.mu.Lock()
	existing, ok := r.agents[agent.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agent.ID)
	}
	agent.Created = existing.Created
	agent.CurrentTasks = existing.CurrentTasks
	agent.Status = existing.Status
	r.agents[agent.ID] = agent
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()

	if err := r.persist(ctx, agent); err != nil {
		slog.Warn("Failed to mirror update to store", "agent_id", agent.ID, "error", err)
	}
	r.bus.Publish(events.AgentUpdated, agent.ID, nil)
	return nil
}

// Agent returns a copy of one registration.
func (r *Registry) Agent(id string) (*model.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	cp := *agent
	return &cp, nil
}

// Agents returns copies of all registrations.
func (r *Registry) Agents() []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// Discover returns agents matching the query, best health score first.
// Results are cached for a short TTL keyed by the serialized query; any
// registry mutation flushes the cache.
func (r *Registry) Discover(query Query) []*model.Agent {
	key := cacheKey(query)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		out := make([]*model.Agent, 0, len(entry.ids))
		for _, id := range entry.ids {
			if a, ok := r.agents[id]; ok {
				cp := *a
				out = append(out, &cp)
			}
		}
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	exclude := make(map[string]bool, len(query.Exclude))
	for _, id := range query.Exclude {
		exclude[id] = true
	}

	var matched []*model.Agent
	for _, a := range r.agents {
		if exclude[a.ID] {
			continue
		}
		if !a.HasCapabilities(query.Capabilities) {
			continue
		}
		if len(query.Tags) > 0 && !intersects(a.Tags, query.Tags) {
			continue
		}
		if query.Region != "" && a.Region != query.Region {
			continue
		}
		if query.MinUptime > 0 && a.Health.Uptime < query.MinUptime {
			continue
		}
		if query.MaxResponseTime > 0 && a.Health.ResponseTime > query.MaxResponseTime {
			continue
		}
		matched = append(matched, a)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		si, sj := healthScore(matched[i]), healthScore(matched[j])
		if si != sj {
			return si > sj
		}
		if len(matched[i].CurrentTasks) != len(matched[j].CurrentTasks) {
			return len(matched[i].CurrentTasks) < len(matched[j].CurrentTasks)
		}
		return matched[i].Performance.LastActivity.Before(matched[j].Performance.LastActivity)
	})

	ids := make([]string, len(matched))
	out := make([]*model.Agent, len(matched))
	for i, a := range matched {
		ids[i] = a.ID
		cp := *a
		out[i] = &cp
	}
	r.cache[key] = cacheEntry{ids: ids, expires: time.Now().Add(discoveryCacheTTL)}
	return out
}

// AddTask links a task to an agent and flips the agent to busy. The hard
// bound here is the largest capability concurrency; the conductor applies
// the configured capacity policy before it ever gets here.
func (r *Registry) AddTask(ctx context.Context, agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	limit := 0
	for _, c := range agent.Capabilities {
		if c.MaxConcurrency > limit {
			limit = c.MaxConcurrency
		}
	}
	if limit > 0 && len(agent.CurrentTasks) >= limit {
		return fmt.Errorf("%w: %s", ErrAtCapacity, agentID)
	}
	agent.CurrentTasks = append(agent.CurrentTasks, taskID)
	agent.Status = model.AgentStatusBusy
	agent.Performance.LastActivity = time.Now()
	return nil
}

// RemoveTask unlinks a task and records the execution outcome in the agent's
// performance counters.
func (r *Registry) RemoveTask(ctx context.Context, agentID, taskID string, duration time.Duration, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	for i, id := range agent.CurrentTasks {
		if id == taskID {
			agent.CurrentTasks = append(agent.CurrentTasks[:i], agent.CurrentTasks[i+1:]...)
			break
		}
	}
	if len(agent.CurrentTasks) == 0 && agent.Status == model.AgentStatusBusy {
		agent.Status = model.AgentStatusIdle
	}

	perf := &agent.Performance
	total := float64(perf.TasksCompleted)
	if success {
		perf.AvgExecutionTime = time.Duration((float64(perf.AvgExecutionTime)*total + float64(duration)) / (total + 1))
		perf.SuccessRate = (perf.SuccessRate*total + 1) / (total + 1)
	} else {
		perf.SuccessRate = (perf.SuccessRate * total) / (total + 1)
	}
	perf.TasksCompleted++
	perf.LastActivity = time.Now()
}

// SetStatus overrides an agent's status (maintenance, offline).
func (r *Registry) SetStatus(id string, status model.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	agent.Status = status
	r.cache = make(map[string]cacheEntry)
	return nil
}

func (r *Registry) persist(ctx context.Context, agent *model.Agent) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, registrationKeyPrefix+agent.ID, raw, registrationTTL)
}

func (r *Registry) refreshGauges() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[model.AgentStatus]int)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	for _, status := range []model.AgentStatus{
		model.AgentStatusIdle, model.AgentStatusBusy, model.AgentStatusError,
		model.AgentStatusMaintenance, model.AgentStatusOffline,
	} {
		r.metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// healthScore ranks agents for discovery: uptime dominates, response time
// discounts.
func healthScore(a *model.Agent) float64 {
	rtMillis := float64(a.Health.ResponseTime.Milliseconds())
	return 0.7*a.Health.Uptime + 0.3*(1000-rtMillis)
}

func validateSpec(agent *model.Agent) error {
	if err := validate.Struct(agent); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	for _, c := range agent.Capabilities {
		if c.MaxConcurrency < 1 {
			return fmt.Errorf("%w: capability %q max_concurrency must be >= 1", ErrInvalidSpec, c.Type)
		}
	}
	for _, e := range agent.Endpoints {
		if e.URL == "" {
			return fmt.Errorf("%w: endpoint url is required", ErrInvalidSpec)
		}
	}
	return nil
}

func cacheKey(q Query) string {
	raw, _ := json.Marshal(q)
	return string(raw)
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}
