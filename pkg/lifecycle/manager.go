// Package lifecycle manages agent fleets declaratively: templates describe
// how instances are provisioned, deployments pin a replica count, rollouts
// replace instances under a configurable strategy, probes restart unhealthy
// replicas, and the autoscaler adjusts replica counts inside policy bounds.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/store"
)

// Lifecycle errors.
var (
	// ErrTemplateNotFound indicates no template has the id.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrDeploymentNotFound indicates no deployment has the id.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrRolloutInProgress indicates the deployment is mid-update.
	ErrRolloutInProgress = errors.New("rollout in progress")

	// ErrRolloutAborted indicates a canary analysis rejected the rollout.
	ErrRolloutAborted = errors.New("rollout aborted")
)

const scalingHistoryCap = 100

// Provisioner starts and stops concrete instances. The default simulated
// provisioner satisfies tests and dry runs; production wires a container
// or process backend.
type Provisioner interface {
	StartInstance(ctx context.Context, inst *model.AgentInstance, tmpl *model.AgentTemplate, env map[string]string) error
	StopInstance(ctx context.Context, inst *model.AgentInstance) error
}

// simulatedProvisioner flips instance states without side effects.
type simulatedProvisioner struct{}

func (simulatedProvisioner) StartInstance(_ context.Context, inst *model.AgentInstance, _ *model.AgentTemplate, _ map[string]string) error {
	inst.State = model.InstanceRunning
	inst.Healthy = true
	inst.StartedAt = time.Now()
	return nil
}

func (simulatedProvisioner) StopInstance(_ context.Context, inst *model.AgentInstance) error {
	inst.State = model.InstanceStopped
	inst.Healthy = false
	return nil
}

type deploymentState struct {
	dep        *model.Deployment
	instances  map[string]*model.AgentInstance
	history    []model.ScalingEvent
	lastScaled time.Time
	updating   bool
}

// Manager owns templates, deployments, and their instances.
type Manager struct {
	scaling *config.AutoScaling
	bus     *events.Bus
	prov    Provisioner
	store   store.Store

	mu          sync.RWMutex
	templates   map[string]*model.AgentTemplate
	deployments map[string]*deploymentState
	analyses    map[string]AnalysisFunc

	utilization UtilizationFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// UtilizationFunc reports a deployment's utilization percent. The second
// return is false when no signal is available.
type UtilizationFunc func(deploymentID string) (float64, bool)

// AnalysisFunc judges a canary step. Returning false aborts the rollout.
type AnalysisFunc func(ctx context.Context, deploymentID string, step model.CanaryStep) bool

// NewManager creates a manager with the simulated provisioner.
func NewManager(scaling *config.AutoScaling, bus *events.Bus) *Manager {
	return &Manager{
		scaling:     scaling,
		bus:         bus,
		prov:        simulatedProvisioner{},
		templates:   make(map[string]*model.AgentTemplate),
		deployments: make(map[string]*deploymentState),
		analyses:    make(map[string]AnalysisFunc),
		stopCh:      make(chan struct{}),
	}
}

// SetProvisioner swaps the instance backend. Call before Start.
func (m *Manager) SetProvisioner(p Provisioner) { m.prov = p }

// SetStore enables mirroring templates and deployments into the shared store
// under template:<id> and deployment:<id>. Call before Start.
func (m *Manager) SetStore(st store.Store) { m.store = st }

// mirror persists a record best effort; failures are logged, never fatal.
func (m *Manager) mirror(key string, v any) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Set(ctx, key, raw, 0); err != nil {
		slog.Warn("Failed to mirror record to store", "key", key, "error", err)
	}
}

func (m *Manager) unmirror(key string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Failed to remove record from store", "key", key, "error", err)
	}
}

// SetUtilizationSource wires the autoscaler's input signal.
func (m *Manager) SetUtilizationSource(fn UtilizationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utilization = fn
}

// RegisterAnalysis binds a named canary analysis hook.
func (m *Manager) RegisterAnalysis(name string, fn AnalysisFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[name] = fn
}

// Start launches the probe and autoscale loops.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.probeLoop()
	if m.scaling.Enabled {
		m.wg.Add(1)
		go m.autoscaleLoop()
	}
	slog.Info("Lifecycle manager started", "autoscaling", m.scaling.Enabled)
}

// Stop terminates the loops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Lifecycle manager stopped")
}

// RegisterTemplate stores a template, assigning an id if empty.
func (m *Manager) RegisterTemplate(tmpl *model.AgentTemplate) (string, error) {
	if tmpl.Name == "" || tmpl.Image == "" {
		return "", errors.New("template name and image are required")
	}
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	tmpl.Created = time.Now()

	m.mu.Lock()
	m.templates[tmpl.ID] = tmpl
	m.mu.Unlock()

	m.mirror("template:"+tmpl.ID, tmpl)
	return tmpl.ID, nil
}

// Template returns a copy of the template.
func (m *Manager) Template(id string) (*model.AgentTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tmpl, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	cp := *tmpl
	return &cp, nil
}

// CreateDeployment starts replicas instances of the template and returns
// the deployment id.
func (m *Manager) CreateDeployment(ctx context.Context, dep *model.Deployment) (string, error) {
	m.mu.RLock()
	tmpl, ok := m.templates[dep.TemplateID]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, dep.TemplateID)
	}
	if dep.Replicas < 1 {
		return "", errors.New("deployment needs at least one replica")
	}
	if dep.ID == "" {
		dep.ID = uuid.New().String()
	}
	dep.Created = time.Now()
	dep.Updated = dep.Created

	state := &deploymentState{
		dep:       dep,
		instances: make(map[string]*model.AgentInstance),
	}
	m.mu.Lock()
	m.deployments[dep.ID] = state
	m.mu.Unlock()

	if err := m.startInstances(ctx, state, tmpl, dep.Replicas, false); err != nil {
		return "", err
	}

	m.mirror("deployment:"+dep.ID, dep)
	m.bus.Publish(events.DeploymentCreated, dep.ID, map[string]any{"name": dep.Name, "replicas": dep.Replicas})
	slog.Info("Deployment created", "deployment_id", dep.ID, "name", dep.Name, "replicas", dep.Replicas)
	return dep.ID, nil
}

// RemoveDeployment stops every instance and drops the deployment.
func (m *Manager) RemoveDeployment(ctx context.Context, id string) error {
	m.mu.Lock()
	state, ok := m.deployments[id]
	if ok {
		delete(m.deployments, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}

	for _, inst := range state.instances {
		inst.State = model.InstanceStopping
		if err := m.prov.StopInstance(ctx, inst); err != nil {
			slog.Warn("Failed to stop instance", "instance_id", inst.ID, "error", err)
		}
	}
	m.unmirror("deployment:" + id)
	m.bus.Publish(events.DeploymentRemoved, id, nil)
	return nil
}

// Scale sets the replica count, starting or stopping instances, and records
// the decision in the deployment's scaling history.
func (m *Manager) Scale(ctx context.Context, id string, replicas int, reason string) error {
	m.mu.Lock()
	state, ok := m.deployments[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	if state.updating {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRolloutInProgress, id)
	}
	tmpl := m.templates[state.dep.TemplateID]
	from := state.dep.Replicas
	if replicas == from {
		m.mu.Unlock()
		return nil
	}
	state.dep.Replicas = replicas
	state.dep.Updated = time.Now()
	state.lastScaled = time.Now()

	direction := model.ScaleUp
	if replicas < from {
		direction = model.ScaleDown
	}
	state.history = append(state.history, model.ScalingEvent{
		DeploymentID: id,
		Direction:    direction,
		From:         from,
		To:           replicas,
		Reason:       reason,
		Timestamp:    time.Now(),
	})
	if len(state.history) > scalingHistoryCap {
		state.history = state.history[len(state.history)-scalingHistoryCap:]
	}
	m.mu.Unlock()

	var err error
	if replicas > from {
		err = m.startInstances(ctx, state, tmpl, replicas-from, false)
	} else {
		err = m.stopInstances(ctx, state, from-replicas)
	}
	if err != nil {
		return err
	}

	m.mirror("deployment:"+id, state.dep)
	m.bus.Publish(events.DeploymentScaled, id, map[string]any{
		"from": from, "to": replicas, "reason": reason,
	})
	slog.Info("Deployment scaled", "deployment_id", id, "from", from, "to", replicas, "reason", reason)
	return nil
}

// Deployment returns a copy of the deployment.
func (m *Manager) Deployment(id string) (*model.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	cp := *state.dep
	return &cp, nil
}

// Deployments returns copies of all deployments.
func (m *Manager) Deployments() []*model.Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Deployment, 0, len(m.deployments))
	for _, s := range m.deployments {
		cp := *s.dep
		out = append(out, &cp)
	}
	return out
}

// Instances returns copies of the deployment's live instances.
func (m *Manager) Instances(id string) ([]*model.AgentInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	out := make([]*model.AgentInstance, 0, len(state.instances))
	for _, inst := range state.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

// ScalingHistory returns the deployment's recent scaling events, oldest
// first.
func (m *Manager) ScalingHistory(id string) ([]model.ScalingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	return append([]model.ScalingEvent(nil), state.history...), nil
}

// startInstances provisions count new instances in parallel.
func (m *Manager) startInstances(ctx context.Context, state *deploymentState, tmpl *model.AgentTemplate, count int, canary bool) error {
	g, gctx := errgroup.WithContext(ctx)
	instances := make([]*model.AgentInstance, count)
	for i := 0; i < count; i++ {
		inst := &model.AgentInstance{
			ID:           uuid.New().String(),
			DeploymentID: state.dep.ID,
			TemplateID:   tmpl.ID,
			Version:      tmpl.Version,
			State:        model.InstancePending,
			Canary:       canary,
		}
		instances[i] = inst
		g.Go(func() error {
			return m.prov.StartInstance(gctx, inst, tmpl, state.dep.Env)
		})
	}
	err := g.Wait()

	m.mu.Lock()
	for _, inst := range instances {
		if inst.State == model.InstanceRunning {
			state.instances[inst.ID] = inst
		}
	}
	m.mu.Unlock()
	return err
}

// stopInstances retires count instances, preferring unhealthy ones.
func (m *Manager) stopInstances(ctx context.Context, state *deploymentState, count int) error {
	m.mu.Lock()
	victims := make([]*model.AgentInstance, 0, count)
	for _, inst := range state.instances {
		if !inst.Healthy && len(victims) < count {
			victims = append(victims, inst)
		}
	}
	for _, inst := range state.instances {
		if len(victims) >= count {
			break
		}
		if inst.Healthy {
			victims = append(victims, inst)
		}
	}
	for _, inst := range victims {
		inst.State = model.InstanceStopping
		delete(state.instances, inst.ID)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range victims {
		g.Go(func() error {
			return m.prov.StopInstance(gctx, inst)
		})
	}
	return g.Wait()
}

func (m *Manager) state(id string) (*deploymentState, *model.AgentTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.deployments[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	tmpl := m.templates[state.dep.TemplateID]
	return state, tmpl, nil
}
