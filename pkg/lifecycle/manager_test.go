package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/store"
)

// trackingProvisioner counts starts and stops and can fail on demand.
type trackingProvisioner struct {
	mu       sync.Mutex
	started  int
	stopped  int
	failNext bool
}

func (p *trackingProvisioner) StartInstance(_ context.Context, inst *model.AgentInstance, _ *model.AgentTemplate, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("provision failed")
	}
	p.started++
	inst.State = model.InstanceRunning
	inst.Healthy = true
	inst.StartedAt = time.Now()
	return nil
}

func (p *trackingProvisioner) StopInstance(_ context.Context, inst *model.AgentInstance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
	inst.State = model.InstanceStopped
	inst.Healthy = false
	return nil
}

func newTestManager(t *testing.T) (*Manager, *trackingProvisioner, *events.Bus) {
	t.Helper()
	cfg := config.Default()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	m := NewManager(&cfg.Scaling, bus)
	prov := &trackingProvisioner{}
	m.SetProvisioner(prov)
	return m, prov, bus
}

func testTemplate(version string, strategy model.UpdateStrategy) *model.AgentTemplate {
	return &model.AgentTemplate{
		Name:    "worker",
		Image:   "registry.local/worker",
		Version: version,
		Update:  model.UpdatePolicy{Strategy: strategy},
	}
}

func deploy(t *testing.T, m *Manager, tmplID string, replicas int) string {
	t.Helper()
	id, err := m.CreateDeployment(context.Background(), &model.Deployment{
		Name:       "workers",
		TemplateID: tmplID,
		Replicas:   replicas,
	})
	require.NoError(t, err)
	return id
}

func TestCreateDeploymentStartsReplicas(t *testing.T) {
	m, prov, bus := newTestManager(t)
	created := bus.Subscribe(4, events.DeploymentCreated)

	tmplID, err := m.RegisterTemplate(testTemplate("v1", model.UpdateRolling))
	require.NoError(t, err)

	depID := deploy(t, m, tmplID, 3)
	assert.Equal(t, 3, prov.started)

	instances, err := m.Instances(depID)
	require.NoError(t, err)
	require.Len(t, instances, 3)
	for _, inst := range instances {
		assert.Equal(t, model.InstanceRunning, inst.State)
		assert.Equal(t, "v1", inst.Version)
	}
	require.Len(t, created, 1)

	_, err = m.CreateDeployment(context.Background(), &model.Deployment{
		Name: "bad", TemplateID: "ghost", Replicas: 1,
	})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestScaleUpAndDownRecordsHistory(t *testing.T) {
	m, prov, bus := newTestManager(t)
	scaled := bus.Subscribe(8, events.DeploymentScaled)

	tmplID, _ := m.RegisterTemplate(testTemplate("v1", model.UpdateRolling))
	depID := deploy(t, m, tmplID, 2)
	ctx := context.Background()

	require.NoError(t, m.Scale(ctx, depID, 5, "load spike"))
	assert.Equal(t, 5, prov.started)

	require.NoError(t, m.Scale(ctx, depID, 3, "load drop"))
	assert.Equal(t, 2, prov.stopped)

	instances, err := m.Instances(depID)
	require.NoError(t, err)
	assert.Len(t, instances, 3)

	history, err := m.ScalingHistory(depID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.ScaleUp, history[0].Direction)
	assert.Equal(t, 2, history[0].From)
	assert.Equal(t, 5, history[0].To)
	assert.Equal(t, model.ScaleDown, history[1].Direction)
	assert.Len(t, scaled, 2)

	require.NoError(t, m.Scale(ctx, depID, 3, "no-op"), "same replica count is a no-op")
	history, _ = m.ScalingHistory(depID)
	assert.Len(t, history, 2)
}

func TestRemoveDeploymentStopsEverything(t *testing.T) {
	m, prov, bus := newTestManager(t)
	removed := bus.Subscribe(4, events.DeploymentRemoved)

	tmplID, _ := m.RegisterTemplate(testTemplate("v1", model.UpdateRolling))
	depID := deploy(t, m, tmplID, 2)

	require.NoError(t, m.RemoveDeployment(context.Background(), depID))
	assert.Equal(t, 2, prov.stopped)
	assert.Len(t, removed, 1)

	_, err := m.Instances(depID)
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
	assert.ErrorIs(t, m.RemoveDeployment(context.Background(), depID), ErrDeploymentNotFound)
}

func TestRollingUpdateReplacesAllInstances(t *testing.T) {
	m, prov, _ := newTestManager(t)

	tmpl := testTemplate("v1", model.UpdateRolling)
	tmpl.Update.MaxUnavailable = "1"
	tmplID, _ := m.RegisterTemplate(tmpl)
	depID := deploy(t, m, tmplID, 3)

	tmpl.Version = "v2"
	require.NoError(t, m.ApplyUpdate(context.Background(), depID))

	assert.Equal(t, 6, prov.started)
	assert.Equal(t, 3, prov.stopped)

	instances, err := m.Instances(depID)
	require.NoError(t, err)
	require.Len(t, instances, 3)
	for _, inst := range instances {
		assert.Equal(t, "v2", inst.Version)
	}
}

func TestBlueGreenRollsBackOnFailedGreenSet(t *testing.T) {
	m, prov, _ := newTestManager(t)

	tmpl := testTemplate("v1", model.UpdateBlueGreen)
	tmplID, _ := m.RegisterTemplate(tmpl)
	depID := deploy(t, m, tmplID, 2)

	tmpl.Version = "v2"
	prov.failNext = true
	err := m.ApplyUpdate(context.Background(), depID)
	require.Error(t, err)

	// Blue set survives at the old version.
	instances, insErr := m.Instances(depID)
	require.NoError(t, insErr)
	for _, inst := range instances {
		assert.Equal(t, "v1", inst.Version)
	}
}

func TestCanaryAbortRollsBack(t *testing.T) {
	m, _, _ := newTestManager(t)

	tmpl := testTemplate("v1", model.UpdateCanary)
	tmpl.Update.CanarySteps = []model.CanaryStep{
		{Weight: 25, Analysis: "error-rate"},
		{Weight: 100},
	}
	tmplID, _ := m.RegisterTemplate(tmpl)
	depID := deploy(t, m, tmplID, 4)

	m.RegisterAnalysis("error-rate", func(context.Context, string, model.CanaryStep) bool {
		return false
	})

	tmpl.Version = "v2"
	err := m.ApplyUpdate(context.Background(), depID)
	assert.ErrorIs(t, err, ErrRolloutAborted)

	instances, insErr := m.Instances(depID)
	require.NoError(t, insErr)
	require.Len(t, instances, 4)
	for _, inst := range instances {
		assert.Equal(t, "v1", inst.Version, "canary must be rolled back")
		assert.False(t, inst.Canary)
	}
}

func TestCanaryPromotesThroughSteps(t *testing.T) {
	m, _, _ := newTestManager(t)

	var analyzed []int
	tmpl := testTemplate("v1", model.UpdateCanary)
	tmpl.Update.CanarySteps = []model.CanaryStep{
		{Weight: 25, Analysis: "error-rate"},
		{Weight: 50, Analysis: "error-rate"},
	}
	tmplID, _ := m.RegisterTemplate(tmpl)
	depID := deploy(t, m, tmplID, 4)

	m.RegisterAnalysis("error-rate", func(_ context.Context, _ string, step model.CanaryStep) bool {
		analyzed = append(analyzed, step.Weight)
		return true
	})

	tmpl.Version = "v2"
	require.NoError(t, m.ApplyUpdate(context.Background(), depID))
	assert.Equal(t, []int{25, 50}, analyzed)

	instances, err := m.Instances(depID)
	require.NoError(t, err)
	require.Len(t, instances, 4)
	for _, inst := range instances {
		assert.Equal(t, "v2", inst.Version)
		assert.False(t, inst.Canary, "canary flags cleared after promotion")
	}
}

func TestConcurrentRolloutRejected(t *testing.T) {
	m, _, _ := newTestManager(t)

	tmpl := testTemplate("v1", model.UpdateCanary)
	tmpl.Update.CanarySteps = []model.CanaryStep{{Weight: 100, Pause: 200 * time.Millisecond}}
	tmplID, _ := m.RegisterTemplate(tmpl)
	depID := deploy(t, m, tmplID, 2)

	tmpl.Version = "v2"
	errCh := make(chan error, 1)
	go func() { errCh <- m.ApplyUpdate(context.Background(), depID) }()

	require.Eventually(t, func() bool {
		err := m.Scale(context.Background(), depID, 3, "mid-rollout")
		return errors.Is(err, ErrRolloutInProgress)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, <-errCh)
}

func TestMaxUnavailableParsing(t *testing.T) {
	assert.Equal(t, 1, maxUnavailable("", 10))
	assert.Equal(t, 2, maxUnavailable("2", 10))
	assert.Equal(t, 2, maxUnavailable("25%", 10))
	assert.Equal(t, 1, maxUnavailable("5%", 10), "percent floors at one instance")
	assert.Equal(t, 1, maxUnavailable("garbage", 10))
	assert.Equal(t, 1, maxUnavailable("-3", 10))
}

func TestAutoscalePassScalesWithinBounds(t *testing.T) {
	m, _, bus := newTestManager(t)
	scaled := bus.Subscribe(8, events.DeploymentScaled)

	tmpl := testTemplate("v1", model.UpdateRolling)
	tmpl.Scaling = model.ScalingPolicy{
		Enabled:            true,
		MinReplicas:        1,
		MaxReplicas:        3,
		ScaleUpThreshold:   80,
		ScaleDownThreshold: 20,
	}
	tmplID, _ := m.RegisterTemplate(tmpl)
	depID := deploy(t, m, tmplID, 2)

	load := 90.0
	m.SetUtilizationSource(func(string) (float64, bool) { return load, true })

	m.autoscalePass()
	dep, err := m.Deployment(depID)
	require.NoError(t, err)
	assert.Equal(t, 3, dep.Replicas)
	require.Len(t, scaled, 1)

	// At the max already; no further scale up.
	m.mu.Lock()
	m.deployments[depID].lastScaled = time.Time{}
	m.mu.Unlock()
	m.autoscalePass()
	dep, _ = m.Deployment(depID)
	assert.Equal(t, 3, dep.Replicas)

	load = 5
	m.mu.Lock()
	m.deployments[depID].lastScaled = time.Time{}
	m.mu.Unlock()
	m.autoscalePass()
	dep, _ = m.Deployment(depID)
	assert.Equal(t, 2, dep.Replicas)
}

func TestAutoscaleHonorsCooldown(t *testing.T) {
	m, _, _ := newTestManager(t)

	tmpl := testTemplate("v1", model.UpdateRolling)
	tmpl.Scaling = model.ScalingPolicy{
		Enabled:          true,
		MinReplicas:      1,
		MaxReplicas:      10,
		ScaleUpThreshold: 50,
		Cooldown:         time.Hour,
	}
	tmplID, _ := m.RegisterTemplate(tmpl)
	depID := deploy(t, m, tmplID, 1)

	m.SetUtilizationSource(func(string) (float64, bool) { return 99, true })

	m.autoscalePass()
	dep, _ := m.Deployment(depID)
	require.Equal(t, 2, dep.Replicas)

	// Second pass inside the cooldown window must not scale again.
	m.autoscalePass()
	dep, _ = m.Deployment(depID)
	assert.Equal(t, 2, dep.Replicas)
}

func TestStoreMirroring(t *testing.T) {
	m, _, _ := newTestManager(t)
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	m.SetStore(st)

	tmplID, err := m.RegisterTemplate(testTemplate("v1", model.UpdateRolling))
	require.NoError(t, err)
	depID := deploy(t, m, tmplID, 2)

	ctx := context.Background()
	raw, err := st.Get(ctx, "template:"+tmplID)
	require.NoError(t, err)
	var tmpl model.AgentTemplate
	require.NoError(t, json.Unmarshal(raw, &tmpl))
	assert.Equal(t, "v1", tmpl.Version)

	require.NoError(t, m.Scale(ctx, depID, 3, "test"))
	raw, err = st.Get(ctx, "deployment:"+depID)
	require.NoError(t, err)
	var dep model.Deployment
	require.NoError(t, json.Unmarshal(raw, &dep))
	assert.Equal(t, 3, dep.Replicas)

	require.NoError(t, m.RemoveDeployment(ctx, depID))
	_, err = st.Get(ctx, "deployment:"+depID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
