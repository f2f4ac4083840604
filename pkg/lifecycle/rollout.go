package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
)

const (
	rollingTimeout  = 5 * time.Minute
	recreateTimeout = time.Minute
)

// ApplyUpdate rolls the deployment onto the template's current version
// using the template's update strategy. One rollout per deployment at a
// time.
func (m *Manager) ApplyUpdate(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	state, ok := m.deployments[deploymentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	if state.updating {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRolloutInProgress, deploymentID)
	}
	state.updating = true
	tmpl := m.templates[state.dep.TemplateID]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		state.updating = false
		m.mu.Unlock()
	}()
	if tmpl == nil {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, state.dep.TemplateID)
	}

	strategy := tmpl.Update.Strategy
	if strategy == "" {
		strategy = model.UpdateRolling
	}
	slog.Info("Rollout started", "deployment_id", deploymentID, "strategy", strategy, "version", tmpl.Version)

	var err error
	switch strategy {
	case model.UpdateRecreate:
		err = m.recreate(ctx, state, tmpl)
	case model.UpdateBlueGreen:
		err = m.blueGreen(ctx, state, tmpl)
	case model.UpdateCanary:
		err = m.canary(ctx, state, tmpl)
	default:
		err = m.rolling(ctx, state, tmpl)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	state.dep.Updated = time.Now()
	m.mu.Unlock()
	m.mirror("deployment:"+deploymentID, state.dep)
	m.bus.Publish(events.DeploymentUpdated, deploymentID, map[string]any{
		"strategy": string(strategy), "version": tmpl.Version,
	})
	slog.Info("Rollout finished", "deployment_id", deploymentID, "version", tmpl.Version)
	return nil
}

// rolling replaces stale instances in batches bounded by maxUnavailable.
func (m *Manager) rolling(ctx context.Context, state *deploymentState, tmpl *model.AgentTemplate) error {
	ctx, cancel := context.WithTimeout(ctx, rollingTimeout)
	defer cancel()

	batch := maxUnavailable(tmpl.Update.MaxUnavailable, state.dep.Replicas)
	for {
		stale := m.staleInstances(state, tmpl.Version, 0)
		if len(stale) == 0 {
			return nil
		}
		if len(stale) > batch {
			stale = stale[:batch]
		}
		if err := m.replace(ctx, state, tmpl, stale, false); err != nil {
			return err
		}
	}
}

// recreate stops everything, then starts the full new set. The deployment
// is briefly dark.
func (m *Manager) recreate(ctx context.Context, state *deploymentState, tmpl *model.AgentTemplate) error {
	ctx, cancel := context.WithTimeout(ctx, recreateTimeout)
	defer cancel()

	stale := m.staleInstances(state, tmpl.Version, 0)
	if err := m.retire(ctx, state, stale); err != nil {
		return err
	}
	return m.startInstances(ctx, state, tmpl, state.dep.Replicas, false)
}

// blueGreen starts a full green set beside the blue one, then retires blue
// only once green is entirely up. A failed green set is rolled back.
func (m *Manager) blueGreen(ctx context.Context, state *deploymentState, tmpl *model.AgentTemplate) error {
	ctx, cancel := context.WithTimeout(ctx, rollingTimeout)
	defer cancel()

	blue := m.staleInstances(state, tmpl.Version, 0)
	if err := m.startInstances(ctx, state, tmpl, state.dep.Replicas, false); err != nil {
		green := m.instancesAtVersion(state, tmpl.Version)
		_ = m.retire(ctx, state, green)
		return fmt.Errorf("green set failed to start: %w", err)
	}
	return m.retire(ctx, state, blue)
}

// canary shifts traffic stepwise: each step raises the share of new-version
// canary instances, pauses, and runs its analysis hook. A rejected step
// rolls the canaries back.
func (m *Manager) canary(ctx context.Context, state *deploymentState, tmpl *model.AgentTemplate) error {
	ctx, cancel := context.WithTimeout(ctx, rollingTimeout)
	defer cancel()

	steps := tmpl.Update.CanarySteps
	if len(steps) == 0 {
		steps = []model.CanaryStep{{Weight: 100}}
	}

	for _, step := range steps {
		target := int(math.Ceil(float64(state.dep.Replicas) * float64(step.Weight) / 100))
		have := len(m.canaryInstances(state))
		if target > have {
			old := m.staleInstances(state, tmpl.Version, target-have)
			if err := m.replace(ctx, state, tmpl, old, true); err != nil {
				return err
			}
		}

		if step.Pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step.Pause):
			}
		}

		if !m.runAnalysis(ctx, state.dep.ID, step) {
			canaries := m.canaryInstances(state)
			_ = m.retire(ctx, state, canaries)
			// Restore the replica count at the version the surviving
			// instances still run.
			rollbackTmpl := *tmpl
			m.mu.RLock()
			for _, inst := range state.instances {
				rollbackTmpl.Version = inst.Version
				break
			}
			m.mu.RUnlock()
			if err := m.startInstances(ctx, state, &rollbackTmpl, len(canaries), false); err != nil {
				slog.Error("Canary rollback failed to restore replicas", "deployment_id", state.dep.ID, "error", err)
			}
			m.bus.Publish(events.DeploymentUpdated, state.dep.ID, map[string]any{"aborted": true, "analysis": step.Analysis})
			return fmt.Errorf("%w: analysis %q rejected step at %d%%", ErrRolloutAborted, step.Analysis, step.Weight)
		}
	}

	// Promote: replace any remaining old instances and clear canary flags.
	if stale := m.staleInstances(state, tmpl.Version, 0); len(stale) > 0 {
		if err := m.replace(ctx, state, tmpl, stale, false); err != nil {
			return err
		}
	}
	m.mu.Lock()
	for _, inst := range state.instances {
		inst.Canary = false
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) runAnalysis(ctx context.Context, deploymentID string, step model.CanaryStep) bool {
	if step.Analysis == "" {
		return true
	}
	m.mu.RLock()
	fn := m.analyses[step.Analysis]
	m.mu.RUnlock()
	if fn == nil {
		slog.Warn("Canary analysis hook not registered, passing step", "analysis", step.Analysis)
		return true
	}
	return fn(ctx, deploymentID, step)
}

// replace retires the given instances and starts the same number at the
// template's version.
func (m *Manager) replace(ctx context.Context, state *deploymentState, tmpl *model.AgentTemplate, old []*model.AgentInstance, canary bool) error {
	if err := m.retire(ctx, state, old); err != nil {
		return err
	}
	return m.startInstances(ctx, state, tmpl, len(old), canary)
}

func (m *Manager) retire(ctx context.Context, state *deploymentState, victims []*model.AgentInstance) error {
	m.mu.Lock()
	for _, inst := range victims {
		inst.State = model.InstanceStopping
		delete(state.instances, inst.ID)
	}
	m.mu.Unlock()

	for _, inst := range victims {
		if err := m.prov.StopInstance(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// staleInstances returns up to limit instances not at version (0 = all),
// non-canaries first so canary sets survive partial rollouts.
func (m *Manager) staleInstances(state *deploymentState, version string, limit int) []*model.AgentInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AgentInstance
	for _, inst := range state.instances {
		if inst.Version != version && !inst.Canary {
			out = append(out, inst)
		}
	}
	for _, inst := range state.instances {
		if inst.Version != version && inst.Canary {
			out = append(out, inst)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Manager) instancesAtVersion(state *deploymentState, version string) []*model.AgentInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AgentInstance
	for _, inst := range state.instances {
		if inst.Version == version {
			out = append(out, inst)
		}
	}
	return out
}

func (m *Manager) canaryInstances(state *deploymentState) []*model.AgentInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AgentInstance
	for _, inst := range state.instances {
		if inst.Canary {
			out = append(out, inst)
		}
	}
	return out
}

// maxUnavailable parses an absolute count ("2") or a percent ("25%") of
// replicas, clamped to at least 1. Empty or malformed values fall back to 1.
func maxUnavailable(raw string, replicas int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1
	}
	if strings.HasSuffix(raw, "%") {
		pct, err := strconv.Atoi(strings.TrimSuffix(raw, "%"))
		if err != nil || pct <= 0 {
			return 1
		}
		n := replicas * pct / 100
		if n < 1 {
			n = 1
		}
		return n
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
