package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentplane/agentplane/pkg/model"
)

// autoscaleLoop periodically compares each deployment's utilization signal
// against its template's scaling thresholds and adjusts replicas inside the
// policy bounds, honoring the per-template cooldown.
func (m *Manager) autoscaleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.scaling.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.autoscalePass()
		}
	}
}

func (m *Manager) autoscalePass() {
	type decision struct {
		deploymentID string
		replicas     int
		reason       string
	}
	var decisions []decision

	m.mu.RLock()
	utilization := m.utilization
	if utilization == nil {
		m.mu.RUnlock()
		return
	}
	for id, state := range m.deployments {
		tmpl := m.templates[state.dep.TemplateID]
		if tmpl == nil || !tmpl.Scaling.Enabled || state.updating {
			continue
		}
		policy := tmpl.Scaling
		if policy.Cooldown > 0 && time.Since(state.lastScaled) < policy.Cooldown {
			continue
		}
		load, ok := utilization(id)
		if !ok {
			continue
		}

		replicas := state.dep.Replicas
		switch {
		case load >= policy.ScaleUpThreshold && replicas < boundedMax(policy, m.scaling.MaxAgents):
			decisions = append(decisions, decision{
				deploymentID: id,
				replicas:     replicas + 1,
				reason:       fmt.Sprintf("utilization %.1f%% above %.1f%%", load, policy.ScaleUpThreshold),
			})
		case load <= policy.ScaleDownThreshold && replicas > boundedMin(policy, m.scaling.MinAgents):
			decisions = append(decisions, decision{
				deploymentID: id,
				replicas:     replicas - 1,
				reason:       fmt.Sprintf("utilization %.1f%% below %.1f%%", load, policy.ScaleDownThreshold),
			})
		}
	}
	m.mu.RUnlock()

	for _, d := range decisions {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.Scale(ctx, d.deploymentID, d.replicas, d.reason); err != nil {
			slog.Error("Autoscale decision failed", "deployment_id", d.deploymentID, "error", err)
		}
		cancel()
	}
}

// boundedMax is the smaller of the template's max and the global cap.
func boundedMax(policy model.ScalingPolicy, globalMax int) int {
	maxReplicas := policy.MaxReplicas
	if maxReplicas <= 0 || (globalMax > 0 && globalMax < maxReplicas) {
		maxReplicas = globalMax
	}
	return maxReplicas
}

// boundedMin is the larger of the template's min and the global floor.
func boundedMin(policy model.ScalingPolicy, globalMin int) int {
	minReplicas := policy.MinReplicas
	if globalMin > minReplicas {
		minReplicas = globalMin
	}
	if minReplicas < 1 {
		minReplicas = 1
	}
	return minReplicas
}
