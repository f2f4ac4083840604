package conductor

import (
	"sort"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/model"
)

// rank filters candidates down to agents with headroom under the capacity
// policy and orders them by the allocation strategy, best first.
func rank(candidates []*model.Agent, strategy config.AllocationStrategy, policy config.CapacityPolicy, required []string) []*model.Agent {
	var eligible []*model.Agent
	for _, a := range candidates {
		if a.Status != model.AgentStatusIdle && a.Status != model.AgentStatusBusy {
			continue
		}
		if len(a.CurrentTasks) >= capacityOf(a, policy, required) {
			continue
		}
		eligible = append(eligible, a)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return strategyScore(eligible[i], strategy) > strategyScore(eligible[j], strategy)
	})
	return eligible
}

// capacityOf resolves the concurrency bound for an agent under the policy:
// the primary capability's bound, or the tightest bound among the
// capabilities the task requires.
func capacityOf(a *model.Agent, policy config.CapacityPolicy, required []string) int {
	if policy == config.CapacityPerCapability && len(required) > 0 {
		limit := 0
		for _, req := range required {
			for _, c := range a.Capabilities {
				if c.Type == req && (limit == 0 || c.MaxConcurrency < limit) {
					limit = c.MaxConcurrency
				}
			}
		}
		if limit > 0 {
			return limit
		}
	}
	if primary := a.PrimaryCapability(); primary != nil {
		return primary.MaxConcurrency
	}
	return 1
}

// strategyScore orders eligible agents. Higher is better: performance takes
// the highest success rate, cost-optimized the fewest current tasks, and
// balanced weighs success rate against load.
func strategyScore(a *model.Agent, strategy config.AllocationStrategy) float64 {
	switch strategy {
	case config.StrategyPerformance:
		return a.Performance.SuccessRate

	case config.StrategyCostOptimized:
		return -float64(len(a.CurrentTasks))

	default: // balanced
		load := float64(len(a.CurrentTasks)) / 10
		if load > 1 {
			load = 1
		}
		return 0.6*a.Performance.SuccessRate + 0.4*(1-load)
	}
}
