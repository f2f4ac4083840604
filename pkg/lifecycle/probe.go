package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
)

const defaultProbePeriod = 10 * time.Second

// probeLoop drives per-instance health probes on each template's period.
// Ticking at one second granularity keeps per-instance periods independent
// without a timer per instance.
func (m *Manager) probeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)
	failures := make(map[string]int)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probePass(lastRun, failures)
		}
	}
}

func (m *Manager) probePass(lastRun map[string]time.Time, failures map[string]int) {
	type job struct {
		state *deploymentState
		tmpl  *model.AgentTemplate
		inst  *model.AgentInstance
	}
	var jobs []job

	now := time.Now()
	m.mu.RLock()
	for _, state := range m.deployments {
		tmpl := m.templates[state.dep.TemplateID]
		if tmpl == nil || tmpl.Probe.Type == "" {
			continue
		}
		period := time.Duration(tmpl.Probe.PeriodSeconds) * time.Second
		if period <= 0 {
			period = defaultProbePeriod
		}
		for _, inst := range state.instances {
			if inst.State != model.InstanceRunning {
				continue
			}
			if delay := time.Duration(tmpl.Probe.InitialDelaySeconds) * time.Second; now.Sub(inst.StartedAt) < delay {
				continue
			}
			if now.Sub(lastRun[inst.ID]) < period {
				continue
			}
			jobs = append(jobs, job{state: state, tmpl: tmpl, inst: inst})
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		lastRun[j.inst.ID] = now
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			ok := m.probe(j.tmpl.Probe, j.inst)

			m.mu.Lock()
			j.inst.Healthy = ok
			m.mu.Unlock()

			if ok {
				m.mu.Lock()
				delete(failures, j.inst.ID)
				m.mu.Unlock()
				return
			}

			threshold := j.tmpl.Probe.FailureThreshold
			if threshold <= 0 {
				threshold = 3
			}
			m.mu.Lock()
			failures[j.inst.ID]++
			tripped := failures[j.inst.ID] >= threshold
			if tripped {
				delete(failures, j.inst.ID)
			}
			m.mu.Unlock()

			if tripped {
				m.restartInstance(j.state, j.tmpl, j.inst)
			}
		}(j)
	}
	wg.Wait()
}

// probe executes one check for the instance.
func (m *Manager) probe(cfg model.HealthProbe, inst *model.AgentInstance) bool {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch cfg.Type {
	case model.ProbeHTTP:
		port := hostPort(inst, cfg.Port)
		url := fmt.Sprintf("http://%s:%d%s", nodeOf(inst), port, cfg.Path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300

	case model.ProbeTCP:
		addr := fmt.Sprintf("%s:%d", nodeOf(inst), hostPort(inst, cfg.Port))
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true

	case model.ProbeExec:
		if len(cfg.Command) == 0 {
			return false
		}
		cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
		return cmd.Run() == nil

	default:
		return true
	}
}

// restartInstance replaces an instance that crossed its failure threshold.
func (m *Manager) restartInstance(state *deploymentState, tmpl *model.AgentTemplate, inst *model.AgentInstance) {
	m.bus.Publish(events.InstanceUnhealthy, inst.ID, map[string]any{
		"deployment_id": state.dep.ID,
		"restarts":      inst.Restarts + 1,
	})
	slog.Warn("Instance failed probes, restarting", "instance_id", inst.ID, "deployment_id", state.dep.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.Lock()
	inst.State = model.InstanceFailed
	delete(state.instances, inst.ID)
	restarts := inst.Restarts + 1
	m.mu.Unlock()

	_ = m.prov.StopInstance(ctx, inst)

	fresh := &model.AgentInstance{
		ID:           inst.ID,
		DeploymentID: state.dep.ID,
		TemplateID:   tmpl.ID,
		Version:      inst.Version,
		State:        model.InstancePending,
		Restarts:     restarts,
		Canary:       inst.Canary,
		Node:         inst.Node,
		Ports:        inst.Ports,
	}
	if err := m.prov.StartInstance(ctx, fresh, tmpl, state.dep.Env); err != nil {
		slog.Error("Instance restart failed", "instance_id", inst.ID, "error", err)
		return
	}
	m.mu.Lock()
	state.instances[fresh.ID] = fresh
	m.mu.Unlock()
}

func nodeOf(inst *model.AgentInstance) string {
	if inst.Node != "" {
		return inst.Node
	}
	return "127.0.0.1"
}

func hostPort(inst *model.AgentInstance, containerPort int) int {
	if mapped, ok := inst.Ports[containerPort]; ok {
		return mapped
	}
	return containerPort
}
