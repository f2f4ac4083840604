// Package telemetry exposes the control plane's Prometheus collectors:
// counters for admissions and failures, histograms for task timing, and
// gauges for agent and queue depths.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all control-plane collectors registered on one registry.
type Metrics struct {
	Registry *prometheus.Registry

	TaskSubmissions   prometheus.Counter
	TaskRetries       prometheus.Counter
	DeadLettered      prometheus.Counter
	TransportFailures prometheus.Counter

	TaskDuration prometheus.Histogram
	TaskWaitTime prometheus.Histogram

	AgentsByStatus *prometheus.GaugeVec
	QueueDepth     *prometheus.GaugeVec
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TaskSubmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentplane_task_submissions_total",
			Help: "Tasks admitted into the queue.",
		}),
		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentplane_task_retries_total",
			Help: "Task retry transitions.",
		}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentplane_task_dead_lettered_total",
			Help: "Tasks moved to the dead-letter lane.",
		}),
		TransportFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentplane_transport_failures_total",
			Help: "Message deliveries that exhausted their retries.",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentplane_task_duration_seconds",
			Help:    "Task execution time from start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		TaskWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentplane_task_wait_seconds",
			Help:    "Time tasks spend queued before assignment.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		AgentsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentplane_agents",
			Help: "Registered agents by status.",
		}, []string{"status"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentplane_queue_depth",
			Help: "Tasks per queue lane.",
		}, []string{"lane"}),
	}
}
