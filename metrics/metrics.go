package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the orchestrator.
type Collector struct {
	Registry *prometheus.Registry

	// Session lifecycle.
	SessionsCreated   *prometheus.CounterVec
	SessionsDestroyed *prometheus.CounterVec
	ProvisionFailures *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge

	// A destroy that exhausted its retries; the backend resource may
	// still exist and is flagged for reconciliation.
	DestroyFailures *prometheus.CounterVec

	// Tool execution.
	ToolInvocations *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
}

// NewCollector creates a Collector with all metrics registered on a
// custom prometheus.Registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		SessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total sessions successfully provisioned.",
		}, []string{"provider"}),

		SessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "session",
			Name:      "destroyed_total",
			Help:      "Total sessions destroyed.",
		}, []string{"provider"}),

		ProvisionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "session",
			Name:      "provision_failures_total",
			Help:      "Total sessions that failed to provision.",
		}, []string{"provider"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently in the live registry.",
		}),

		DestroyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "session",
			Name:      "destroy_failures_total",
			Help:      "Destroys that exhausted retries and were flagged for reconciliation.",
		}, []string{"provider"}),

		ToolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "tool",
			Name:      "invocations_total",
			Help:      "Total tool invocations.",
		}, []string{"tool", "status"}),

		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "tool",
			Name:      "invocation_duration_seconds",
			Help:      "Tool invocation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),
	}

	reg.MustRegister(
		c.SessionsCreated,
		c.SessionsDestroyed,
		c.ProvisionFailures,
		c.ActiveSessions,
		c.DestroyFailures,
		c.ToolInvocations,
		c.ToolDuration,
	)

	return c
}
