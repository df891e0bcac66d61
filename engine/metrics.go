// ABOUTME: Prometheus counters for run and node lifecycle events.
// ABOUTME: All methods are nil-safe so the engine runs without a registry in tests.
package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus instruments.
type Metrics struct {
	runsStarted  prometheus.Counter
	nodesFired   *prometheus.CounterVec
	nodeFailures *prometheus.CounterVec
	callbacks    *prometheus.CounterVec
}

// NewMetrics creates and registers the engine's counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_runs_started_total",
			Help: "Runs created and started.",
		}),
		nodesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_nodes_fired_total",
			Help: "Nodes transitioned from pending to running, by kind.",
		}, []string{"kind"}),
		nodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_node_failures_total",
			Help: "Nodes that reached the failed status, by kind.",
		}, []string{"kind"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_callbacks_total",
			Help: "Worker completion callbacks accepted, by reported status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.runsStarted, m.nodesFired, m.nodeFailures, m.callbacks)
	return m
}

func (m *Metrics) runStarted() {
	if m != nil {
		m.runsStarted.Inc()
	}
}

func (m *Metrics) nodeFired(kind string) {
	if m != nil {
		m.nodesFired.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) nodeFailed(kind string) {
	if m != nil {
		m.nodeFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) callback(status string) {
	if m != nil {
		m.callbacks.WithLabelValues(status).Inc()
	}
}
