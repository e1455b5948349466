package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the orchestration engine.
type Metrics struct {
	RoutingDecisions *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec
	NodeExecutions   *prometheus.CounterVec
	NodeFailures     *prometheus.CounterVec
	NodeDuration     *prometheus.HistogramVec
	SessionsActive   prometheus.Gauge
	StepLimitHits    prometheus.Counter
}

// NewMetrics creates and registers the orchestrator metrics once per
// process and returns the shared instance.
//
// Metrics:
//   - devcrew_orchestrator_routing_decisions_total{kind,target}
//   - devcrew_orchestrator_tool_calls_total{role,tool}
//   - devcrew_orchestrator_node_executions_total{node}
//   - devcrew_orchestrator_node_failures_total{node}
//   - devcrew_orchestrator_node_duration_seconds{node}
//   - devcrew_orchestrator_sessions_active
//   - devcrew_orchestrator_step_limit_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RoutingDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devcrew_orchestrator_routing_decisions_total",
					Help: "Supervisor routing decisions by kind and target",
				},
				[]string{"kind", "target"},
			),
			ToolCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devcrew_orchestrator_tool_calls_total",
					Help: "Tool calls made by specialists",
				},
				[]string{"role", "tool"},
			),
			NodeExecutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devcrew_orchestrator_node_executions_total",
					Help: "Graph node executions",
				},
				[]string{"node"},
			),
			NodeFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devcrew_orchestrator_node_failures_total",
					Help: "Graph node executions that returned an error",
				},
				[]string{"node"},
			),
			NodeDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "devcrew_orchestrator_node_duration_seconds",
					Help:    "Graph node execution time",
					Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"node"},
			),
			SessionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "devcrew_orchestrator_sessions_active",
					Help: "Sessions currently running",
				},
			),
			StepLimitHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "devcrew_orchestrator_step_limit_total",
					Help: "Sessions forced to the final report by the step ceiling",
				},
			),
		}
	})
	return globalMetrics
}

// The observe helpers accept a nil receiver so nodes can run without metrics.

func (m *Metrics) observeDecision(d Decision) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(d.Kind.String(), d.Target).Inc()
}

func (m *Metrics) observeToolCalls(role string, counts map[string]int) {
	if m == nil {
		return
	}
	for tool, n := range counts {
		m.ToolCalls.WithLabelValues(role, tool).Add(float64(n))
	}
}

func (m *Metrics) observeNode(node string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.NodeExecutions.WithLabelValues(node).Inc()
	m.NodeDuration.WithLabelValues(node).Observe(d.Seconds())
	if err != nil {
		m.NodeFailures.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) sessionEnded() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) stepLimitHit() {
	if m != nil {
		m.StepLimitHits.Inc()
	}
}
