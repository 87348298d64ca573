package graph

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/spice-go/message"
)

// Metrics collects Prometheus metrics for graph execution.
//
// Exposed metrics (namespace "spice"):
//
//   - node_duration_ms (histogram): node execution duration.
//     Labels: graph_id, node_id, status.
//   - node_errors_total (counter): node failures by error kind.
//     Labels: graph_id, node_id, kind.
//   - retries_total (counter): retry attempts.
//     Labels: graph_id, node_id.
//   - runs_total (counter): run outcomes.
//     Labels: graph_id, outcome.
//   - active_runs (gauge): executions currently in flight.
type Metrics struct {
	nodeDuration *prometheus.HistogramVec
	nodeErrors   *prometheus.CounterVec
	retries      *prometheus.CounterVec
	runs         *prometheus.CounterVec
	activeRuns   prometheus.Gauge
}

// NewMetrics registers the metric set with the given registry. A nil
// registry uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spice",
			Name:      "node_duration_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"graph_id", "node_id", "status"}),
		nodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spice",
			Name:      "node_errors_total",
			Help:      "Node failures by error kind",
		}, []string{"graph_id", "node_id", "kind"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spice",
			Name:      "retries_total",
			Help:      "Retry attempts per node",
		}, []string{"graph_id", "node_id"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spice",
			Name:      "runs_total",
			Help:      "Run outcomes",
		}, []string{"graph_id", "outcome"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "spice",
			Name:      "active_runs",
			Help:      "Executions currently in flight",
		}),
	}
}

// RecordNodeDuration records one node execution.
func (m *Metrics) RecordNodeDuration(graphID, nodeID string, d time.Duration, status string) {
	m.nodeDuration.WithLabelValues(graphID, nodeID, status).Observe(float64(d.Milliseconds()))
}

// RecordNodeError counts a node failure by kind.
func (m *Metrics) RecordNodeError(graphID, nodeID string, kind ErrorKind) {
	m.nodeErrors.WithLabelValues(graphID, nodeID, string(kind)).Inc()
}

// RecordRetry counts a retry attempt.
func (m *Metrics) RecordRetry(graphID, nodeID string) {
	m.retries.WithLabelValues(graphID, nodeID).Inc()
}

// RecordRunOutcome counts a finished (or paused) run.
func (m *Metrics) RecordRunOutcome(graphID, outcome string) {
	m.runs.WithLabelValues(graphID, outcome).Inc()
}

// RunStarted increments the in-flight gauge; the returned func
// decrements it.
func (m *Metrics) RunStarted() func() {
	m.activeRuns.Inc()
	return m.activeRuns.Dec
}

// MetricsMiddleware records per-node durations and per-error-kind
// counts without affecting flow.
type MetricsMiddleware struct {
	NopMiddleware
	metrics *Metrics
}

// NewMetricsMiddleware creates the middleware.
func NewMetricsMiddleware(metrics *Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{metrics: metrics}
}

// BeforeNode implements Middleware. The start time rides on the
// message metadata to survive the hook boundary.
func (m *MetricsMiddleware) BeforeNode(_ context.Context, msg message.Message) (message.Message, error) {
	return msg.WithMetadata(map[string]any{"_nodeStartNanos": time.Now().UnixNano()}), nil
}

// AfterNode implements Middleware.
func (m *MetricsMiddleware) AfterNode(_ context.Context, msg message.Message) (message.Message, error) {
	if nanos, ok := msg.Metadata["_nodeStartNanos"].(int64); ok {
		m.metrics.RecordNodeDuration(msg.GraphID, msg.NodeID,
			time.Since(time.Unix(0, nanos)), "success")
	}
	return msg, nil
}

// OnError implements Middleware: it observes and propagates.
func (m *MetricsMiddleware) OnError(_ context.Context, nodeID string, msg message.Message, err error) ErrorAction {
	if nanos, ok := msg.Metadata["_nodeStartNanos"].(int64); ok {
		m.metrics.RecordNodeDuration(msg.GraphID, nodeID,
			time.Since(time.Unix(0, nanos)), "error")
	}
	m.metrics.RecordNodeError(msg.GraphID, nodeID, AsSpiceError(err).Kind)
	return Propagate()
}
