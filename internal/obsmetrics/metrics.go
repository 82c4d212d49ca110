// Package obsmetrics is the core's ambient Prometheus instrumentation:
// counters, histograms and gauges that the Session drives from each run's
// lifecycle and from the events it mirrors. Metrics register against a caller-supplied
// prometheus.Registerer rather than the global default registry, since
// this module does no HTTP serving of its own and must not assume
// ownership of the process-wide registry.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the full set of counters/histograms/gauges this module
// emits to.
type Metrics struct {
	RunsStarted   *prometheus.CounterVec   // labels: provider, model
	RunsCompleted *prometheus.CounterVec   // labels: provider, model, outcome (ok|error|canceled)
	RunDuration   *prometheus.HistogramVec // labels: provider, model

	ToolExecutions       *prometheus.CounterVec   // labels: tool_name, outcome (ok|error; aborted calls count as error)
	ToolExecutionLatency *prometheus.HistogramVec // labels: tool_name

	EventStreamDropped *prometheus.CounterVec // labels: strategy
	EventStreamQueue   *prometheus.GaugeVec   // labels: run_id

	ActiveSessions prometheus.Gauge
}

// New constructs Metrics and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_runs_started_total",
			Help: "Agent Loop runs started, by provider and model.",
		}, []string{"provider", "model"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_runs_completed_total",
			Help: "Agent Loop runs completed, by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_run_duration_seconds",
			Help:    "Wall-clock duration of one Agent Loop run.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"provider", "model"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_tool_executions_total",
			Help: "Tool executions, by tool name and outcome.",
		}, []string{"tool_name", "outcome"}),
		ToolExecutionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_tool_execution_seconds",
			Help:    "Tool execution latency, by tool name.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		EventStreamDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_eventstream_dropped_total",
			Help: "Events dropped by an Event Stream's overflow handling, by drop strategy.",
		}, []string{"strategy"}),
		EventStreamQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentcore_eventstream_queue_size",
			Help: "Current Event Stream queue occupancy, by run id.",
		}, []string{"run_id"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentcore_active_sessions",
			Help: "Number of live Agent Sessions.",
		}),
	}

	reg.MustRegister(
		m.RunsStarted, m.RunsCompleted, m.RunDuration,
		m.ToolExecutions, m.ToolExecutionLatency,
		m.EventStreamDropped, m.EventStreamQueue,
		m.ActiveSessions,
	)
	return m
}
