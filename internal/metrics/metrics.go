// Package metrics exposes Prometheus counters for the orchestrator. The
// Collector satisfies the engine's Metrics interface; Handler serves the
// standard /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_runs_started_total",
			Help: "Total runs started by product and flow",
		},
		[]string{"product", "flow"},
	)

	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_runs_finished_total",
			Help: "Total runs reaching a terminal status by product, flow, and status",
		},
		[]string{"product", "flow", "status"},
	)

	stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_steps_executed_total",
			Help: "Total steps executed by step type and terminal status",
		},
		[]string{"type", "status"},
	)

	toolCalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "helmsman_tool_calls_total",
			Help: "Total tool call attempts, including retried and denied calls",
		},
	)
)

// Collector feeds engine counters into the Prometheus registry.
type Collector struct{}

// NewCollector returns a Collector over the default registry.
func NewCollector() *Collector {
	return &Collector{}
}

// RunStarted records a newly created run.
func (*Collector) RunStarted(product, flow string) {
	runsStarted.WithLabelValues(product, flow).Inc()
}

// RunFinished records a run reaching a terminal status.
func (*Collector) RunFinished(product, flow, status string) {
	runsFinished.WithLabelValues(product, flow, status).Inc()
}

// StepExecuted records a step reaching a terminal step status.
func (*Collector) StepExecuted(stepType, status string) {
	stepsExecuted.WithLabelValues(stepType, status).Inc()
}

// ToolCalls records tool call attempts.
func (*Collector) ToolCalls(n int) {
	toolCalls.Add(float64(n))
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
