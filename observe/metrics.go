// Package observe holds the Prometheus metrics and OpenTelemetry tracer used
// by the agent loop.
package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects agent loop counters and histograms. A nil *Metrics is
// valid and records nothing.
//
//	m := observe.NewMetrics(prometheus.NewRegistry())
//	m.ToolExecution("grep", "success", time.Since(start))
type Metrics struct {
	// LLMRequests counts model turns.
	// Labels: provider, model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures one streamed model turn in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error|not_found|blocked|invalid)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Continuations counts the strategy chosen for each continued step.
	// Labels: strategy (stateful|full_replay)
	Continuations *prometheus.CounterVec

	// Subagents counts delegations by agent and outcome.
	// Labels: agent, status (success|error|max_depth_exceeded)
	Subagents *prometheus.CounterVec

	// PendingApprovals is the number of tool calls waiting on a human.
	PendingApprovals prometheus.Gauge

	// LoopWarnings counts repeated tool-call patterns.
	LoopWarnings prometheus.Counter
}

// NewMetrics registers every metric with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LLMRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratuscode_llm_requests_total",
			Help: "Model turns by provider, model and status",
		}, []string{"provider", "model", "status"}),
		LLMRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stratuscode_llm_request_duration_seconds",
			Help:    "Duration of streamed model turns in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratuscode_llm_tokens_total",
			Help: "Tokens used by provider, model and type",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratuscode_tool_executions_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stratuscode_tool_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Continuations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratuscode_continuations_total",
			Help: "Continuation strategy chosen per continued step",
		}, []string{"strategy"}),
		Subagents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stratuscode_subagents_total",
			Help: "Subagent delegations by agent and status",
		}, []string{"agent", "status"}),
		PendingApprovals: f.NewGauge(prometheus.GaugeOpts{
			Name: "stratuscode_pending_approvals",
			Help: "Tool calls currently waiting for a human answer",
		}),
		LoopWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: "stratuscode_loop_warnings_total",
			Help: "Repeated tool-call patterns detected",
		}),
	}
}

// LLMRequest records one model turn.
func (m *Metrics) LLMRequest(provider, model, status string, d time.Duration, in, out int) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if in > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(in))
	}
	if out > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(out))
	}
}

// ToolExecution records one tool call.
func (m *Metrics) ToolExecution(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Continuation records the strategy used to continue a step.
func (m *Metrics) Continuation(strategy string) {
	if m == nil {
		return
	}
	m.Continuations.WithLabelValues(strategy).Inc()
}

// Subagent records a delegation outcome.
func (m *Metrics) Subagent(agent, status string) {
	if m == nil {
		return
	}
	m.Subagents.WithLabelValues(agent, status).Inc()
}

// ApprovalPending adjusts the pending approval gauge by delta.
func (m *Metrics) ApprovalPending(delta int) {
	if m == nil {
		return
	}
	m.PendingApprovals.Add(float64(delta))
}

// LoopWarning counts a detected tool-call loop.
func (m *Metrics) LoopWarning() {
	if m == nil {
		return
	}
	m.LoopWarnings.Inc()
}
