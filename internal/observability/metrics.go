package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the agent's Prometheus metrics.
//
// The metrics system tracks:
//   - completion requests, latency and token usage per provider and model
//   - tool executions, retries and approval decisions
//   - rate limiter admission waits per model configuration
//   - turn outcomes and malformed stream lines
//   - database queries made by the session and library stores
//
// Every method is safe to call on a nil *Metrics, so components can take
// metrics as an optional dependency.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolExecution("search_library", "success", time.Since(start))
type Metrics struct {
	// LLMRequestDuration measures completion stream latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completion requests.
	// Labels: provider, model, status (success|error|cancelled)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool execution attempts.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolRetryCounter counts retries after transient tool failures.
	// Labels: tool_name
	ToolRetryCounter *prometheus.CounterVec

	// ApprovalCounter counts approval decisions for gated tools.
	// Labels: tool_name, decision (allowed|denied|error)
	ApprovalCounter *prometheus.CounterVec

	// RateLimitWait measures time spent waiting for admission.
	// Labels: model_config, kind
	RateLimitWait *prometheus.HistogramVec

	// TurnCounter counts finished agent turns.
	// Labels: outcome (completed|truncated|cancelled|failed)
	TurnCounter *prometheus.CounterVec

	// MalformedLines counts skipped stream lines.
	// Labels: provider
	MalformedLines *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts database queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "libagent_llm_request_duration_seconds",
				Help:    "Duration of completion streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_llm_requests_total",
				Help: "Total number of completion requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_tool_executions_total",
				Help: "Total number of tool execution attempts by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "libagent_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ToolRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_tool_retries_total",
				Help: "Total number of tool retries after transient failures",
			},
			[]string{"tool_name"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_approvals_total",
				Help: "Total number of approval decisions by tool name and decision",
			},
			[]string{"tool_name", "decision"},
		),

		RateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "libagent_ratelimit_wait_seconds",
				Help:    "Time spent waiting for rate limiter admission in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"model_config", "kind"},
		),

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_agent_turns_total",
				Help: "Total number of agent turns by outcome",
			},
			[]string{"outcome"},
		),

		MalformedLines: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_sse_malformed_lines_total",
				Help: "Total number of undecodable stream lines skipped",
			},
			[]string{"provider"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "libagent_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "libagent_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// RecordLLMRequest records one completion stream.
//
// Example:
//
//	metrics.RecordLLMRequest("openai", "gpt-4o-mini", "success", time.Since(start), 1200, 310)
func (m *Metrics) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool execution attempt.
func (m *Metrics) RecordToolExecution(toolName, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordToolRetry counts a retry of toolName.
func (m *Metrics) RecordToolRetry(toolName string) {
	if m == nil {
		return
	}
	m.ToolRetryCounter.WithLabelValues(toolName).Inc()
}

// RecordApproval counts an approval decision.
func (m *Metrics) RecordApproval(toolName, decision string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(toolName, decision).Inc()
}

// ObserveRateLimitWait records an admission wait. It matches the
// ratelimit.Observer signature once kind is converted.
func (m *Metrics) ObserveRateLimitWait(modelConfigID, kind string, waited time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(modelConfigID, kind).Observe(waited.Seconds())
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
}

// RecordMalformedLine counts a skipped stream line.
func (m *Metrics) RecordMalformedLine(provider string) {
	if m == nil {
		return
	}
	m.MalformedLines.WithLabelValues(provider).Inc()
}

// RecordError increments the error counter.
//
// Example:
//
//	metrics.RecordError("agent", "transport")
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordDatabaseQuery records one database query.
//
// Example:
//
//	metrics.RecordDatabaseQuery("insert", "messages", "success", time.Since(start))
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// StatusLabel maps an error to the success|error status label.
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
