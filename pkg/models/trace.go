package models

import (
	"time"
)

// TraceOutcome labels how an agent session ended.
type TraceOutcome string

const (
	TraceOutcomeCompleted TraceOutcome = "completed"
	TraceOutcomeTruncated TraceOutcome = "truncated"
	TraceOutcomeCancelled TraceOutcome = "cancelled"
	TraceOutcomeFailed    TraceOutcome = "failed"
)

// ToolSpan records one execution attempt of a tool call. Retries of the same
// call produce separate spans with increasing Attempt.
type ToolSpan struct {
	ToolName   string      `json:"tool_name"`
	ToolCallID string      `json:"tool_call_id"`
	Attempt    int         `json:"attempt"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    time.Time   `json:"end_time,omitempty"`
	InputArgs  string      `json:"input_args,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`
}

// Duration returns the span length, or zero while the span is open.
func (s ToolSpan) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// AgentIteration is one model turn and the tool calls it produced.
type AgentIteration struct {
	Index     int        `json:"index"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time,omitempty"`
	ToolSpans []ToolSpan `json:"tool_spans,omitempty"`
}

// AgentTrace is the record of one agent session.
type AgentTrace struct {
	SessionID       string           `json:"session_id"`
	ConversationID  string           `json:"conversation_id,omitempty"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time,omitempty"`
	Iterations      []AgentIteration `json:"iterations"`
	TotalToolCalls  int              `json:"total_tool_calls"`
	FailedToolCalls int              `json:"failed_tool_calls"`
	FinalSuccess    bool             `json:"final_success"`
	Outcome         TraceOutcome     `json:"outcome,omitempty"`
}

// Duration returns the session length, or zero while the session is open.
func (t *AgentTrace) Duration() time.Duration {
	if t.EndTime.IsZero() {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

// ToolStats aggregates spans of one tool.
type ToolStats struct {
	ToolName        string        `json:"tool_name"`
	Calls           int           `json:"calls"`
	Failures        int           `json:"failures"`
	AverageDuration time.Duration `json:"average_duration"`
}

// ExecutionSummary is the per-tool rollup of a trace.
type ExecutionSummary struct {
	SessionID  string        `json:"session_id"`
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration"`
	Tools      []ToolStats   `json:"tools"`
}
