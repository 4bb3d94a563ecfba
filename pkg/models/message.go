package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation. Tool results are carried as
// RoleTool messages addressed to the originating call through ToolCallID.
type Message struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ToolCallRequest is a finalized request from the model to invoke a tool.
// Arguments is the raw JSON text exactly as streamed; it is parsed at dispatch.
type ToolCallRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Summary is a short description for transcripts and traces. It never
	// carries the full payload.
	Summary string `json:"summary,omitempty"`
}

// maxSummaryLength bounds ToolResult.Summary.
const maxSummaryLength = 200

// NewToolSuccess builds a successful result.
func NewToolSuccess(data any, summary string) *ToolResult {
	return &ToolResult{Success: true, Data: data, Summary: clampSummary(summary)}
}

// NewToolFailure builds a failed result carrying msg as its error.
func NewToolFailure(msg string) *ToolResult {
	return &ToolResult{Success: false, Error: msg, Summary: clampSummary("failed: " + msg)}
}

func clampSummary(s string) string {
	r := []rune(s)
	if len(r) <= maxSummaryLength {
		return s
	}
	return string(r[:maxSummaryLength-3]) + "..."
}
