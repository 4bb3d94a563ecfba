package agent

import (
	"github.com/google/uuid"

	"github.com/haasonsaas/libagent/pkg/models"
)

// Phase is a state of the agent loop.
//
//	Idle ──▶ Streaming ──▶ Dispatching ──▶ Executing ──▶ Folding ──┐
//	             ▲              │     ▲          │                 │
//	             │              ▼     │          │                 │
//	             │          Approving ┘          │                 │
//	             └───────────────────────────────┴─────────────────┘
//
// Terminal phases are Done, Truncated, Cancelled and Failed.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseStreaming   Phase = "streaming"
	PhaseDispatching Phase = "dispatching"
	PhaseApproving   Phase = "approving"
	PhaseExecuting   Phase = "executing"
	PhaseFolding     Phase = "folding"
	PhaseDone        Phase = "done"
	PhaseTruncated   Phase = "truncated"
	PhaseCancelled   Phase = "cancelled"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether the loop has stopped.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseTruncated, PhaseCancelled, PhaseFailed:
		return true
	}
	return false
}

// AgentState is the mutable state of one session's turn. It is owned by a
// single loop and passed by pointer through each step.
type AgentState struct {
	// SessionID identifies this run of the loop. It keys the trace, so
	// concurrent turns on one conversation never share a session.
	SessionID      string
	// ConversationID is the conversation the run appends to.
	ConversationID string
	Phase          Phase

	// Iteration counts completed model turns.
	Iteration int

	// RetryCount holds retries used per tool call id in the current
	// iteration. Providers may reuse ids across iterations.
	RetryCount map[string]int

	// TotalToolCalls and FailedToolCalls count execution attempts.
	TotalToolCalls  int
	FailedToolCalls int

	// RejectedToolCalls counts calls answered without running the tool.
	RejectedToolCalls int

	PendingApproval bool
	PendingToolCall *models.ToolCallRequest

	// Usage accumulates provider-reported tokens across iterations.
	Usage Usage
}

func newAgentState(conversationID string) *AgentState {
	return &AgentState{
		SessionID:      uuid.NewString(),
		ConversationID: conversationID,
		Phase:          PhaseIdle,
		RetryCount:     make(map[string]int),
	}
}
