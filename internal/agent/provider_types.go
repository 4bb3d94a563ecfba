package agent

import (
	"context"

	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

// Provider is the completion transport.
//
// Implementations translate a CompletionRequest into a vendor API call and
// expose the streamed answer as a FragmentStream. Tool call deltas must carry
// the vendor's positional index so the Assembler can stitch them together.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple sessions may
// call Stream simultaneously.
//
// See Also:
//   - providers.OpenAIProvider for the go-openai client
//   - providers.AnthropicProvider for the Anthropic Messages API
//   - providers.CompatProvider for any OpenAI-compatible HTTP endpoint
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Stream starts a completion and returns its fragments.
	Stream(ctx context.Context, req *CompletionRequest) (FragmentStream, error)
}

// CompletionRequest contains all parameters for one model turn.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:    "gpt-4o-mini",
//	    System:   "You are a research assistant.",
//	    Messages: []models.Message{
//	        {Role: models.RoleUser, Content: "Find my papers on attention"},
//	    },
//	    Tools:     registry.Definitions(),
//	    MaxTokens: 2048,
//	}
type CompletionRequest struct {
	// Model is the vendor model name. Empty selects the provider default.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages is the full conversation history, oldest first.
	Messages []models.Message `json:"messages"`

	// Tools lists the functions the model may call.
	Tools []toolspec.Definition `json:"tools,omitempty"`

	// MaxTokens caps the response length.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ResponseChunk is one event of a Run channel. Exactly one field is set,
// except for the final chunk which carries Result and possibly Error.
type ResponseChunk struct {
	Text      string                  `json:"text,omitempty"`
	ToolCall  *models.ToolCallRequest `json:"tool_call,omitempty"`
	ToolEvent *ToolEvent              `json:"tool_event,omitempty"`
	Result    *TurnResult             `json:"result,omitempty"`
	Error     error                   `json:"-"`
}

// ToolEvent reports the outcome of one tool call execution.
type ToolEvent struct {
	ToolCallID string             `json:"tool_call_id"`
	ToolName   string             `json:"tool_name"`
	Attempt    int                `json:"attempt"`
	Result     *models.ToolResult `json:"result"`
	// Err is set on the last attempt of a call whose handler failed.
	Err        *ToolError         `json:"-"`
}
