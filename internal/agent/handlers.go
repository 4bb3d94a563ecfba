package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

// ToolHandler executes one tool with validated arguments.
//
// A returned error is classified for retries and folded back as a failed
// result. A result with Success false is a permanent, tool-reported failure.
// Handlers should honor ctx; the executor stops waiting when the per-call
// timeout expires.
type ToolHandler interface {
	Execute(ctx context.Context, args *toolspec.ValidatedArguments, cfg AgentConfig) (*models.ToolResult, error)
}

// HandlerFunc adapts a function to ToolHandler.
type HandlerFunc func(ctx context.Context, args *toolspec.ValidatedArguments, cfg AgentConfig) (*models.ToolResult, error)

// Execute implements ToolHandler.
func (f HandlerFunc) Execute(ctx context.Context, args *toolspec.ValidatedArguments, cfg AgentConfig) (*models.ToolResult, error) {
	return f(ctx, args, cfg)
}

// HandlerTable is the closed dispatch table from tool id to implementation.
type HandlerTable map[toolspec.ToolID]ToolHandler

// Merge returns a new table holding t and others. Later tables win on
// conflicts.
func (t HandlerTable) Merge(others ...HandlerTable) HandlerTable {
	out := make(HandlerTable, len(t))
	for id, h := range t {
		out[id] = h
	}
	for _, other := range others {
		for id, h := range other {
			out[id] = h
		}
	}
	return out
}

// unknownTool handles calls whose tool is unregistered or has no handler.
var unknownTool = HandlerFunc(func(_ context.Context, args *toolspec.ValidatedArguments, _ AgentConfig) (*models.ToolResult, error) {
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, args.Name)
})
