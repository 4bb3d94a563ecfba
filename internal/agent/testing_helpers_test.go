package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

// scriptedProvider replays one fragment script per completion call.
type scriptedProvider struct {
	mu        sync.Mutex
	scripts   [][]*Fragment
	repeat    bool
	streamErr error
	requests  []*CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, req *CompletionRequest) (FragmentStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *req
	copied.Messages = append([]models.Message(nil), req.Messages...)
	p.requests = append(p.requests, &copied)
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	idx := len(p.requests) - 1
	if idx >= len(p.scripts) {
		if !p.repeat || len(p.scripts) == 0 {
			return NewSliceStream(textFrag("no more script")), nil
		}
		idx = len(p.scripts) - 1
	}
	return NewSliceStream(p.scripts[idx]...), nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// countingHandler records invocations and returns a fixed outcome.
type countingHandler struct {
	calls  atomic.Int32
	result *models.ToolResult
	err    error
	fn     func(ctx context.Context, args *toolspec.ValidatedArguments) (*models.ToolResult, error)
}

func (h *countingHandler) Execute(ctx context.Context, args *toolspec.ValidatedArguments, _ AgentConfig) (*models.ToolResult, error) {
	h.calls.Add(1)
	if h.fn != nil {
		return h.fn(ctx, args)
	}
	return h.result, h.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *toolspec.Registry {
	t.Helper()
	reg, err := toolspec.DefaultRegistry(discardLogger())
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}
	return reg
}

func testConfig() AgentConfig {
	cfg := DefaultAgentConfig()
	cfg.Model = "test-model"
	cfg.RetryBackoff.Initial = 0
	return cfg
}

func userConversation(id, text string) *MemoryConversation {
	return NewMemoryConversation(id, models.Message{Role: models.RoleUser, Content: text})
}

func messagesOf(t *testing.T, conv Conversation) []models.Message {
	t.Helper()
	msgs, err := conv.Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	return msgs
}
