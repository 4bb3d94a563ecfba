package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

// sseServer replays lines as an event stream and keeps the last request body.
type sseServer struct {
	*httptest.Server
	mu   sync.Mutex
	body map[string]any
	path string
	auth string
}

func newSSEServer(t *testing.T, status int, lines ...string) *sseServer {
	t.Helper()
	s := &sseServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.path = r.URL.Path
		s.auth = r.Header.Get("Authorization")
		s.body = nil
		_ = json.Unmarshal(raw, &s.body)
		s.mu.Unlock()

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			for _, line := range lines {
				fmt.Fprint(w, line)
			}
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sseServer) request() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body
}

func searchDefinition() toolspec.Definition {
	return toolspec.Definition{
		Name:        "search_library",
		Description: "Search the library",
		Parameters:  []byte(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"],"additionalProperties":false}`),
	}
}

func toolConversation() []models.Message {
	return []models.Message{
		{Role: models.RoleUser, Content: "find attention papers"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCallRequest{
			{ID: "call_1", Name: "search_library", Arguments: `{"query":"attention"}`},
			{ID: "call_2", Name: "search_library", Arguments: `{"query":`},
		}},
		{Role: models.RoleTool, ToolCallID: "call_1", ToolName: "search_library", Content: `{"success":true}`},
		{Role: models.RoleTool, ToolCallID: "call_2", ToolName: "search_library", Content: `{"success":false}`, IsError: true},
	}
}

func assemble(t *testing.T, p agent.Provider, req *agent.CompletionRequest) *agent.AssembledTurn {
	t.Helper()
	stream, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	turn, err := agent.Assemble(context.Background(), stream, agent.StreamHandlers{})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	return turn
}

// dig walks nested maps and slices: dig(v, "messages", 1, "content").
func dig(v any, path ...any) any {
	for _, p := range path {
		switch key := p.(type) {
		case string:
			m, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v = m[key]
		case int:
			s, ok := v.([]any)
			if !ok || key >= len(s) {
				return nil
			}
			v = s[key]
		}
	}
	return v
}
