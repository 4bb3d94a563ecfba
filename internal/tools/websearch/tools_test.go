package websearch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

func callTool(t *testing.T, tools *Tools, name, raw string) (*models.ToolResult, error) {
	t.Helper()
	reg, err := toolspec.DefaultRegistry(nil)
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}
	args, err := reg.Validate(name, raw)
	if err != nil {
		t.Fatalf("Validate(%s) error = %v", name, err)
	}
	id, _ := toolspec.ParseToolID(name)
	handler, ok := tools.Handlers()[id]
	if !ok {
		t.Fatalf("no handler for %s", name)
	}
	return handler.Execute(context.Background(), args, agent.DefaultAgentConfig())
}

func TestTools_WebSearch(t *testing.T) {
	server, _ := newSearchServer(t)
	tools := NewTools(NewSearcher(SearchConfig{BaseURL: server.URL}), nil)

	result, err := callTool(t, tools, "web_search", `{"query":"attention","limit":1}`)
	if err != nil {
		t.Fatalf("web_search error = %v", err)
	}
	resp, ok := result.Data.(*Response)
	if !result.Success || !ok || len(resp.Results) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Summary != `1 web results for "attention"` {
		t.Errorf("summary = %q", result.Summary)
	}
}

func TestTools_ReadWebPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(articleHTML))
		}
	}))
	defer server.Close()
	tools := NewTools(nil, testExtractor())

	result, err := callTool(t, tools, "read_web_page", `{"url":"`+server.URL+`/article","max_chars":100}`)
	if err != nil {
		t.Fatalf("read_web_page error = %v", err)
	}
	page := result.Data.(*Page)
	if !result.Success || !page.Truncated || !strings.HasPrefix(result.Summary, `"Test Page Title": 100 characters`) {
		t.Errorf("result = %+v summary = %q", page, result.Summary)
	}

	result, err = callTool(t, tools, "read_web_page", `{"url":"`+server.URL+`/gone"}`)
	if err != nil || result.Success || result.Error != "HTTP 410" {
		t.Errorf("gone result = %+v err = %v", result, err)
	}

	_, err = callTool(t, tools, "read_web_page", `{"url":"`+server.URL+`/busy"}`)
	if toolErr, ok := agent.GetToolError(err); !ok || toolErr.Type != agent.ToolErrorRateLimit {
		t.Errorf("busy error = %v", err)
	}
	_, err = callTool(t, tools, "read_web_page", `{"url":"`+server.URL+`/down"}`)
	if !agent.IsToolRetryable(err) {
		t.Errorf("down error should be retryable: %v", err)
	}
}

func TestPageFailure(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantFailure bool
	}{
		{"blocked", ErrBlockedAddress, true},
		{"not allowed", errors.Join(ErrURLNotAllowed, errors.New("localhost")), true},
		{"content", &UnsupportedContentError{ContentType: "image/png"}, true},
		{"not found", &HTTPError{StatusCode: http.StatusNotFound}, true},
		{"transport", errors.New("connection reset by peer"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := pageFailure(tt.err)
			if tt.wantFailure {
				if err != nil || result == nil || result.Success {
					t.Errorf("pageFailure() = %+v, %v", result, err)
				}
				return
			}
			if result != nil || err == nil {
				t.Errorf("pageFailure() = %+v, %v", result, err)
			}
		})
	}
}
