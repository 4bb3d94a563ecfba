package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/config"
)

// CompatProvider talks to OpenAI-compatible servers (vLLM, llama.cpp,
// LM Studio, OpenRouter and the like) over plain HTTP. Their streams are
// looser than OpenAI's, so lines are decoded by agent.NewSSEStream, which
// skips what it cannot parse instead of failing the turn.
type CompatProvider struct {
	base
	endpoint string
	apiKey   string
}

// NewCompatProvider creates a provider for mc.BaseURL. The API key is optional.
func NewCompatProvider(mc config.ModelConfig, opts ...Option) (*CompatProvider, error) {
	if mc.BaseURL == "" {
		return nil, errors.New("compat: base_url is required")
	}
	return &CompatProvider{
		base:     newBase("compat", mc, opts),
		endpoint: strings.TrimRight(mc.BaseURL, "/") + "/chat/completions",
		apiKey:   mc.APIKey,
	}, nil
}

type compatRequest struct {
	Model         string                         `json:"model"`
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Tools         []openai.Tool                  `json:"tools,omitempty"`
	MaxTokens     int                            `json:"max_tokens,omitempty"`
	Stream        bool                           `json:"stream"`
	StreamOptions *openai.StreamOptions          `json:"stream_options,omitempty"`
}

// Stream implements agent.Provider.
func (p *CompatProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (agent.FragmentStream, error) {
	model := p.modelFor(req)
	body, err := json.Marshal(compatRequest{
		Model:         model,
		Messages:      openAIMessages(req.System, req.Messages),
		Tools:         openAITools(req.Tools),
		MaxTokens:     p.maxTokensFor(req, 0),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("compat: encode request: %w", err)
	}

	resp, err := open(ctx, &p.base, model, func(ctx context.Context) (*http.Response, error) {
		return p.post(ctx, model, body)
	})
	if err != nil {
		return nil, err
	}
	return agent.NewSSEStream(resp.Body, agent.WithMalformedHook(p.malformedHook())), nil
}

func (p *CompatProvider) post(ctx context.Context, model string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("compat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewProviderError(p.name, model, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.statusError(model, resp.StatusCode, raw)
	}
	return resp, nil
}

type compatErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (p *CompatProvider) statusError(model string, status int, raw []byte) error {
	cause := fmt.Errorf("unexpected status %d", status)
	pe := NewProviderError(p.name, model, cause).WithStatus(status)
	pe.Message = truncateBody(raw)

	var parsed compatErrorBody
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		pe.Message = parsed.Error.Message
		if parsed.Error.Type != "" {
			pe = pe.WithCode(parsed.Error.Type)
		}
		if code, ok := parsed.Error.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		}
	}
	return pe
}
