package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/config"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider streams messages from the Anthropic Messages API.
//
// Content blocks carry an index; a tool_use block start supplies the call id
// and name and later input_json_delta events supply its arguments under the
// same index, so block indices map directly to fragment indices.
type AnthropicProvider struct {
	base
	client anthropic.Client
}

// NewAnthropicProvider creates a provider from a model configuration. The SDK
// performs its own retries, bounded by the configured max_retries.
func NewAnthropicProvider(mc config.ModelConfig, opts ...Option) (*AnthropicProvider, error) {
	if mc.APIKey == "" {
		return nil, errors.New("anthropic: api_key is required")
	}
	p := &AnthropicProvider{base: newBase("anthropic", mc, opts)}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(mc.APIKey),
		option.WithHTTPClient(p.httpClient),
		option.WithMaxRetries(p.maxRetries),
	}
	if mc.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(mc.BaseURL))
	}
	p.client = anthropic.NewClient(reqOpts...)
	return p, nil
}

// Stream implements agent.Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (agent.FragmentStream, error) {
	model := p.modelFor(req)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(p.maxTokensFor(req, defaultAnthropicMaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream, provider: p, model: model}, nil
}

type anthropicStream struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	provider *AnthropicProvider
	model    string
	done     bool
}

func (s *anthropicStream) Next(ctx context.Context) (*agent.Fragment, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, s.provider.wrapError(err, s.model)
			}
			return nil, io.EOF
		}
		if f := s.fragment(s.stream.Current()); f != nil {
			return f, nil
		}
	}
}

// fragment converts one event; events without content yield nil.
func (s *anthropicStream) fragment(event anthropic.MessageStreamEventUnion) *agent.Fragment {
	switch event.Type {
	case "message_start":
		usage := event.AsMessageStart().Message.Usage
		return &agent.Fragment{Usage: &agent.Usage{InputTokens: int(usage.InputTokens)}}
	case "content_block_start":
		start := event.AsContentBlockStart()
		if start.ContentBlock.Type != "tool_use" {
			return nil
		}
		return &agent.Fragment{ToolCalls: []agent.ToolCallFragment{{
			Index:    int(start.Index),
			HasIndex: true,
			ID:       start.ContentBlock.ID,
			Name:     start.ContentBlock.Name,
		}}}
	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text == "" {
				return nil
			}
			return &agent.Fragment{Text: delta.Delta.Text}
		case "input_json_delta":
			if delta.Delta.PartialJSON == "" {
				return nil
			}
			return &agent.Fragment{ToolCalls: []agent.ToolCallFragment{{
				Index:     int(delta.Index),
				HasIndex:  true,
				Arguments: delta.Delta.PartialJSON,
			}}}
		}
	case "message_delta":
		usage := event.AsMessageDelta().Usage
		return &agent.Fragment{Usage: &agent.Usage{OutputTokens: int(usage.OutputTokens)}}
	case "message_stop":
		s.done = true
		return &agent.Fragment{Done: true}
	}
	return nil
}

func (s *anthropicStream) Close() error { return s.stream.Close() }

// anthropicMessages folds consecutive tool results into one user message,
// since the API requires alternating roles.
func anthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case models.RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case models.RoleSystem:
			// Carried by MessageNewParams.System.
		default:
			flushResults()
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	flushResults()
	return out
}

// toolInput decodes streamed arguments. The API requires an object, so text
// that is not one becomes an empty object; the tool result already told the
// model its arguments were rejected.
func toolInput(arguments string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(arguments) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(arguments), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}

func anthropicTools(defs []toolspec.Definition) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var doc map[string]any
		if err := json.Unmarshal(d.Parameters, &doc); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", d.Name, err)
		}
		schema := anthropic.ToolInputSchemaParam{Properties: doc["properties"]}
		if required, ok := doc["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		extra := map[string]any{}
		for k, v := range doc {
			switch k {
			case "properties", "required", "type", "$schema", "$id":
				continue
			}
			extra[k] = v
		}
		if len(extra) > 0 {
			schema.ExtraFields = extra
		}

		tool := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if d.Description != "" {
			tool.OfTool.Description = anthropic.String(d.Description)
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError(p.name, model, err)
	}

	pe := NewProviderError(p.name, model, err).WithStatus(apiErr.StatusCode)
	pe.RequestID = apiErr.RequestID
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			pe.Message = payload.Error.Message
		}
		if payload.Error.Type != "" {
			pe = pe.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			pe.RequestID = payload.RequestID
		}
	}
	return pe
}
