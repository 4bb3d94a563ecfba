package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/config"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/pkg/models"
)

// OpenAIProvider streams chat completions through the OpenAI API or any
// server go-openai can talk to.
//
// Tool calls arrive as indexed deltas: the first delta of a call carries its
// id and name, later ones carry argument text. Deltas are passed through as
// fragments; the assembler joins them.
type OpenAIProvider struct {
	base
	client *openai.Client
}

// NewOpenAIProvider creates a provider from a model configuration.
func NewOpenAIProvider(mc config.ModelConfig, opts ...Option) (*OpenAIProvider, error) {
	if mc.APIKey == "" {
		return nil, errors.New("openai: api_key is required")
	}
	p := &OpenAIProvider{base: newBase("openai", mc, opts)}
	clientCfg := openai.DefaultConfig(mc.APIKey)
	if mc.BaseURL != "" {
		clientCfg.BaseURL = mc.BaseURL
	}
	clientCfg.HTTPClient = p.httpClient
	p.client = openai.NewClientWithConfig(clientCfg)
	return p, nil
}

// Stream implements agent.Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (agent.FragmentStream, error) {
	model := p.modelFor(req)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      openAIMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if n := p.maxTokensFor(req, 0); n > 0 {
		chatReq.MaxTokens = n
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
	}

	stream, err := open(ctx, &p.base, model, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return &openAIStream{stream: stream, provider: p, model: model}, nil
}

type openAIStream struct {
	stream   *openai.ChatCompletionStream
	provider *OpenAIProvider
	model    string
}

func (s *openAIStream) Next(ctx context.Context) (*agent.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.provider.wrapError(err, s.model)
	}

	f := &agent.Fragment{}
	if resp.Usage != nil {
		f.Usage = &agent.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	if len(resp.Choices) == 0 {
		return f, nil
	}
	delta := resp.Choices[0].Delta
	f.Text = delta.Content
	for _, tc := range delta.ToolCalls {
		frag := agent.ToolCallFragment{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		if tc.Index != nil {
			frag.Index = *tc.Index
			frag.HasIndex = true
		}
		f.ToolCalls = append(f.ToolCalls, frag)
	}
	return f, nil
}

func (s *openAIStream) Close() error { return s.stream.Close() }

// openAIMessages puts the system prompt first and sends tool results as one
// tool message per call.
func openAIMessages(system string, msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, msg)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

func openAITools(defs []toolspec.Definition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return tools
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError(p.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		pe.Message = apiErr.Message
		if apiErr.Type != "" {
			pe = pe.WithCode(apiErr.Type)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		}
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError(p.name, model, err).WithStatus(reqErr.HTTPStatusCode)
		if len(reqErr.Body) > 0 {
			pe.Message = fmt.Sprintf("%s: %s", reqErr.HTTPStatus, truncateBody(reqErr.Body))
		}
		return pe
	}
	return NewProviderError(p.name, model, err)
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
