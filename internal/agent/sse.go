package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

const maxSSELineSize = 1 << 20

// SSEOption configures an SSE stream.
type SSEOption func(*sseStream)

// WithMalformedHook is called with each data line that could not be decoded.
func WithMalformedHook(fn func(line []byte, err error)) SSEOption {
	return func(s *sseStream) { s.onMalformed = fn }
}

type sseStream struct {
	body        io.ReadCloser
	scanner     *bufio.Scanner
	onMalformed func([]byte, error)
	done        bool
}

// NewSSEStream decodes an OpenAI-compatible chat completion event stream.
// Lines that are not valid chunk envelopes are skipped.
func NewSSEStream(body io.ReadCloser, opts ...SSEOption) FragmentStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	s := &sseStream{body: body, scanner: scanner}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type chunkEnvelope struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

func (s *sseStream) Next(ctx context.Context) (*Fragment, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read event stream: %w", err)
			}
			s.done = true
			return nil, io.EOF
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			// Blank separators, comments and event/id fields carry nothing.
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, doneMarker) {
			s.done = true
			return nil, io.EOF
		}

		var env chunkEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			if s.onMalformed != nil {
				s.onMalformed(append([]byte(nil), payload...), err)
			}
			continue
		}
		return env.fragment(), nil
	}
}

func (env *chunkEnvelope) fragment() *Fragment {
	f := &Fragment{}
	if env.Usage != nil {
		f.Usage = &Usage{InputTokens: env.Usage.PromptTokens, OutputTokens: env.Usage.CompletionTokens}
	}
	if len(env.Choices) == 0 {
		return f
	}
	delta := env.Choices[0].Delta
	f.Text = delta.Content
	for _, tc := range delta.ToolCalls {
		frag := ToolCallFragment{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
		if tc.Index != nil {
			frag.Index = *tc.Index
			frag.HasIndex = true
		}
		f.ToolCalls = append(f.ToolCalls, frag)
	}
	return f
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
