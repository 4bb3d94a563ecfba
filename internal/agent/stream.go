package agent

import (
	"context"
	"io"
)

// ToolCallFragment is one streamed piece of a tool call. Fragments sharing an
// index belong to the same call.
type ToolCallFragment struct {
	Index     int
	HasIndex  bool
	ID        string
	Name      string
	Arguments string
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Fragment is one decoded unit of a completion stream.
type Fragment struct {
	Text      string
	ToolCalls []ToolCallFragment
	Usage     *Usage

	// Done marks the end of the completion. Fragments after it are not read.
	Done bool
}

// FragmentStream yields completion fragments in arrival order. Next returns
// io.EOF once the stream is exhausted. Streams are not restartable.
type FragmentStream interface {
	Next(ctx context.Context) (*Fragment, error)
	Close() error
}

type sliceStream struct {
	fragments []*Fragment
	pos       int
}

// NewSliceStream returns a stream over fixed fragments. A nil entry is skipped.
func NewSliceStream(fragments ...*Fragment) FragmentStream {
	return &sliceStream{fragments: fragments}
}

func (s *sliceStream) Next(ctx context.Context) (*Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		if f != nil {
			return f, nil
		}
	}
	return nil, io.EOF
}

func (s *sliceStream) Close() error { return nil }

// ErrorStream returns a stream that yields the given fragments and then err.
func ErrorStream(err error, fragments ...*Fragment) FragmentStream {
	return &errorStream{inner: &sliceStream{fragments: fragments}, err: err}
}

type errorStream struct {
	inner *sliceStream
	err   error
}

func (s *errorStream) Next(ctx context.Context) (*Fragment, error) {
	f, err := s.inner.Next(ctx)
	if err == io.EOF {
		return nil, s.err
	}
	return f, err
}

func (s *errorStream) Close() error { return nil }
