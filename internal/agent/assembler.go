package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/libagent/pkg/models"
)

// StreamOutcome says how a completion stream ended.
type StreamOutcome string

const (
	StreamCompleted StreamOutcome = "completed"
	StreamCancelled StreamOutcome = "cancelled"
	StreamFailed    StreamOutcome = "failed"
)

// StreamHandlers receive assembly events. Any field may be nil.
//
// OnToken fires for every text delta as it arrives. At the end of a
// completed stream exactly one of OnToolCalls or OnComplete fires; a
// cancelled stream fires OnComplete with the partial text.
type StreamHandlers struct {
	OnToken     func(text string)
	OnToolCalls func(calls []models.ToolCallRequest)
	OnComplete  func(text string)
}

// AssembledTurn is the result of reading one completion stream.
type AssembledTurn struct {
	Text      string
	ToolCalls []models.ToolCallRequest
	Outcome   StreamOutcome
	Usage     Usage
}

type pendingCall struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// Assembler accumulates text and tool-call fragments. It is not safe for
// concurrent use.
type Assembler struct {
	onToken func(string)
	text    strings.Builder
	calls   map[int]*pendingCall
	usage   Usage
}

// NewAssembler returns an empty assembler forwarding text deltas to onToken.
func NewAssembler(onToken func(string)) *Assembler {
	return &Assembler{onToken: onToken, calls: make(map[int]*pendingCall)}
}

// Add folds one fragment into the accumulated state. Text is forwarded even
// when the fragment also carries tool-call deltas.
func (a *Assembler) Add(f *Fragment) {
	if f == nil {
		return
	}
	if f.Text != "" {
		a.text.WriteString(f.Text)
		if a.onToken != nil {
			a.onToken(f.Text)
		}
	}
	for _, tc := range f.ToolCalls {
		idx := 0
		if tc.HasIndex {
			idx = tc.Index
		}
		call, ok := a.calls[idx]
		if !ok {
			call = &pendingCall{}
			a.calls[idx] = call
		}
		if tc.ID != "" {
			call.id = tc.ID
		}
		call.name.WriteString(tc.Name)
		call.args.WriteString(tc.Arguments)
	}
	if f.Usage != nil {
		if f.Usage.InputTokens > 0 {
			a.usage.InputTokens = f.Usage.InputTokens
		}
		if f.Usage.OutputTokens > 0 {
			a.usage.OutputTokens = f.Usage.OutputTokens
		}
	}
}

// Text returns the text accumulated so far.
func (a *Assembler) Text() string { return a.text.String() }

// Usage returns the latest token usage reported by the stream.
func (a *Assembler) Usage() Usage { return a.usage }

// ToolCalls finalizes the accumulated calls in index order. Calls without an
// id get a generated one; empty arguments become "{}". Calls whose name is
// still empty are returned as-is and rejected at dispatch.
func (a *Assembler) ToolCalls() []models.ToolCallRequest {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]models.ToolCallRequest, 0, len(indexes))
	for _, idx := range indexes {
		call := a.calls[idx]
		if call.id == "" {
			call.id = fallbackCallID(idx)
		}
		args := strings.TrimSpace(call.args.String())
		if args == "" {
			args = "{}"
		}
		out = append(out, models.ToolCallRequest{
			ID:        call.id,
			Name:      strings.TrimSpace(call.name.String()),
			Arguments: args,
		})
	}
	return out
}

func fallbackCallID(index int) string {
	return fmt.Sprintf("call_%d_%s", index, uuid.NewString()[:8])
}

// Assemble reads stream to the end and returns the assembled turn. The
// stream is closed on return.
//
// Cancellation is checked between fragments. When ctx ends, Assemble stops
// reading, passes the partial text to OnComplete and returns an error
// matching ErrStreamCancelled. Transport errors are returned wrapped and are
// not reported as cancellation.
func Assemble(ctx context.Context, stream FragmentStream, h StreamHandlers) (*AssembledTurn, error) {
	defer stream.Close()

	a := NewAssembler(h.OnToken)
	for {
		if ctx.Err() != nil {
			return a.cancelled(ctx, h)
		}
		f, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return a.cancelled(ctx, h)
			}
			return &AssembledTurn{Text: a.Text(), Outcome: StreamFailed, Usage: a.usage},
				fmt.Errorf("read completion stream: %w", err)
		}
		a.Add(f)
		if f.Done {
			break
		}
	}

	turn := &AssembledTurn{
		Text:      a.Text(),
		ToolCalls: a.ToolCalls(),
		Outcome:   StreamCompleted,
		Usage:     a.usage,
	}
	if len(turn.ToolCalls) > 0 {
		if h.OnToolCalls != nil {
			h.OnToolCalls(turn.ToolCalls)
		}
	} else if h.OnComplete != nil {
		h.OnComplete(turn.Text)
	}
	return turn, nil
}

func (a *Assembler) cancelled(ctx context.Context, h StreamHandlers) (*AssembledTurn, error) {
	text := a.Text()
	if h.OnComplete != nil {
		h.OnComplete(text)
	}
	turn := &AssembledTurn{Text: text, Outcome: StreamCancelled, Usage: a.usage}
	return turn, fmt.Errorf("%w: %w", ErrStreamCancelled, context.Cause(ctx))
}
