package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/haasonsaas/libagent/pkg/models"
)

func textFrag(s string) *Fragment { return &Fragment{Text: s} }

func callFrag(index int, id, name, args string) *Fragment {
	return &Fragment{ToolCalls: []ToolCallFragment{{Index: index, HasIndex: true, ID: id, Name: name, Arguments: args}}}
}

// interleavings returns every merge of a and b that keeps the order within
// each slice.
func interleavings(a, b []*Fragment) [][]*Fragment {
	if len(a) == 0 {
		return [][]*Fragment{append([]*Fragment(nil), b...)}
	}
	if len(b) == 0 {
		return [][]*Fragment{append([]*Fragment(nil), a...)}
	}
	var out [][]*Fragment
	for _, rest := range interleavings(a[1:], b) {
		out = append(out, append([]*Fragment{a[0]}, rest...))
	}
	for _, rest := range interleavings(a, b[1:]) {
		out = append(out, append([]*Fragment{b[0]}, rest...))
	}
	return out
}

func TestAssemble_OrderIndependence(t *testing.T) {
	first := []*Fragment{
		callFrag(0, "call_a", "search_", ""),
		callFrag(0, "", "library", `{"query":`),
		callFrag(0, "", "", ` "transformers"}`),
	}
	second := []*Fragment{
		callFrag(1, "call_b", "web_search", `{"query"`),
		callFrag(1, "", "", `: "attention"}`),
	}
	want := []models.ToolCallRequest{
		{ID: "call_a", Name: "search_library", Arguments: `{"query": "transformers"}`},
		{ID: "call_b", Name: "web_search", Arguments: `{"query": "attention"}`},
	}

	orders := interleavings(first, second)
	if len(orders) != 10 {
		t.Fatalf("interleavings = %d, want 10", len(orders))
	}
	for i, order := range orders {
		turn, err := Assemble(context.Background(), NewSliceStream(order...), StreamHandlers{})
		if err != nil {
			t.Fatalf("order %d: Assemble() error = %v", i, err)
		}
		if !reflect.DeepEqual(turn.ToolCalls, want) {
			t.Errorf("order %d: calls = %+v, want %+v", i, turn.ToolCalls, want)
		}
	}
}

func TestAssemble_TextAndToolCallsCoexist(t *testing.T) {
	var tokens []string
	var gotCalls []models.ToolCallRequest
	completed := false

	mixed := &Fragment{
		Text:      "checking ",
		ToolCalls: []ToolCallFragment{{Index: 0, HasIndex: true, ID: "c1", Name: "search_library"}},
	}
	stream := NewSliceStream(
		textFrag("Let me "),
		mixed,
		callFrag(0, "", "", `{"query":"x"}`),
		textFrag("your library."),
	)
	turn, err := Assemble(context.Background(), stream, StreamHandlers{
		OnToken:     func(s string) { tokens = append(tokens, s) },
		OnToolCalls: func(calls []models.ToolCallRequest) { gotCalls = calls },
		OnComplete:  func(string) { completed = true },
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	if turn.Text != "Let me checking your library." {
		t.Errorf("text = %q", turn.Text)
	}
	if strings.Join(tokens, "") != turn.Text || len(tokens) != 3 {
		t.Errorf("tokens = %q", tokens)
	}
	if len(gotCalls) != 1 || gotCalls[0].Name != "search_library" || gotCalls[0].Arguments != `{"query":"x"}` {
		t.Errorf("calls = %+v", gotCalls)
	}
	if completed {
		t.Error("OnComplete should not fire when tool calls exist")
	}
	if turn.Outcome != StreamCompleted {
		t.Errorf("outcome = %q", turn.Outcome)
	}
}

func TestAssemble_ArgumentsSplitAcrossFragments(t *testing.T) {
	stream := NewSliceStream(
		callFrag(0, "call_1", "search_library", `{"query": "ne`),
		callFrag(0, "", "", `ural networks"}`),
	)
	turn, err := Assemble(context.Background(), stream, StreamHandlers{})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("calls = %+v", turn.ToolCalls)
	}
	args := turn.ToolCalls[0].Arguments
	if args != `{"query": "neural networks"}` {
		t.Errorf("arguments = %q", args)
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		t.Fatalf("arguments do not parse: %v", err)
	}
	if parsed["query"] != "neural networks" {
		t.Errorf("query = %q", parsed["query"])
	}
}

func TestAssemble_NoToolCallsCompletes(t *testing.T) {
	var final string
	turn, err := Assemble(context.Background(),
		NewSliceStream(textFrag("Hello"), textFrag(" world"), &Fragment{Done: true}, textFrag(" ignored")),
		StreamHandlers{OnComplete: func(s string) { final = s }})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if final != "Hello world" || turn.Text != final || turn.ToolCalls != nil {
		t.Errorf("final = %q turn = %+v", final, turn)
	}
}

func TestAssembler_Finalization(t *testing.T) {
	a := NewAssembler(nil)
	a.Add(&Fragment{ToolCalls: []ToolCallFragment{{Name: "list_collections"}}})
	a.Add(callFrag(2, "first", "delete_note", ""))
	a.Add(callFrag(2, "second", "", `{"note_key":"N1"}`))
	a.Add(callFrag(1, "", "", `{}`))

	calls := a.ToolCalls()
	if len(calls) != 3 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Name != "list_collections" || calls[0].Arguments != "{}" {
		t.Errorf("missing index should default to 0 with {} args: %+v", calls[0])
	}
	if !regexp.MustCompile(`^call_0_[0-9a-f]{8}$`).MatchString(calls[0].ID) {
		t.Errorf("fallback id = %q", calls[0].ID)
	}
	if calls[1].Name != "" || !strings.HasPrefix(calls[1].ID, "call_1_") {
		t.Errorf("nameless call should be kept with a generated id: %+v", calls[1])
	}
	if calls[2].ID != "second" {
		t.Errorf("last non-empty id should win, got %q", calls[2].ID)
	}
	if again := a.ToolCalls(); again[0].ID != calls[0].ID {
		t.Error("generated ids must be stable across calls")
	}
}

type blockingStream struct {
	first  []*Fragment
	served int
}

func (s *blockingStream) Next(ctx context.Context) (*Fragment, error) {
	if s.served < len(s.first) {
		s.served++
		return s.first[s.served-1], nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *blockingStream) Close() error { return nil }

func TestAssemble_CancellationPreservesPartialText(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var final string
	stream := &blockingStream{first: []*Fragment{textFrag("partial "), textFrag("answer")}}

	h := StreamHandlers{
		OnToken: func(s string) {
			if s == "answer" {
				cancel()
			}
		},
		OnComplete: func(s string) { final = s },
	}
	turn, err := Assemble(ctx, stream, h)
	if !errors.Is(err, ErrStreamCancelled) {
		t.Fatalf("Assemble() error = %v, want ErrStreamCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should carry the context cause: %v", err)
	}
	if final != "partial answer" || turn.Text != final {
		t.Errorf("partial text = %q / %q", final, turn.Text)
	}
	if turn.Outcome != StreamCancelled {
		t.Errorf("outcome = %q", turn.Outcome)
	}
}

func TestAssemble_TransportErrorIsNotCancellation(t *testing.T) {
	reset := errors.New("connection reset by peer")
	turn, err := Assemble(context.Background(), ErrorStream(reset, textFrag("half")), StreamHandlers{})
	if err == nil || errors.Is(err, ErrStreamCancelled) {
		t.Fatalf("Assemble() error = %v, want transport error", err)
	}
	if !errors.Is(err, reset) {
		t.Errorf("cause lost: %v", err)
	}
	if turn.Outcome != StreamFailed || turn.Text != "half" {
		t.Errorf("turn = %+v", turn)
	}
}

func TestSSEStream(t *testing.T) {
	body := strings.Join([]string{
		`: keep-alive`,
		``,
		`data: {"choices":[{"delta":{"content":"Looking "}}]}`,
		`data: {not json`,
		`event: ping`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"search_library","arguments":"{\"query\": \"ne"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ural networks\"}"}}]}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7}}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"after done"}}]}`,
	}, "\n")

	var malformed int
	stream := NewSSEStream(io.NopCloser(strings.NewReader(body)), WithMalformedHook(func([]byte, error) { malformed++ }))
	turn, err := Assemble(context.Background(), stream, StreamHandlers{})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1", malformed)
	}
	if turn.Text != "Looking " {
		t.Errorf("text = %q", turn.Text)
	}
	want := []models.ToolCallRequest{{ID: "call_9", Name: "search_library", Arguments: `{"query": "neural networks"}`}}
	if !reflect.DeepEqual(turn.ToolCalls, want) {
		t.Errorf("calls = %+v", turn.ToolCalls)
	}
	if turn.Usage != (Usage{InputTokens: 12, OutputTokens: 7}) {
		t.Errorf("usage = %+v", turn.Usage)
	}
}

func TestSSEStream_EndsWithoutDoneMarker(t *testing.T) {
	stream := NewSSEStream(io.NopCloser(strings.NewReader(`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n")))
	turn, err := Assemble(context.Background(), stream, StreamHandlers{})
	if err != nil || turn.Text != "hi" {
		t.Fatalf("Assemble() = %+v, %v", turn, err)
	}
}
