package tracing

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/libagent/pkg/models"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracer(opts ...Option) (*Tracer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return New(append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func call(id, name string) models.ToolCallRequest {
	return models.ToolCallRequest{ID: id, Name: name, Arguments: `{"query":"x"}`}
}

func TestTracer_SessionLifecycle(t *testing.T) {
	tr, clock := newTestTracer()

	tr.StartSession("s1")
	tr.StartIteration("s1", 0)
	tr.StartToolSpan("s1", call("c1", "search_library"), 1)
	clock.Advance(100 * time.Millisecond)
	tr.EndToolSpan("s1", "c1", models.NewToolSuccess([]string{"a", "b"}, "2 items"))
	tr.EndIteration("s1")
	tr.StartIteration("s1", 1)
	clock.Advance(50 * time.Millisecond)
	tr.EndIteration("s1")

	if tr.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", tr.Active())
	}
	trace := tr.EndSession(context.Background(), "s1", models.TraceOutcomeCompleted)
	if trace == nil {
		t.Fatal("EndSession() returned nil")
	}
	if tr.Active() != 0 {
		t.Errorf("session still tracked after EndSession")
	}
	if len(trace.Iterations) != 2 {
		t.Fatalf("iterations = %d, want 2", len(trace.Iterations))
	}
	spans := trace.Iterations[0].ToolSpans
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Duration() != 100*time.Millisecond {
		t.Errorf("span duration = %v", spans[0].Duration())
	}
	if spans[0].Result == nil || !spans[0].Result.Success {
		t.Errorf("span result = %+v", spans[0].Result)
	}
	if spans[0].Result.Data != nil {
		t.Errorf("span should not retain the payload")
	}
	if !trace.FinalSuccess || trace.TotalToolCalls != 1 || trace.FailedToolCalls != 0 {
		t.Errorf("totals = %+v", trace)
	}
	if trace.Duration() != 150*time.Millisecond {
		t.Errorf("session duration = %v", trace.Duration())
	}
}

func TestTracer_UnmatchedCallsAreNoOps(t *testing.T) {
	tr, _ := newTestTracer()

	tr.EndToolSpan("missing", "c1", models.NewToolFailure("x"))
	tr.EndIteration("missing")
	tr.StartIteration("missing", 0)
	if got := tr.EndSession(context.Background(), "missing", models.TraceOutcomeCompleted); got != nil {
		t.Errorf("EndSession(missing) = %+v, want nil", got)
	}

	tr.StartSession("s1")
	tr.EndToolSpan("s1", "never-started", models.NewToolFailure("x"))
	trace := tr.EndSession(context.Background(), "s1", models.TraceOutcomeCompleted)
	if trace.TotalToolCalls != 0 || trace.FailedToolCalls != 0 {
		t.Errorf("unmatched end changed totals: %+v", trace)
	}

	var nilTracer *Tracer
	nilTracer.StartSession("s")
	nilTracer.StartToolSpan("s", call("c", "t"), 1)
	if nilTracer.EndSession(context.Background(), "s", models.TraceOutcomeCompleted) != nil {
		t.Error("nil tracer should return nil trace")
	}
}

func TestTracer_SessionsShareConversation(t *testing.T) {
	tr, _ := newTestTracer()
	tr.StartConversationSession("run-a", "conv")
	tr.StartConversationSession("run-b", "conv")
	if tr.Active() != 2 {
		t.Fatalf("Active() = %d, want 2", tr.Active())
	}
	a := tr.EndSession(context.Background(), "run-a", models.TraceOutcomeCompleted)
	b := tr.EndSession(context.Background(), "run-b", models.TraceOutcomeCancelled)
	if a == nil || b == nil {
		t.Fatalf("traces = %v, %v", a, b)
	}
	if a.ConversationID != "conv" || b.ConversationID != "conv" || a.SessionID != "run-a" || b.Outcome != models.TraceOutcomeCancelled {
		t.Errorf("a = %+v b = %+v", a, b)
	}
}

func TestTracer_RetriesAreDistinctSpans(t *testing.T) {
	tr, _ := newTestTracer()
	tr.StartSession("s1")
	tr.StartIteration("s1", 0)
	for attempt := 1; attempt <= 3; attempt++ {
		tr.StartToolSpan("s1", call("c1", "web_search"), attempt)
		tr.EndToolSpan("s1", "c1", models.NewToolFailure("timeout"))
	}
	trace := tr.EndSession(context.Background(), "s1", models.TraceOutcomeCompleted)

	spans := trace.Iterations[0].ToolSpans
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	for i, s := range spans {
		if s.Attempt != i+1 {
			t.Errorf("span %d attempt = %d", i, s.Attempt)
		}
	}
	if trace.TotalToolCalls != 3 || trace.FailedToolCalls != 3 {
		t.Errorf("totals = %d/%d", trace.TotalToolCalls, trace.FailedToolCalls)
	}
}

func TestTracer_EndSessionClosesOpenSpans(t *testing.T) {
	tr, clock := newTestTracer()
	tr.StartSession("s1")
	tr.StartToolSpan("s1", call("c1", "read_web_page"), 1)
	clock.Advance(time.Second)
	trace := tr.EndSession(context.Background(), "s1", models.TraceOutcomeCancelled)

	if len(trace.Iterations) != 1 {
		t.Fatalf("implicit iteration missing: %+v", trace.Iterations)
	}
	span := trace.Iterations[0].ToolSpans[0]
	if span.EndTime.IsZero() {
		t.Error("open span not closed")
	}
	if trace.FinalSuccess || trace.Outcome != models.TraceOutcomeCancelled {
		t.Errorf("outcome = %q success = %v", trace.Outcome, trace.FinalSuccess)
	}
}

type failingExporter struct{ calls int }

func (f *failingExporter) Export(context.Context, *models.AgentTrace) error {
	f.calls++
	return errors.New("collector unavailable")
}

func TestTracer_ExporterFailureDoesNotPropagate(t *testing.T) {
	exp := &failingExporter{}
	tr, _ := newTestTracer(WithExporter(exp))
	tr.StartSession("s1")
	if trace := tr.EndSession(context.Background(), "s1", models.TraceOutcomeCompleted); trace == nil {
		t.Fatal("trace lost after exporter failure")
	}
	if exp.calls != 1 {
		t.Errorf("exporter calls = %d", exp.calls)
	}
}

func TestExecutionSummary(t *testing.T) {
	tr, clock := newTestTracer()
	tr.StartSession("s1")
	tr.StartIteration("s1", 0)
	for i, d := range []time.Duration{100 * time.Millisecond, 300 * time.Millisecond} {
		id := "c" + string(rune('1'+i))
		tr.StartToolSpan("s1", call(id, "search_library"), 1)
		clock.Advance(d)
		tr.EndToolSpan("s1", id, models.NewToolSuccess(nil, "ok"))
	}
	tr.StartToolSpan("s1", call("c9", "create_note"), 1)
	clock.Advance(50 * time.Millisecond)
	tr.EndToolSpan("s1", "c9", models.NewToolFailure("denied by user"))
	trace := tr.EndSession(context.Background(), "s1", models.TraceOutcomeCompleted)

	summary := ExecutionSummary(trace)
	if summary.Iterations != 1 || len(summary.Tools) != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	search := summary.Tools[0]
	if search.ToolName != "search_library" || search.Calls != 2 || search.AverageDuration != 200*time.Millisecond {
		t.Errorf("search stats = %+v", search)
	}
	note := summary.Tools[1]
	if note.ToolName != "create_note" || note.Failures != 1 {
		t.Errorf("note stats = %+v", note)
	}

	if empty := ExecutionSummary(nil); len(empty.Tools) != 0 {
		t.Errorf("nil trace summary = %+v", empty)
	}
}

func TestJSONLExporter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	exp := NewJSONLExporter(&buf, "run-1", WithAppVersion("v0.1.0"), WithRedactor(func(tr *models.AgentTrace) {
		for i := range tr.Iterations {
			for j := range tr.Iterations[i].ToolSpans {
				tr.Iterations[i].ToolSpans[j].InputArgs = "[redacted]"
			}
		}
	}))
	tr, _ := newTestTracer(WithExporter(exp))
	for _, id := range []string{"a", "b"} {
		tr.StartSession(id)
		tr.StartToolSpan(id, call("c1", "search_library"), 1)
		tr.EndToolSpan(id, "c1", models.NewToolSuccess(nil, "ok"))
		original := tr.EndSession(context.Background(), id, models.TraceOutcomeCompleted)
		if original.Iterations[0].ToolSpans[0].InputArgs == "[redacted]" {
			t.Fatal("redactor modified the returned trace")
		}
	}

	if lines := strings.Count(buf.String(), "\n"); lines != 3 {
		t.Fatalf("lines = %d, want header + 2 traces", lines)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if r.Header().RunID != "run-1" || r.Header().AppVersion != "v0.1.0" {
		t.Errorf("header = %+v", r.Header())
	}
	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if first.SessionID != "a" || first.Iterations[0].ToolSpans[0].InputArgs != "[redacted]" {
		t.Errorf("first trace = %+v", first)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	exp, err := NewJSONLFile(path, "run-2")
	if err != nil {
		t.Fatalf("NewJSONLFile() error = %v", err)
	}
	tr, _ := newTestTracer(WithExporter(exp))
	tr.StartSession("s1")
	tr.EndSession(context.Background(), "s1", models.TraceOutcomeTruncated)
	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	header, traces, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if header.RunID != "run-2" || len(traces) != 1 || traces[0].Outcome != models.TraceOutcomeTruncated {
		t.Errorf("header = %+v traces = %+v", header, traces)
	}
}

func TestNewReader_RejectsUnknownVersion(t *testing.T) {
	if _, err := NewReader(strings.NewReader(`{"version": 7}` + "\n")); err == nil {
		t.Fatal("expected version error")
	}
}

func TestOTelExporter(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	exp := NewOTelExporter(provider.Tracer("test"))

	tr, clock := newTestTracer(WithExporter(exp))
	tr.StartSession("s1")
	tr.StartIteration("s1", 0)
	tr.StartToolSpan("s1", call("c1", "web_search"), 1)
	clock.Advance(time.Second)
	tr.EndToolSpan("s1", "c1", models.NewToolFailure("timeout"))
	tr.EndIteration("s1")
	tr.EndSession(context.Background(), "s1", models.TraceOutcomeCompleted)

	ended := recorder.Ended()
	if len(ended) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(ended))
	}
	names := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range ended {
		names[s.Name()] = s
	}
	tool, ok := names["tool.web_search"]
	if !ok {
		t.Fatalf("tool span missing: %v", names)
	}
	if got := tool.EndTime().Sub(tool.StartTime()); got != time.Second {
		t.Errorf("tool span duration = %v, want recorded 1s", got)
	}
	if tool.Status().Description != "timeout" {
		t.Errorf("tool status = %+v", tool.Status())
	}
	if names["agent.session"].SpanContext().TraceID() != tool.SpanContext().TraceID() {
		t.Error("tool span not in session trace")
	}
}
