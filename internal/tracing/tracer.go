// Package tracing records the shape and timing of agent sessions.
//
// A Tracer is a passive observer: every method is safe to call on a nil
// receiver, unmatched calls are ignored, and nothing it does can fail the
// agent loop. Finished traces are handed to the caller and to any configured
// exporters, then dropped from memory.
package tracing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/libagent/pkg/models"
)

// Exporter ships a finished trace somewhere.
type Exporter interface {
	Export(ctx context.Context, trace *models.AgentTrace) error
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithExporter adds an exporter run at session end.
func WithExporter(e Exporter) Option {
	return func(t *Tracer) {
		if e != nil {
			t.exporters = append(t.exporters, e)
		}
	}
}

// WithLogger sets the logger used for exporter failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// Tracer tracks active agent sessions.
type Tracer struct {
	mu        sync.Mutex
	sessions  map[string]*session
	exporters []Exporter
	logger    *slog.Logger
	now       func() time.Time
}

type spanRef struct {
	iteration int
	span      int
}

type session struct {
	trace     *models.AgentTrace
	iterOpen  bool
	openSpans map[string]spanRef
}

// New creates a Tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{
		sessions: make(map[string]*session),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "tracing")
	return t
}

// StartSession begins tracking a session. Restarting an active session
// discards its previous state.
func (t *Tracer) StartSession(sessionID string) {
	t.StartConversationSession(sessionID, "")
}

// StartConversationSession begins tracking a session that runs against
// conversationID. Many sessions may share one conversation.
func (t *Tracer) StartConversationSession(sessionID, conversationID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = &session{
		trace: &models.AgentTrace{
			SessionID:      sessionID,
			ConversationID: conversationID,
			StartTime:      t.now(),
			Iterations:     []models.AgentIteration{},
		},
		openSpans: make(map[string]spanRef),
	}
}

// StartIteration opens a model turn. An iteration left open is closed first.
func (t *Tracer) StartIteration(sessionID string, index int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	now := t.now()
	s.closeIteration(now)
	s.trace.Iterations = append(s.trace.Iterations, models.AgentIteration{
		Index:     index,
		StartTime: now,
	})
	s.iterOpen = true
}

// StartToolSpan opens a span for one execution attempt of a call.
func (t *Tracer) StartToolSpan(sessionID string, call models.ToolCallRequest, attempt int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	now := t.now()
	if !s.iterOpen {
		s.trace.Iterations = append(s.trace.Iterations, models.AgentIteration{
			Index:     len(s.trace.Iterations),
			StartTime: now,
		})
		s.iterOpen = true
	}
	iterIdx := len(s.trace.Iterations) - 1
	iter := &s.trace.Iterations[iterIdx]
	iter.ToolSpans = append(iter.ToolSpans, models.ToolSpan{
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Attempt:    attempt,
		StartTime:  now,
		InputArgs:  call.Arguments,
	})
	s.openSpans[call.ID] = spanRef{iteration: iterIdx, span: len(iter.ToolSpans) - 1}
}

// EndToolSpan closes the open span of a call and records its result.
func (t *Tracer) EndToolSpan(sessionID, toolCallID string, result *models.ToolResult) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	ref, ok := s.openSpans[toolCallID]
	if !ok {
		return
	}
	delete(s.openSpans, toolCallID)

	span := &s.trace.Iterations[ref.iteration].ToolSpans[ref.span]
	span.EndTime = t.now()
	if result != nil {
		recorded := *result
		recorded.Data = nil
		span.Result = &recorded
	}
	s.trace.TotalToolCalls++
	if result == nil || !result.Success {
		s.trace.FailedToolCalls++
	}
}

// EndIteration closes the current model turn.
func (t *Tracer) EndIteration(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		s.closeIteration(t.now())
	}
}

// EndSession finalizes the trace, stops tracking the session and runs the
// exporters. It returns nil for sessions that were never started.
func (t *Tracer) EndSession(ctx context.Context, sessionID string, outcome models.TraceOutcome) *models.AgentTrace {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.sessions, sessionID)
	now := t.now()
	for id, ref := range s.openSpans {
		s.trace.Iterations[ref.iteration].ToolSpans[ref.span].EndTime = now
		delete(s.openSpans, id)
	}
	s.closeIteration(now)
	s.trace.EndTime = now
	s.trace.Outcome = outcome
	s.trace.FinalSuccess = outcome == models.TraceOutcomeCompleted
	trace := s.trace
	exporters := t.exporters
	t.mu.Unlock()

	for _, e := range exporters {
		if err := e.Export(ctx, trace); err != nil {
			t.logger.Warn("trace export failed", "session_id", sessionID, "error", err)
		}
	}
	return trace
}

// Active returns the number of sessions being tracked.
func (t *Tracer) Active() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (s *session) closeIteration(now time.Time) {
	if !s.iterOpen || len(s.trace.Iterations) == 0 {
		return
	}
	s.trace.Iterations[len(s.trace.Iterations)-1].EndTime = now
	s.iterOpen = false
}

// ExecutionSummary groups the spans of a trace by tool name. Tools are
// ordered by call count, then name.
func ExecutionSummary(trace *models.AgentTrace) models.ExecutionSummary {
	summary := models.ExecutionSummary{}
	if trace == nil {
		return summary
	}
	summary.SessionID = trace.SessionID
	summary.Iterations = len(trace.Iterations)
	summary.Duration = trace.Duration()

	type agg struct {
		calls, failures int
		total           time.Duration
	}
	byTool := make(map[string]*agg)
	for _, iter := range trace.Iterations {
		for _, span := range iter.ToolSpans {
			a := byTool[span.ToolName]
			if a == nil {
				a = &agg{}
				byTool[span.ToolName] = a
			}
			a.calls++
			a.total += span.Duration()
			if span.Result == nil || !span.Result.Success {
				a.failures++
			}
		}
	}

	for name, a := range byTool {
		summary.Tools = append(summary.Tools, models.ToolStats{
			ToolName:        name,
			Calls:           a.calls,
			Failures:        a.failures,
			AverageDuration: a.total / time.Duration(a.calls),
		})
	}
	sort.Slice(summary.Tools, func(i, j int) bool {
		if summary.Tools[i].Calls != summary.Tools[j].Calls {
			return summary.Tools[i].Calls > summary.Tools[j].Calls
		}
		return summary.Tools[i].ToolName < summary.Tools[j].ToolName
	})
	return summary
}
