package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/libagent/internal/observability"
	"github.com/haasonsaas/libagent/internal/ratelimit"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/internal/tracing"
	"github.com/haasonsaas/libagent/pkg/models"
)

const processBufferSize = 64

// CancelledNotice labels an answer cut short by cancellation.
const CancelledNotice = "[Cancelled before the answer was complete]"

// TruncationNotice returns the text appended when the iteration bound stops
// a turn.
func TruncationNotice(iterations int) string {
	return fmt.Sprintf("[Stopped after %d iterations: iteration limit reached]", iterations)
}

// TurnResult is what a caller receives from one agent turn.
type TurnResult struct {
	// Text is the final answer, or a labeled truncation, cancellation or
	// failure notice.
	Text       string              `json:"text"`
	Outcome    models.TraceOutcome `json:"outcome"`
	Iterations int                 `json:"iterations"`
	Usage      Usage               `json:"usage"`
	Trace      *models.AgentTrace  `json:"trace,omitempty"`
	State      *AgentState         `json:"-"`
}

// Option configures an AgenticLoop.
type Option func(*AgenticLoop)

// WithLimiter gates completion calls through l.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(a *AgenticLoop) { a.limiter = l }
}

// WithTracer records sessions on t instead of a private tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(a *AgenticLoop) {
		if t != nil {
			a.tracer = t
		}
	}
}

// WithPermissionHandler sets the approval handler for destructive tools.
func WithPermissionHandler(h PermissionHandler) Option {
	return func(a *AgenticLoop) { a.executor.permission = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *AgenticLoop) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *AgenticLoop) { a.metrics = m }
}

// WithTransient overrides the predicate deciding which tool errors are
// retried.
func WithTransient(fn func(error) bool) Option {
	return func(a *AgenticLoop) {
		if fn != nil {
			a.executor.transient = fn
		}
	}
}

// WithUnknownHandler handles calls to tools that are unregistered or have
// no entry in the handler table.
func WithUnknownHandler(h ToolHandler) Option {
	return func(a *AgenticLoop) {
		if h != nil {
			a.executor.unknown = h
		}
	}
}

// AgenticLoop drives model turns and tool calls for a conversation.
//
//	┌────────┐     ┌───────────┐     ┌─────────────┐     ┌───────────┐
//	│  Idle  │────▶│ Streaming │────▶│ Dispatching │────▶│ Executing │
//	└────────┘     └───────────┘     └─────────────┘     └───────────┘
//	                 ▲     │               │  ▲                │
//	                 │     │ no tools      ▼  │                ▼
//	                 │     ▼          ┌───────────┐      ┌───────────┐
//	                 │  ┌──────┐      │ Approving │      │  Folding  │
//	                 │  │ Done │      └───────────┘      └───────────┘
//	                 │  └──────┘                               │
//	                 └─────────────────────────────────────────┘
//	                          (iteration < max, else Truncated)
//
// One loop may serve many sessions concurrently; per-session state lives in
// AgentState. The only state shared across sessions is the rate limiter.
type AgenticLoop struct {
	provider Provider
	executor *Executor
	limiter  *ratelimit.Limiter
	tracer   *tracing.Tracer
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewAgenticLoop creates a loop over provider, validating calls with registry
// and dispatching them through handlers.
func NewAgenticLoop(provider Provider, registry *toolspec.Registry, handlers HandlerTable, opts ...Option) *AgenticLoop {
	if registry == nil {
		registry, _ = toolspec.NewRegistry(nil)
	}
	if handlers == nil {
		handlers = HandlerTable{}
	}
	l := &AgenticLoop{
		provider: provider,
		executor: newExecutor(registry, handlers),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent")
	if l.tracer == nil {
		l.tracer = tracing.New(tracing.WithLogger(l.logger))
	}
	l.executor.tracer = l.tracer
	l.executor.metrics = l.metrics
	l.executor.logger = l.logger
	return l
}

// Registry returns the schema registry used for validation.
func (l *AgenticLoop) Registry() *toolspec.Registry { return l.executor.registry }

// RunTurn runs model turns until the model answers without tool calls, the
// iteration bound is reached, ctx ends or the transport fails. The new
// assistant and tool messages are appended to conv.
//
// Truncation and cancellation are outcomes, not errors. A transport or sink
// failure returns a *LoopError along with a result whose Text is a labeled
// failure notice.
func (l *AgenticLoop) RunTurn(ctx context.Context, conv Conversation, cfg AgentConfig, h StreamHandlers) (*TurnResult, error) {
	return l.runTurn(ctx, conv, cfg, h, nil)
}

// Run executes a turn in the background and streams its progress. The last
// chunk carries the TurnResult; the channel is closed after it.
func (l *AgenticLoop) Run(ctx context.Context, conv Conversation, cfg AgentConfig) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if conv == nil {
		return nil, errors.New("conversation is nil")
	}

	chunks := make(chan *ResponseChunk, processBufferSize)
	go func() {
		defer close(chunks)
		h := StreamHandlers{
			OnToken: func(text string) { chunks <- &ResponseChunk{Text: text} },
			OnToolCalls: func(calls []models.ToolCallRequest) {
				for i := range calls {
					call := calls[i]
					chunks <- &ResponseChunk{ToolCall: &call}
				}
			},
		}
		onEvent := func(ev ToolEvent) { chunks <- &ResponseChunk{ToolEvent: &ev} }
		result, err := l.runTurn(ctx, conv, cfg, h, onEvent)
		chunks <- &ResponseChunk{Result: result, Error: err}
	}()
	return chunks, nil
}

func (l *AgenticLoop) runTurn(ctx context.Context, conv Conversation, cfg AgentConfig, h StreamHandlers, onEvent func(ToolEvent)) (*TurnResult, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if conv == nil {
		return nil, errors.New("conversation is nil")
	}
	cfg = sanitizeAgentConfig(cfg)
	state := newAgentState(conv.ID())
	logger := l.logger.With("session_id", state.SessionID, "conversation_id", state.ConversationID, "model_config", cfg.ModelConfigID)
	l.tracer.StartConversationSession(state.SessionID, state.ConversationID)

	for {
		if ctx.Err() != nil {
			return l.finish(ctx, conv, state, cfg, models.TraceOutcomeCancelled, "", nil)
		}
		if state.Iteration >= cfg.MaxAgentIterations {
			logger.Info("iteration limit reached", "iterations", state.Iteration)
			return l.finish(ctx, conv, state, cfg, models.TraceOutcomeTruncated, "", nil)
		}

		history, err := conv.Messages(ctx)
		if err != nil {
			return l.finish(ctx, conv, state, cfg, models.TraceOutcomeFailed, "",
				&LoopError{Phase: PhaseIdle, Iteration: state.Iteration, Message: "load conversation", Cause: err})
		}

		state.Phase = PhaseStreaming
		l.tracer.StartIteration(state.SessionID, state.Iteration)
		turn, err := l.streamPhase(ctx, state, cfg, history, h)
		state.Iteration++
		if err != nil {
			partial := ""
			if turn != nil {
				partial = turn.Text
			}
			if errors.Is(err, ErrStreamCancelled) || ctx.Err() != nil {
				return l.finish(ctx, conv, state, cfg, models.TraceOutcomeCancelled, partial, nil)
			}
			logger.Error("completion failed", "iteration", state.Iteration, "error", err)
			return l.finish(ctx, conv, state, cfg, models.TraceOutcomeFailed, partial,
				&LoopError{Phase: PhaseStreaming, Iteration: state.Iteration, Cause: err})
		}

		if len(turn.ToolCalls) == 0 {
			if err := conv.Append(context.WithoutCancel(ctx), l.newMessage(state, models.RoleAssistant, turn.Text)); err != nil {
				return l.finish(ctx, conv, state, cfg, models.TraceOutcomeFailed, turn.Text,
					&LoopError{Phase: PhaseFolding, Iteration: state.Iteration, Message: "append answer", Cause: err})
			}
			return l.finish(ctx, conv, state, cfg, models.TraceOutcomeCompleted, turn.Text, nil)
		}

		results := l.executeToolsPhase(ctx, state, cfg, turn.ToolCalls, onEvent)

		state.Phase = PhaseFolding
		if err := conv.Append(context.WithoutCancel(ctx), l.foldMessages(state, cfg, turn, results)...); err != nil {
			return l.finish(ctx, conv, state, cfg, models.TraceOutcomeFailed, "",
				&LoopError{Phase: PhaseFolding, Iteration: state.Iteration, Message: "append tool results", Cause: err})
		}
		l.tracer.EndIteration(state.SessionID)
	}
}

// streamPhase acquires admission, streams one completion and assembles it.
// The permit is released on every path.
func (l *AgenticLoop) streamPhase(ctx context.Context, state *AgentState, cfg AgentConfig, history []models.Message, h StreamHandlers) (*AssembledTurn, error) {
	estimate := ratelimit.EstimateTokens(cfg.System, history) + state.Usage.OutputTokens/max(state.Iteration, 1)
	permit, err := l.limiter.Acquire(ctx, cfg.ModelConfigID, estimate)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrStreamCancelled, err)
		}
		return nil, err
	}
	defer permit.Release()

	req := &CompletionRequest{
		Model:     cfg.Model,
		System:    cfg.System,
		Messages:  history,
		Tools:     l.executor.registry.Definitions(),
		MaxTokens: cfg.MaxTokens,
	}

	start := time.Now()
	stream, err := l.provider.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			l.metrics.RecordLLMRequest(l.provider.Name(), cfg.Model, "cancelled", time.Since(start), 0, 0)
			return nil, fmt.Errorf("%w: %w", ErrStreamCancelled, err)
		}
		l.metrics.RecordLLMRequest(l.provider.Name(), cfg.Model, "error", time.Since(start), 0, 0)
		return nil, fmt.Errorf("start completion: %w", err)
	}

	turn, err := Assemble(ctx, stream, h)
	status := "success"
	switch {
	case errors.Is(err, ErrStreamCancelled):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	l.metrics.RecordLLMRequest(l.provider.Name(), cfg.Model, status, time.Since(start), turn.Usage.InputTokens, turn.Usage.OutputTokens)
	state.Usage.InputTokens += turn.Usage.InputTokens
	state.Usage.OutputTokens += turn.Usage.OutputTokens
	return turn, err
}

// executeToolsPhase runs calls sequentially in request order. Calls not yet
// started when ctx ends are answered without running.
func (l *AgenticLoop) executeToolsPhase(ctx context.Context, state *AgentState, cfg AgentConfig, calls []models.ToolCallRequest, onEvent func(ToolEvent)) []*models.ToolResult {
	clear(state.RetryCount)
	results := make([]*models.ToolResult, len(calls))
	for i, call := range calls {
		if ctx.Err() != nil {
			results[i] = models.NewToolFailure("cancelled before execution")
			continue
		}
		results[i] = l.executor.Dispatch(ctx, state, cfg, call, onEvent)
	}
	return results
}

type toolMessage struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// foldMessages builds the assistant message carrying the calls followed by
// one tool message per call, in request order. Calls without a tool name
// cannot be replayed to a provider, so they are left out and noted in the
// assistant text instead.
func (l *AgenticLoop) foldMessages(state *AgentState, cfg AgentConfig, turn *AssembledTurn, results []*models.ToolResult) []models.Message {
	assistant := l.newMessage(state, models.RoleAssistant, turn.Text)

	msgs := make([]models.Message, 0, len(results)+1)
	msgs = append(msgs, models.Message{})
	for i, call := range turn.ToolCalls {
		result := results[i]
		if call.Name == "" {
			assistant.Content = joinNotice(assistant.Content, "[Ignored: "+result.Error+"]")
			continue
		}
		assistant.ToolCalls = append(assistant.ToolCalls, call)
		content, err := json.Marshal(toolMessage{Success: result.Success, Data: result.Data, Error: result.Error})
		if err != nil {
			content, _ = json.Marshal(toolMessage{Error: "unserializable tool result: " + err.Error()})
		}
		msg := l.newMessage(state, models.RoleTool, truncateContent(string(content), cfg.MaxContentLength))
		msg.ToolCallID = call.ID
		msg.ToolName = call.Name
		msg.IsError = !result.Success
		msgs = append(msgs, msg)
	}
	msgs[0] = assistant
	return msgs
}

func (l *AgenticLoop) newMessage(state *AgentState, role models.Role, content string) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		SessionID: state.ConversationID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// finish moves the state to its terminal phase, appends any notice to the
// conversation and closes the trace.
func (l *AgenticLoop) finish(ctx context.Context, conv Conversation, state *AgentState, cfg AgentConfig, outcome models.TraceOutcome, text string, loopErr *LoopError) (*TurnResult, error) {
	persistCtx := context.WithoutCancel(ctx)
	switch outcome {
	case models.TraceOutcomeCompleted:
		state.Phase = PhaseDone
	case models.TraceOutcomeTruncated:
		state.Phase = PhaseTruncated
		text = TruncationNotice(cfg.MaxAgentIterations)
		l.appendNotice(persistCtx, conv, state, text)
	case models.TraceOutcomeCancelled:
		state.Phase = PhaseCancelled
		text = joinNotice(text, CancelledNotice)
		l.appendNotice(persistCtx, conv, state, text)
	case models.TraceOutcomeFailed:
		state.Phase = PhaseFailed
		text = joinNotice(text, fmt.Sprintf("[Failed: %v]", loopErr))
		l.metrics.RecordError("agent", string(loopErr.Phase))
	}

	result := &TurnResult{
		Text:       text,
		Outcome:    outcome,
		Iterations: state.Iteration,
		Usage:      state.Usage,
		Trace:      l.tracer.EndSession(persistCtx, state.SessionID, outcome),
		State:      state,
	}
	l.metrics.RecordTurn(string(outcome))
	l.logger.Debug("turn finished",
		"session_id", state.SessionID,
		"conversation_id", state.ConversationID,
		"outcome", outcome,
		"iterations", state.Iteration,
		"tool_calls", state.TotalToolCalls,
		"failed_tool_calls", state.FailedToolCalls)
	if loopErr != nil {
		return result, loopErr
	}
	return result, nil
}

func (l *AgenticLoop) appendNotice(ctx context.Context, conv Conversation, state *AgentState, text string) {
	if err := conv.Append(ctx, l.newMessage(state, models.RoleAssistant, text)); err != nil {
		l.logger.Warn("failed to append notice", "conversation_id", state.ConversationID, "error", err)
	}
}

func joinNotice(text, notice string) string {
	if text == "" {
		return notice
	}
	return text + "\n\n" + notice
}

func truncateContent(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "...[truncated]"
}
