package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/libagent/internal/backoff"
	"github.com/haasonsaas/libagent/internal/observability"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/internal/tracing"
	"github.com/haasonsaas/libagent/pkg/models"
)

// Executor validates, gates and runs the tool calls of one turn.
type Executor struct {
	registry   *toolspec.Registry
	handlers   HandlerTable
	unknown    ToolHandler
	permission PermissionHandler
	transient  func(error) bool
	tracer     *tracing.Tracer
	metrics    *observability.Metrics
	logger     *slog.Logger
}

func newExecutor(registry *toolspec.Registry, handlers HandlerTable) *Executor {
	return &Executor{
		registry:  registry,
		handlers:  handlers,
		unknown:   unknownTool,
		transient: IsToolRetryable,
		logger:    slog.Default(),
	}
}

func (e *Executor) lookup(args *toolspec.ValidatedArguments) ToolHandler {
	if args.Tool != toolspec.ToolUnknown {
		if h, ok := e.handlers[args.Tool]; ok && h != nil {
			return h
		}
	}
	return e.unknown
}

// Dispatch runs one call to a terminal result. It never returns a nil result
// and never fails the turn: parse, validation, denial and execution failures
// all become unsuccessful results for the model to read.
func (e *Executor) Dispatch(ctx context.Context, state *AgentState, cfg AgentConfig, call models.ToolCallRequest, onEvent func(ToolEvent)) *models.ToolResult {
	state.Phase = PhaseDispatching
	logger := e.logger.With("session_id", state.SessionID, "tool", call.Name, "tool_call_id", call.ID)

	if call.Name == "" {
		state.RejectedToolCalls++
		return models.NewToolFailure(fmt.Sprintf("tool call %s has no tool name; call one of the declared tools", call.ID))
	}

	args, err := e.registry.Validate(call.Name, call.Arguments)
	if err != nil {
		state.RejectedToolCalls++
		logger.Debug("tool arguments rejected", "error", err)
		var perr *toolspec.ParseError
		if errors.As(err, &perr) {
			return models.NewToolFailure(perr.Error())
		}
		return models.NewToolFailure(err.Error())
	}

	if e.registry.RequiresApproval(call.Name, cfg.RequireApproval) {
		allowed, reason := e.approve(ctx, state, cfg, call)
		if !allowed {
			state.RejectedToolCalls++
			logger.Info("tool call not approved", "reason", reason)
			return models.NewToolFailure(reason)
		}
	}

	return e.executeWithRetry(ctx, state, cfg, call, args, logger, onEvent)
}

func (e *Executor) approve(ctx context.Context, state *AgentState, cfg AgentConfig, call models.ToolCallRequest) (bool, string) {
	if e.permission == nil {
		if cfg.WithoutHandler == NoHandlerDeny {
			e.metrics.RecordApproval(call.Name, "denied")
			return false, ErrNoApprovalHandler.Error()
		}
		e.metrics.RecordApproval(call.Name, "allowed")
		return true, ""
	}

	state.Phase = PhaseApproving
	state.PendingApproval = true
	pending := call
	state.PendingToolCall = &pending
	defer func() {
		state.PendingApproval = false
		state.PendingToolCall = nil
	}()

	allowed, err := e.permission.RequestApproval(ctx, call.ID, call.Name, call.Arguments)
	switch {
	case err != nil:
		e.metrics.RecordApproval(call.Name, "error")
		return false, fmt.Sprintf("approval failed: %v", err)
	case !allowed:
		e.metrics.RecordApproval(call.Name, "denied")
		return false, ErrApprovalDenied.Error()
	}
	e.metrics.RecordApproval(call.Name, "allowed")
	return true, ""
}

func (e *Executor) executeWithRetry(ctx context.Context, state *AgentState, cfg AgentConfig, call models.ToolCallRequest, args *toolspec.ValidatedArguments, logger *slog.Logger, onEvent func(ToolEvent)) *models.ToolResult {
	handler := e.lookup(args)
	emit := func(ev ToolEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}
	for attempt := 1; ; attempt++ {
		result, err := e.attempt(ctx, state, cfg, call, args, handler, attempt)
		ev := ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Attempt: attempt, Result: result}
		if err == nil {
			emit(ev)
			return result
		}

		if state.RetryCount[call.ID] >= cfg.MaxToolRetries || !e.transient(err) || ctx.Err() != nil {
			toolErr := NewToolError(call.Name, err).WithToolCallID(call.ID).WithAttempts(attempt)
			ev.Err = toolErr
			emit(ev)
			logger.Warn("tool call failed", "attempt", attempt, "error_type", toolErr.Type, "error", toolErr)
			return result
		}
		emit(ev)
		state.RetryCount[call.ID]++
		e.metrics.RecordToolRetry(call.Name)
		logger.Info("retrying tool call", "attempt", attempt, "error", err)
		if backoff.Wait(ctx, cfg.RetryBackoff, attempt) != nil {
			return result
		}
	}
}

// attempt runs the handler once. The returned error is non-nil only for
// handler errors, which are the retry candidates.
func (e *Executor) attempt(ctx context.Context, state *AgentState, cfg AgentConfig, call models.ToolCallRequest, args *toolspec.ValidatedArguments, handler ToolHandler, attempt int) (*models.ToolResult, error) {
	state.Phase = PhaseExecuting
	state.TotalToolCalls++
	e.tracer.StartToolSpan(state.SessionID, call, attempt)
	start := time.Now()

	// In-flight tools run to completion even when the turn is cancelled.
	execCtx := observability.AddToolCallID(observability.AddSessionID(context.WithoutCancel(ctx), state.SessionID), call.ID)
	execCtx, cancel := context.WithTimeout(execCtx, cfg.ToolTimeout)
	result, err := e.safeExecute(execCtx, handler, args, cfg)
	cancel()

	if err != nil {
		result = models.NewToolFailure(err.Error())
	} else if result == nil {
		result = models.NewToolFailure("tool returned no result")
	}
	if !result.Success {
		state.FailedToolCalls++
	}

	e.tracer.EndToolSpan(state.SessionID, call.ID, result)
	status := "success"
	if !result.Success {
		status = "error"
	}
	e.metrics.RecordToolExecution(call.Name, status, time.Since(start))
	return result, err
}

type execOutcome struct {
	result *models.ToolResult
	err    error
}

func (e *Executor) safeExecute(ctx context.Context, handler ToolHandler, args *toolspec.ValidatedArguments, cfg AgentConfig) (*models.ToolResult, error) {
	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", args.Name, "panic", r, "stack", string(debug.Stack()))
				done <- execOutcome{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		result, err := handler.Execute(ctx, args, cfg)
		done <- execOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrToolTimeout, cfg.ToolTimeout)
	}
}
