package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestToolErrorType_IsRetryable(t *testing.T) {
	tests := []struct {
		typ  ToolErrorType
		want bool
	}{
		{ToolErrorTimeout, true},
		{ToolErrorNetwork, true},
		{ToolErrorRateLimit, true},
		{ToolErrorNotFound, false},
		{ToolErrorInvalidInput, false},
		{ToolErrorPermission, false},
		{ToolErrorExecution, false},
		{ToolErrorPanic, false},
		{ToolErrorUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewToolError_Classification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ToolErrorType
	}{
		{"deadline", context.DeadlineExceeded, ToolErrorTimeout},
		{"wrapped timeout sentinel", fmt.Errorf("search: %w", ErrToolTimeout), ToolErrorTimeout},
		{"network", errors.New("dial tcp: connection refused"), ToolErrorNetwork},
		{"upstream 503", errors.New("scholar api returned 503"), ToolErrorNetwork},
		{"rate limit", errors.New("HTTP 429 too many requests"), ToolErrorRateLimit},
		{"permission", errors.New("forbidden"), ToolErrorPermission},
		{"denied", ErrApprovalDenied, ToolErrorPermission},
		{"no approval handler", ErrNoApprovalHandler, ToolErrorPermission},
		{"missing item", errors.New("item ABCD1234 not found"), ToolErrorNotFound},
		{"panic", fmt.Errorf("%w: boom", ErrToolPanic), ToolErrorPanic},
		{"invalid", errors.New("invalid collection key"), ToolErrorInvalidInput},
		{"other", errors.New("disk full"), ToolErrorExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewToolError("tool", tt.err)
			if err.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", err.Type, tt.wantType)
			}
			if err.Retryable != tt.wantType.IsRetryable() {
				t.Errorf("Retryable = %v", err.Retryable)
			}
		})
	}
}

func TestToolError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewToolError("web_search", cause).
		WithType(ToolErrorNetwork).
		WithToolCallID("call-123").
		WithAttempts(3)

	for _, want := range []string{"tool:network", "web_search", "attempts=3"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should contain %q", err.Error(), want)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("ToolError should unwrap to its cause")
	}
	if got, ok := GetToolError(fmt.Errorf("outer: %w", err)); !ok || got.ToolCallID != "call-123" {
		t.Errorf("GetToolError() = %+v, %v", got, ok)
	}
}

func TestIsToolRetryable(t *testing.T) {
	if !IsToolRetryable(errors.New("request timed out")) {
		t.Error("timeout should be retryable")
	}
	if IsToolRetryable(errors.New("invalid argument")) {
		t.Error("invalid input should not be retryable")
	}
	overridden := NewToolError("t", errors.New("timeout")).WithType(ToolErrorExecution)
	if IsToolRetryable(overridden) {
		t.Error("explicit type should win over message classification")
	}
}

func TestLoopError(t *testing.T) {
	cause := errors.New("stream reset")
	err := &LoopError{Phase: PhaseStreaming, Iteration: 2, Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("LoopError should unwrap")
	}
	if want := "loop error at streaming (iteration 2): stream reset"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
