package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestNewToolFailure(t *testing.T) {
	r := NewToolFailure("item not found")
	if r.Success {
		t.Fatal("expected failure")
	}
	if r.Error != "item not found" {
		t.Errorf("Error = %q", r.Error)
	}
	if r.Summary != "failed: item not found" {
		t.Errorf("Summary = %q", r.Summary)
	}
}

func TestNewToolSuccess_ClampsSummary(t *testing.T) {
	r := NewToolSuccess(map[string]int{"n": 1}, strings.Repeat("x", 500))
	if !r.Success {
		t.Fatal("expected success")
	}
	if got := len([]rune(r.Summary)); got != maxSummaryLength {
		t.Errorf("summary length = %d, want %d", got, maxSummaryLength)
	}
	if !strings.HasSuffix(r.Summary, "...") {
		t.Errorf("summary should end with ellipsis: %q", r.Summary[len(r.Summary)-5:])
	}
}

func TestMessage_ToolCallsOmittedWhenEmpty(t *testing.T) {
	msg := Message{ID: "m1", Role: RoleUser, Content: "hi", CreatedAt: time.Unix(0, 0).UTC()}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "tool_calls") {
		t.Errorf("unexpected tool_calls in %s", data)
	}
}

func TestToolSpan_Duration(t *testing.T) {
	start := time.Now()
	open := ToolSpan{StartTime: start}
	if open.Duration() != 0 {
		t.Errorf("open span duration = %v, want 0", open.Duration())
	}
	closed := ToolSpan{StartTime: start, EndTime: start.Add(150 * time.Millisecond)}
	if closed.Duration() != 150*time.Millisecond {
		t.Errorf("duration = %v", closed.Duration())
	}
}
