package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// PermissionHandler decides whether a sensitive tool call may run. The loop
// suspends the call until RequestApproval returns.
type PermissionHandler interface {
	RequestApproval(ctx context.Context, toolCallID, toolName, args string) (bool, error)
}

// PermissionFunc adapts a function to PermissionHandler.
type PermissionFunc func(ctx context.Context, toolCallID, toolName, args string) (bool, error)

// RequestApproval implements PermissionHandler.
func (f PermissionFunc) RequestApproval(ctx context.Context, toolCallID, toolName, args string) (bool, error) {
	return f(ctx, toolCallID, toolName, args)
}

// ApprovalDecision represents the state of an approval request.
type ApprovalDecision string

const (
	ApprovalPending ApprovalDecision = "pending"
	ApprovalAllowed ApprovalDecision = "allowed"
	ApprovalDenied  ApprovalDecision = "denied"
	ApprovalExpired ApprovalDecision = "expired"
)

// ApprovalRequest is a tool call waiting for a decision.
type ApprovalRequest struct {
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name"`
	Arguments  string           `json:"arguments,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at,omitempty"`
	Decision   ApprovalDecision `json:"decision"`
}

// ErrApprovalNotFound is returned when deciding an unknown or settled request.
var ErrApprovalNotFound = errors.New("approval request not found")

// ApprovalQueueOption configures an ApprovalQueue.
type ApprovalQueueOption func(*ApprovalQueue)

// WithAutoApprove allows tools matching any pattern without asking.
// Patterns are exact names, "*", "prefix*" or "*suffix".
func WithAutoApprove(patterns ...string) ApprovalQueueOption {
	return func(q *ApprovalQueue) { q.autoApprove = append(q.autoApprove, patterns...) }
}

// WithRequestTTL denies requests left undecided for d. Zero waits forever.
func WithRequestTTL(d time.Duration) ApprovalQueueOption {
	return func(q *ApprovalQueue) { q.ttl = d }
}

// WithApprovalNotify is called for every new pending request.
func WithApprovalNotify(fn func(ApprovalRequest)) ApprovalQueueOption {
	return func(q *ApprovalQueue) { q.notify = fn }
}

// ApprovalQueue is a PermissionHandler whose decisions arrive from outside
// the loop through Approve and Deny, keyed by tool call id.
type ApprovalQueue struct {
	mu          sync.Mutex
	pending     map[string]*pendingApproval
	autoApprove []string
	ttl         time.Duration
	notify      func(ApprovalRequest)
}

type pendingApproval struct {
	req      ApprovalRequest
	decision chan bool
}

// NewApprovalQueue creates an empty queue.
func NewApprovalQueue(opts ...ApprovalQueueOption) *ApprovalQueue {
	q := &ApprovalQueue{pending: make(map[string]*pendingApproval)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RequestApproval implements PermissionHandler. It blocks until the request
// is decided, expires or ctx ends.
func (q *ApprovalQueue) RequestApproval(ctx context.Context, toolCallID, toolName, args string) (bool, error) {
	if matchesPattern(q.autoApprove, toolName) {
		return true, nil
	}

	now := time.Now()
	p := &pendingApproval{
		req: ApprovalRequest{
			ToolCallID: toolCallID,
			ToolName:   toolName,
			Arguments:  args,
			CreatedAt:  now,
			Decision:   ApprovalPending,
		},
		decision: make(chan bool, 1),
	}
	if q.ttl > 0 {
		p.req.ExpiresAt = now.Add(q.ttl)
	}

	q.mu.Lock()
	if _, exists := q.pending[toolCallID]; exists {
		q.mu.Unlock()
		return false, fmt.Errorf("approval for %s already pending", toolCallID)
	}
	q.pending[toolCallID] = p
	notify := q.notify
	q.mu.Unlock()
	defer q.remove(toolCallID)

	if notify != nil {
		notify(p.req)
	}

	var expired <-chan time.Time
	if q.ttl > 0 {
		timer := time.NewTimer(q.ttl)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case allowed := <-p.decision:
		return allowed, nil
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Approve lets a pending call run.
func (q *ApprovalQueue) Approve(toolCallID string) error {
	return q.decide(toolCallID, true)
}

// Deny rejects a pending call.
func (q *ApprovalQueue) Deny(toolCallID string) error {
	return q.decide(toolCallID, false)
}

func (q *ApprovalQueue) decide(toolCallID string, allowed bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[toolCallID]
	if !ok || p.req.Decision != ApprovalPending {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, toolCallID)
	}
	if allowed {
		p.req.Decision = ApprovalAllowed
	} else {
		p.req.Decision = ApprovalDenied
	}
	p.decision <- allowed
	return nil
}

func (q *ApprovalQueue) remove(toolCallID string) {
	q.mu.Lock()
	delete(q.pending, toolCallID)
	q.mu.Unlock()
}

// Pending lists undecided requests, oldest first.
func (q *ApprovalQueue) Pending() []ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(q.pending))
	for _, p := range q.pending {
		if p.req.Decision == ApprovalPending {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// matchesPattern reports whether toolName matches any of patterns.
func matchesPattern(patterns []string, toolName string) bool {
	name := normalizeToolName(toolName)
	for _, pattern := range patterns {
		p := normalizeToolName(pattern)
		if p == "" {
			continue
		}
		if p == "*" || p == name {
			return true
		}
		if len(p) > 1 && strings.HasSuffix(p, "*") && strings.HasPrefix(name, p[:len(p)-1]) {
			return true
		}
		if len(p) > 1 && strings.HasPrefix(p, "*") && strings.HasSuffix(name, p[1:]) {
			return true
		}
	}
	return false
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
