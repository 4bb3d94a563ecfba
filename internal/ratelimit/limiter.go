// Package ratelimit provides admission control for completion requests, one
// independent set of policies per model configuration.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Kind selects how a policy limits admission.
type Kind string

const (
	// KindConcurrency bounds the number of in-flight calls.
	KindConcurrency Kind = "concurrency"
	// KindRequestsPerMinute bounds call starts per minute.
	KindRequestsPerMinute Kind = "requests_per_minute"
	// KindTokensPerMinute bounds estimated tokens per minute.
	KindTokensPerMinute Kind = "tokens_per_minute"
)

// Policy is one admission rule attached to a model configuration.
type Policy struct {
	Kind  Kind    `yaml:"kind" json:"kind"`
	Limit float64 `yaml:"limit" json:"limit"`
}

// Validate checks the policy.
func (p Policy) Validate() error {
	switch p.Kind {
	case KindConcurrency:
		if p.Limit < 1 {
			return fmt.Errorf("ratelimit: concurrency limit must be >= 1, got %v", p.Limit)
		}
	case KindRequestsPerMinute, KindTokensPerMinute:
		if p.Limit <= 0 {
			return fmt.Errorf("ratelimit: %s limit must be > 0, got %v", p.Kind, p.Limit)
		}
	default:
		return fmt.Errorf("ratelimit: unknown policy kind %q", p.Kind)
	}
	return nil
}

// Observer receives admission wait times.
type Observer func(modelID string, kind Kind, waited time.Duration)

// Option configures a Limiter.
type Option func(*Limiter)

// WithObserver reports how long each policy made callers wait.
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// Limiter manages admission for multiple model configurations. Configurations
// without policies are admitted immediately.
type Limiter struct {
	mu       sync.RWMutex
	models   map[string]*modelGates
	observer Observer
}

type modelGates struct {
	policies []Policy
	gates    []gate
}

// NewLimiter creates an empty limiter.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{models: make(map[string]*modelGates)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetPolicies replaces the policies of a model configuration. Gates whose
// policy is unchanged keep their state, so reapplying the same limits does
// not refill budgets. Permits issued under replaced policies release into the
// state that admitted them.
func (l *Limiter) SetPolicies(modelID string, policies ...Policy) error {
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("model %s: %w", modelID, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(policies) == 0 {
		delete(l.models, modelID)
		return nil
	}

	var reusable []gate
	var previous []Policy
	if m, ok := l.models[modelID]; ok {
		reusable = append(reusable, m.gates...)
		previous = m.policies
	}
	gates := make([]gate, 0, len(policies))
	for _, p := range policies {
		var g gate
		for i, old := range previous {
			if old == p && reusable[i] != nil {
				g, reusable[i] = reusable[i], nil
				break
			}
		}
		if g == nil {
			g = newGate(p)
		}
		gates = append(gates, g)
	}
	l.models[modelID] = &modelGates{policies: append([]Policy(nil), policies...), gates: gates}
	return nil
}

// Policies returns the policies configured for a model.
func (l *Limiter) Policies(modelID string) []Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.models[modelID]; ok {
		return append([]Policy(nil), m.policies...)
	}
	return nil
}

// Acquire blocks until every policy of modelID admits a call of the given
// estimated token cost, or ctx ends. The returned permit must be released on
// every exit path of the guarded call.
func (l *Limiter) Acquire(ctx context.Context, modelID string, estimatedCost int) (*Permit, error) {
	permit := &Permit{modelID: modelID}
	if l == nil {
		return permit, nil
	}

	l.mu.RLock()
	m := l.models[modelID]
	l.mu.RUnlock()
	if m == nil {
		return permit, nil
	}

	for _, g := range m.gates {
		start := time.Now()
		release, err := g.acquire(ctx, estimatedCost)
		if l.observer != nil {
			l.observer(modelID, g.kind(), time.Since(start))
		}
		if err != nil {
			permit.Release()
			return nil, fmt.Errorf("ratelimit: acquire %s for %s: %w", g.kind(), modelID, err)
		}
		if release != nil {
			permit.releases = append(permit.releases, release)
		}
	}
	return permit, nil
}

// GateStatus describes the current state of one policy.
type GateStatus struct {
	Kind      Kind    `json:"kind"`
	Limit     float64 `json:"limit"`
	InFlight  int     `json:"in_flight,omitempty"`
	Available float64 `json:"available"`
}

// Status reports the state of every policy of a model.
func (l *Limiter) Status(modelID string) []GateStatus {
	l.mu.RLock()
	m := l.models[modelID]
	l.mu.RUnlock()
	if m == nil {
		return nil
	}
	out := make([]GateStatus, 0, len(m.gates))
	for _, g := range m.gates {
		out = append(out, g.status())
	}
	return out
}

// Permit is an admission grant. Release is idempotent.
type Permit struct {
	modelID  string
	releases []func()
	once     sync.Once
}

// ModelID returns the model configuration the permit was issued for.
func (p *Permit) ModelID() string { return p.modelID }

// Release returns capacity held by the permit.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		for i := len(p.releases) - 1; i >= 0; i-- {
			p.releases[i]()
		}
	})
}
