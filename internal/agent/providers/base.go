// Package providers implements completion transports for the agent loop.
package providers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/backoff"
	"github.com/haasonsaas/libagent/internal/config"
	"github.com/haasonsaas/libagent/internal/observability"
)

// Option configures a provider.
type Option func(*base)

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records malformed stream lines.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

// WithRetryPolicy sets the backoff between attempts to open a stream.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(b *base) { b.retry = p }
}

// base holds what every provider shares: identity, defaults from the model
// configuration, and retry behavior for opening a stream. Retries never
// happen once a stream has produced output.
type base struct {
	name       string
	model      string
	maxTokens  int
	maxRetries int
	retry      backoff.Policy
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func newBase(name string, mc config.ModelConfig, opts []Option) base {
	timeout := mc.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	b := base{
		name:       name,
		model:      mc.Model,
		maxTokens:  mc.MaxTokens,
		maxRetries: max(mc.MaxRetries, 0),
		retry:      backoff.Policy{Initial: time.Second, Max: 10 * time.Second, Factor: 2, Jitter: 0.2},
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With("component", "provider", "provider", name)
	return b
}

func (b *base) Name() string { return b.name }

func (b *base) modelFor(req *agent.CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.model
}

func (b *base) maxTokensFor(req *agent.CompletionRequest, fallback int) int {
	switch {
	case req.MaxTokens > 0:
		return req.MaxTokens
	case b.maxTokens > 0:
		return b.maxTokens
	default:
		return fallback
	}
}

// open runs fn until it succeeds, fails permanently or runs out of attempts.
func open[T any](ctx context.Context, b *base, model string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx, b.retry, b.maxRetries+1, IsRetryable, func(ctx context.Context) (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && attempt <= b.maxRetries && IsRetryable(err) {
			b.logger.Warn("opening completion stream failed, retrying", "model", model, "attempt", attempt, "error", err)
		}
		return v, err
	})
}

func (b *base) malformedHook() func([]byte, error) {
	return func(line []byte, err error) {
		b.metrics.RecordMalformedLine(b.name)
		b.logger.Debug("skipping malformed stream line", "error", err, "bytes", len(line))
	}
}
