package agent

import (
	"time"

	"github.com/haasonsaas/libagent/internal/backoff"
)

// NoHandlerPolicy decides sensitive calls when no PermissionHandler is set.
type NoHandlerPolicy string

const (
	// NoHandlerAllow executes the call (fail open).
	NoHandlerAllow NoHandlerPolicy = "allow"
	// NoHandlerDeny rejects the call as if the user had declined it.
	NoHandlerDeny NoHandlerPolicy = "deny"
)

// LibraryScope selects the library and collection tools operate on.
type LibraryScope struct {
	LibraryID     string `yaml:"library_id" json:"library_id,omitempty"`
	CollectionKey string `yaml:"collection_key" json:"collection_key,omitempty"`
}

// AgentConfig holds the per-turn settings of the agent loop. It is passed to
// every tool handler.
type AgentConfig struct {
	// ModelConfigID keys rate limiting. Several model configurations may
	// share a vendor model.
	ModelConfigID string

	// Model is the vendor model name sent to the provider.
	Model string

	// System is the system prompt.
	System string

	// Library scopes library tools.
	Library LibraryScope

	// MaxAgentIterations bounds the number of model turns.
	// Default: 10
	MaxAgentIterations int

	// MaxToolRetries bounds retries of one tool call after transient failures.
	// Default: 2
	MaxToolRetries int

	// MaxContentLength truncates each serialized tool result folded back into
	// the conversation.
	// Default: 16000
	MaxContentLength int

	// MaxTokens caps each model response.
	// Default: 4096
	MaxTokens int

	// ToolTimeout bounds one tool execution attempt.
	// Default: 60s
	ToolTimeout time.Duration

	// RetryBackoff spaces out retries.
	RetryBackoff backoff.Policy

	// RequireApproval enables the approval gate for destructive tools.
	// Default: true
	RequireApproval bool

	// WithoutHandler decides gated calls when no PermissionHandler is set.
	// Default: allow
	WithoutHandler NoHandlerPolicy
}

// DefaultAgentConfig returns the default configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ModelConfigID:      "default",
		MaxAgentIterations: 10,
		MaxToolRetries:     2,
		MaxContentLength:   16000,
		MaxTokens:          4096,
		ToolTimeout:        60 * time.Second,
		RetryBackoff:       backoff.DefaultPolicy(),
		RequireApproval:    true,
		WithoutHandler:     NoHandlerAllow,
	}
}

func sanitizeAgentConfig(cfg AgentConfig) AgentConfig {
	defaults := DefaultAgentConfig()
	if cfg.ModelConfigID == "" {
		cfg.ModelConfigID = cfg.Model
		if cfg.ModelConfigID == "" {
			cfg.ModelConfigID = defaults.ModelConfigID
		}
	}
	if cfg.MaxAgentIterations <= 0 {
		cfg.MaxAgentIterations = defaults.MaxAgentIterations
	}
	if cfg.MaxToolRetries < 0 {
		cfg.MaxToolRetries = 0
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = defaults.MaxContentLength
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	if cfg.WithoutHandler != NoHandlerDeny {
		cfg.WithoutHandler = NoHandlerAllow
	}
	return cfg
}
