// Package config loads and validates libagent configuration files.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/libagent/internal/backoff"
	"github.com/haasonsaas/libagent/internal/ratelimit"
)

// Config is the root configuration document.
type Config struct {
	Version      int                    `yaml:"version"`
	DefaultModel string                 `yaml:"default_model"`
	Models       map[string]ModelConfig `yaml:"models"`
	Agent        AgentSettings          `yaml:"agent"`
	Approval     ApprovalConfig         `yaml:"approval"`
	Library      LibraryConfig          `yaml:"library"`
	Sessions     SessionsConfig         `yaml:"sessions"`
	Tools        ToolsConfig            `yaml:"tools"`
	Logging      LoggingConfig          `yaml:"logging"`
	Tracing      TracingConfig          `yaml:"tracing"`
	Metrics      MetricsConfig          `yaml:"metrics"`
}

// Supported providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderCompat    = "compat"
)

// ModelConfig describes one model configuration: which provider to call,
// with which credentials, and the admission policies that gate it.
type ModelConfig struct {
	// ID is the key of the entry under models. It is the rate limiter key.
	ID string `yaml:"-" json:"-"`

	Provider   string            `yaml:"provider" jsonschema:"enum=openai,enum=anthropic,enum=compat"`
	Model      string            `yaml:"model"`
	APIKey     string            `yaml:"api_key"`
	BaseURL    string            `yaml:"base_url"`
	MaxTokens  int               `yaml:"max_tokens"`
	MaxRetries int               `yaml:"max_retries"`
	Timeout    time.Duration     `yaml:"timeout"`
	RateLimits []RateLimitConfig `yaml:"rate_limits"`
}

// RateLimitConfig is one admission policy of a model configuration.
type RateLimitConfig struct {
	Kind  string `yaml:"kind" jsonschema:"enum=concurrency,enum=requests_per_minute,enum=tokens_per_minute"`
	Limit int    `yaml:"limit"`
}

// Policies converts the configured limits to limiter policies.
func (m ModelConfig) Policies() []ratelimit.Policy {
	policies := make([]ratelimit.Policy, 0, len(m.RateLimits))
	for _, rl := range m.RateLimits {
		policies = append(policies, ratelimit.Policy{Kind: ratelimit.Kind(rl.Kind), Limit: float64(rl.Limit)})
	}
	return policies
}

// AgentSettings bounds the agent loop.
type AgentSettings struct {
	System           string         `yaml:"system"`
	MaxIterations    int            `yaml:"max_iterations"`
	MaxToolRetries   int            `yaml:"max_tool_retries"`
	MaxContentLength int            `yaml:"max_content_length"`
	ToolTimeout      time.Duration  `yaml:"tool_timeout"`
	RetryBackoff     backoff.Policy `yaml:"retry_backoff"`
}

// ApprovalConfig controls gating of destructive tools.
type ApprovalConfig struct {
	// Required gates destructive tools. Defaults to true.
	Required       *bool         `yaml:"required"`
	// WithoutHandler decides gated calls when no approver is available.
	WithoutHandler string        `yaml:"without_handler" jsonschema:"enum=allow,enum=deny"`
	AutoApprove    []string      `yaml:"auto_approve"`
	Timeout        time.Duration `yaml:"timeout"`
}

// IsRequired reports whether destructive tools need approval.
func (a ApprovalConfig) IsRequired() bool {
	return a.Required == nil || *a.Required
}

// LibraryConfig locates the document library.
type LibraryConfig struct {
	Path              string `yaml:"path"`
	LibraryID         string `yaml:"library_id"`
	DefaultCollection string `yaml:"default_collection"`
}

// SessionsConfig selects the conversation store.
type SessionsConfig struct {
	Backend         string        `yaml:"backend" jsonschema:"enum=memory,enum=sqlite,enum=postgres"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ToolsConfig configures the external tool backends.
type ToolsConfig struct {
	Disabled  []string        `yaml:"disabled"`
	Scholar   ScholarConfig   `yaml:"scholar"`
	WebSearch WebSearchConfig `yaml:"websearch"`
}

// ScholarConfig points at a scholarly metadata API.
type ScholarConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebSearchConfig configures web search and page reading.
type WebSearchConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxPageBytes int64         `yaml:"max_page_bytes"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level          string   `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format         string   `yaml:"format" jsonschema:"enum=json,enum=text"`
	Output         string   `yaml:"output"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig configures trace export.
type TracingConfig struct {
	// File receives one JSON line per finished session when set.
	File           string            `yaml:"file"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
	RedactToolArgs bool              `yaml:"redact_tool_args"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Model returns the named model configuration, or the default one when name
// is empty.
func (c *Config) Model(name string) (ModelConfig, error) {
	if name == "" {
		name = c.DefaultModel
	}
	mc, ok := c.Models[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("model configuration %q not found", name)
	}
	mc.ID = name
	return mc, nil
}

// ModelNames lists the configured model names in sorted order.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns a configuration with every default applied and no models.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	for name, mc := range cfg.Models {
		mc.ID = name
		if mc.MaxRetries == 0 {
			mc.MaxRetries = 3
		}
		if mc.Timeout == 0 {
			mc.Timeout = 2 * time.Minute
		}
		cfg.Models[name] = mc
	}
	if cfg.DefaultModel == "" && len(cfg.Models) == 1 {
		for name := range cfg.Models {
			cfg.DefaultModel = name
		}
	}

	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.MaxToolRetries == 0 {
		cfg.Agent.MaxToolRetries = 2
	}
	if cfg.Agent.MaxContentLength == 0 {
		cfg.Agent.MaxContentLength = 16000
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = time.Minute
	}
	if cfg.Agent.RetryBackoff == (backoff.Policy{}) {
		cfg.Agent.RetryBackoff = backoff.DefaultPolicy()
	}

	if cfg.Approval.WithoutHandler == "" {
		cfg.Approval.WithoutHandler = "allow"
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
	if cfg.Sessions.MaxOpenConns == 0 {
		cfg.Sessions.MaxOpenConns = 10
	}
	if cfg.Sessions.ConnMaxLifetime == 0 {
		cfg.Sessions.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Tools.Scholar.BaseURL == "" {
		cfg.Tools.Scholar.BaseURL = "https://api.semanticscholar.org/graph/v1"
	}
	if cfg.Tools.Scholar.Timeout == 0 {
		cfg.Tools.Scholar.Timeout = 15 * time.Second
	}
	if cfg.Tools.WebSearch.BaseURL == "" {
		cfg.Tools.WebSearch.BaseURL = "https://html.duckduckgo.com/html/"
	}
	if cfg.Tools.WebSearch.UserAgent == "" {
		cfg.Tools.WebSearch.UserAgent = "libagent/1.0"
	}
	if cfg.Tools.WebSearch.Timeout == 0 {
		cfg.Tools.WebSearch.Timeout = 15 * time.Second
	}
	if cfg.Tools.WebSearch.MaxPageBytes == 0 {
		cfg.Tools.WebSearch.MaxPageBytes = 2 << 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "libagent"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config:\n- " + strings.Join(e.Issues, "\n- ")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	if c.DefaultModel != "" {
		if _, ok := c.Models[c.DefaultModel]; !ok {
			issues = append(issues, fmt.Sprintf("default_model %q is not defined under models", c.DefaultModel))
		}
	}
	for _, name := range c.ModelNames() {
		mc := c.Models[name]
		switch mc.Provider {
		case ProviderOpenAI, ProviderAnthropic:
		case ProviderCompat:
			if mc.BaseURL == "" {
				issues = append(issues, fmt.Sprintf("models.%s.base_url is required for the compat provider", name))
			}
		default:
			issues = append(issues, fmt.Sprintf("models.%s.provider must be openai, anthropic or compat", name))
		}
		if strings.TrimSpace(mc.Model) == "" {
			issues = append(issues, fmt.Sprintf("models.%s.model is required", name))
		}
		for i, p := range mc.Policies() {
			if err := p.Validate(); err != nil {
				issues = append(issues, fmt.Sprintf("models.%s.rate_limits[%d]: %v", name, i, err))
			}
		}
	}

	if c.Agent.MaxIterations < 1 {
		issues = append(issues, "agent.max_iterations must be at least 1")
	}
	if c.Agent.MaxToolRetries < 0 {
		issues = append(issues, "agent.max_tool_retries must not be negative")
	}
	if c.Agent.ToolTimeout < 0 {
		issues = append(issues, "agent.tool_timeout must not be negative")
	}

	switch c.Approval.WithoutHandler {
	case "allow", "deny":
	default:
		issues = append(issues, "approval.without_handler must be allow or deny")
	}

	switch c.Sessions.Backend {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Sessions.DSN) == "" {
			issues = append(issues, fmt.Sprintf("sessions.dsn is required for the %s backend", c.Sessions.Backend))
		}
	default:
		issues = append(issues, "sessions.backend must be memory, sqlite or postgres")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, "logging.format must be json or text")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
