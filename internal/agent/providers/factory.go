package providers

import (
	"fmt"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/config"
)

// New builds the provider named by mc.Provider.
func New(mc config.ModelConfig, opts ...Option) (agent.Provider, error) {
	switch mc.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(mc, opts...)
	case config.ProviderAnthropic:
		return NewAnthropicProvider(mc, opts...)
	case config.ProviderCompat:
		return NewCompatProvider(mc, opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q for model %q", mc.Provider, mc.ID)
	}
}

// Registry lazily builds one provider per configured model.
type Registry struct {
	cfg       *config.Config
	opts      []Option
	providers map[string]agent.Provider
}

// NewRegistry builds every configured provider up front so configuration
// errors surface at startup.
func NewRegistry(cfg *config.Config, opts ...Option) (*Registry, error) {
	r := &Registry{cfg: cfg, opts: opts, providers: make(map[string]agent.Provider)}
	for _, name := range cfg.ModelNames() {
		mc, _ := cfg.Model(name)
		p, err := New(mc, opts...)
		if err != nil {
			return nil, err
		}
		r.providers[name] = p
	}
	return r, nil
}

// Get returns the provider for a configured model name, or the default model
// when name is empty.
func (r *Registry) Get(name string) (agent.Provider, config.ModelConfig, error) {
	mc, err := r.cfg.Model(name)
	if err != nil {
		return nil, config.ModelConfig{}, err
	}
	return r.providers[mc.ID], mc, nil
}
