package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/internal/agent/providers"
	"github.com/haasonsaas/libagent/internal/config"
	"github.com/haasonsaas/libagent/internal/library"
	"github.com/haasonsaas/libagent/internal/observability"
	"github.com/haasonsaas/libagent/internal/ratelimit"
	"github.com/haasonsaas/libagent/internal/sessions"
	"github.com/haasonsaas/libagent/internal/tools/librarian"
	"github.com/haasonsaas/libagent/internal/tools/scholar"
	"github.com/haasonsaas/libagent/internal/tools/websearch"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/internal/tracing"
	"github.com/haasonsaas/libagent/pkg/models"
)

// app holds everything one CLI invocation needs to run agent turns.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	limiter   *ratelimit.Limiter
	tracer    *tracing.Tracer
	store     sessions.Store
	library   *library.SQLiteBackend
	registry  *toolspec.Registry
	handlers  agent.HandlerTable
	providers *providers.Registry

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// loadConfig loads path and installs the configured logger as the default.
func loadConfig(path string) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	out, closeOut, err := logOutput(cfg.Logging.Output)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         out,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)
	return cfg, logger, closeOut, nil
}

func logOutput(target string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch target {
	case "", "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output: %w", err)
		}
		return f, f.Close, nil
	}
}

// newApp wires the configured stores, tools, providers and observers.
// On error, everything opened so far is closed.
func newApp(ctx context.Context, path string) (_ *app, err error) {
	cfg, logger, closeLog, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.onClose(func(context.Context) error { return closeLog() })
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.startMetrics(); err != nil {
		return nil, err
	}

	a.limiter = ratelimit.NewLimiter(ratelimit.WithObserver(func(modelID string, kind ratelimit.Kind, waited time.Duration) {
		a.metrics.ObserveRateLimitWait(modelID, string(kind), waited)
	}))
	a.applyPolicies(cfg)

	if err := a.startTracer(); err != nil {
		return nil, err
	}

	a.store, err = sessions.Open(ctx, cfg.Sessions, sessions.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	a.onClose(func(context.Context) error { return a.store.Close() })

	a.library, err = library.NewSQLiteBackend(library.SQLiteConfig{Path: cfg.Library.Path})
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.library.Close() })

	a.handlers = buildHandlers(cfg, a.library, logger)
	a.registry, err = toolspec.NewRegistry(logger, enabledEntries(a.handlers)...)
	if err != nil {
		return nil, err
	}

	a.providers, err = providers.NewRegistry(cfg,
		providers.WithLogger(logger),
		providers.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) startMetrics() error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = observability.NewMetrics(reg)

	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	a.onClose(srv.Shutdown)
	return nil
}

func (a *app) startTracer() error {
	opts := []tracing.Option{tracing.WithLogger(a.logger)}
	tc := a.cfg.Tracing

	if tc.File != "" {
		jsonlOpts := []tracing.JSONLOption{
			tracing.WithAppVersion(version),
			tracing.WithEnvironment(tc.Environment),
		}
		if tc.RedactToolArgs {
			jsonlOpts = append(jsonlOpts, tracing.WithRedactor(redactToolArgs))
		}
		exporter, err := tracing.NewJSONLFile(tc.File, uuid.NewString(), jsonlOpts...)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return exporter.Close() })
		opts = append(opts, tracing.WithExporter(exporter))
	}

	if tc.Endpoint != "" {
		otelTracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
			ServiceName:    tc.ServiceName,
			ServiceVersion: version,
			Environment:    tc.Environment,
			Endpoint:       tc.Endpoint,
			SamplingRate:   tc.SamplingRate,
			Attributes:     tc.Attributes,
			EnableInsecure: tc.Insecure,
		})
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		a.onClose(shutdown)
		opts = append(opts, tracing.WithExporter(tracing.NewOTelExporter(otelTracer)))
	}

	a.tracer = tracing.New(opts...)
	return nil
}

func redactToolArgs(trace *models.AgentTrace) {
	for i := range trace.Iterations {
		for j := range trace.Iterations[i].ToolSpans {
			if trace.Iterations[i].ToolSpans[j].InputArgs != "" {
				trace.Iterations[i].ToolSpans[j].InputArgs = "[redacted]"
			}
		}
	}
}

// applyPolicies installs the rate limits of every configured model and
// reports how many models changed. Unchanged models keep their budgets.
func (a *app) applyPolicies(cfg *config.Config) int {
	changed := 0
	for _, name := range cfg.ModelNames() {
		policies := cfg.Models[name].Policies()
		if slices.Equal(a.limiter.Policies(name), policies) {
			continue
		}
		if err := a.limiter.SetPolicies(name, policies...); err != nil {
			a.logger.Warn("ignoring invalid rate limits", "model_config", name, "error", err)
			continue
		}
		changed++
	}
	return changed
}

// watchConfig hot-swaps rate limits when the config file changes. Other
// settings need a restart.
func (a *app) watchConfig(ctx context.Context, path string) {
	w := config.NewWatcher(path, func(cfg *config.Config) {
		if n := a.applyPolicies(cfg); n > 0 {
			a.logger.Info("reloaded rate limits", "models_changed", n)
		}
	}, config.WithWatchLogger(a.logger))
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("config watch disabled", "error", err)
		return
	}
	a.onClose(func(context.Context) error { return w.Close() })
}

// buildHandlers assembles the dispatch table from the enabled tool groups,
// minus tools.disabled.
func buildHandlers(cfg *config.Config, backend library.Backend, logger *slog.Logger) agent.HandlerTable {
	handlers := librarian.New(backend, librarian.WithLogger(logger)).Handlers()

	if sc := cfg.Tools.Scholar; sc.Enabled {
		client := scholar.NewClient(scholar.Config{BaseURL: sc.BaseURL, APIKey: sc.APIKey, Timeout: sc.Timeout})
		handlers = handlers.Merge(scholar.NewTools(client, backend, logger).Handlers())
	}
	if wc := cfg.Tools.WebSearch; wc.Enabled {
		searcher := websearch.NewSearcher(websearch.SearchConfig{
			BaseURL:   wc.BaseURL,
			UserAgent: wc.UserAgent,
			Timeout:   wc.Timeout,
		})
		extractor := websearch.NewExtractor(websearch.ExtractConfig{
			UserAgent: wc.UserAgent,
			Timeout:   wc.Timeout,
			MaxBytes:  wc.MaxPageBytes,
		})
		handlers = handlers.Merge(websearch.NewTools(searcher, extractor).Handlers())
	}

	for _, name := range cfg.Tools.Disabled {
		id, ok := toolspec.ParseToolID(name)
		if !ok {
			logger.Warn("unknown tool in tools.disabled", "tool", name)
			continue
		}
		delete(handlers, id)
	}
	return handlers
}

// enabledEntries keeps the catalog entries that have a handler, so the
// model is only offered tools that can run.
func enabledEntries(handlers agent.HandlerTable) []toolspec.Entry {
	var entries []toolspec.Entry
	for _, entry := range toolspec.Catalog() {
		if _, ok := handlers[entry.ID]; ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// agentConfig derives the per-turn settings for a model configuration.
func (a *app) agentConfig(mc config.ModelConfig) agent.AgentConfig {
	ac := agent.DefaultAgentConfig()
	ac.ModelConfigID = mc.ID
	ac.Model = mc.Model
	ac.System = a.cfg.Agent.System
	ac.Library = agent.LibraryScope{
		LibraryID:     a.cfg.Library.LibraryID,
		CollectionKey: a.cfg.Library.DefaultCollection,
	}
	ac.MaxAgentIterations = a.cfg.Agent.MaxIterations
	ac.MaxToolRetries = a.cfg.Agent.MaxToolRetries
	ac.MaxContentLength = a.cfg.Agent.MaxContentLength
	ac.MaxTokens = mc.MaxTokens
	ac.ToolTimeout = a.cfg.Agent.ToolTimeout
	ac.RetryBackoff = a.cfg.Agent.RetryBackoff
	ac.RequireApproval = a.cfg.Approval.IsRequired()
	ac.WithoutHandler = agent.NoHandlerPolicy(a.cfg.Approval.WithoutHandler)
	return ac
}

// newLoop builds an agent loop for the named model configuration.
func (a *app) newLoop(model string, permission agent.PermissionHandler) (*agent.AgenticLoop, agent.AgentConfig, error) {
	provider, mc, err := a.providers.Get(model)
	if err != nil {
		return nil, agent.AgentConfig{}, err
	}
	opts := []agent.Option{
		agent.WithLimiter(a.limiter),
		agent.WithTracer(a.tracer),
		agent.WithLogger(a.logger),
		agent.WithMetrics(a.metrics),
	}
	if permission != nil {
		opts = append(opts, agent.WithPermissionHandler(permission))
	}
	return agent.NewAgenticLoop(provider, a.registry, a.handlers, opts...), a.agentConfig(mc), nil
}

// conversation resumes or creates the session with id.
func (a *app) conversation(ctx context.Context, id, model string) (agent.Conversation, error) {
	session, err := sessions.GetOrCreate(ctx, a.store, id, model)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return a.store.Conversation(session.ID), nil
}
