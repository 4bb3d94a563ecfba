package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/libagent/internal/config"
	"github.com/haasonsaas/libagent/internal/library"
	"github.com/haasonsaas/libagent/internal/sessions"
	"github.com/haasonsaas/libagent/internal/toolspec"
	"github.com/haasonsaas/libagent/internal/tracing"
)

// =============================================================================
// Tools
// =============================================================================

func runToolsList(cmd *cobra.Command) error {
	registry, err := toolspec.DefaultRegistry(nil)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSENSITIVITY\tDESCRIPTION")
	for _, name := range registry.Names() {
		schema, _ := registry.Schema(name)
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, schema.Sensitivity, schema.Description)
	}
	return w.Flush()
}

func runToolsSchema(cmd *cobra.Command, name string) error {
	registry, err := toolspec.DefaultRegistry(nil)
	if err != nil {
		return err
	}
	schema, ok := registry.Schema(name)
	if !ok {
		return fmt.Errorf("unknown tool %q (see 'libagent tools list')", name)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, schema.Document, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(cmd.OutOrStdout())
	return err
}

// =============================================================================
// Config
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func runConfigValidate(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", path)
	fmt.Fprintf(out, "  default model: %s\n", cfg.DefaultModel)
	for _, name := range cfg.ModelNames() {
		mc := cfg.Models[name]
		fmt.Fprintf(out, "  model %s: %s/%s, %d rate limits\n", name, mc.Provider, mc.Model, len(mc.RateLimits))
	}
	fmt.Fprintf(out, "  sessions: %s\n", cfg.Sessions.Backend)
	return nil
}

// =============================================================================
// Trace
// =============================================================================

func runTraceSummary(cmd *cobra.Command, path string, jsonOutput bool) error {
	header, traces, err := tracing.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read trace file: %w", err)
	}
	out := cmd.OutOrStdout()

	if jsonOutput {
		type sessionSummary struct {
			SessionID       string `json:"session_id"`
			ConversationID  string `json:"conversation_id,omitempty"`
			Outcome         string `json:"outcome"`
			TotalToolCalls  int    `json:"total_tool_calls"`
			FailedToolCalls int    `json:"failed_tool_calls"`
			Summary         any    `json:"summary"`
		}
		summaries := make([]sessionSummary, 0, len(traces))
		for _, t := range traces {
			summaries = append(summaries, sessionSummary{
				SessionID:       t.SessionID,
				ConversationID:  t.ConversationID,
				Outcome:         string(t.Outcome),
				TotalToolCalls:  t.TotalToolCalls,
				FailedToolCalls: t.FailedToolCalls,
				Summary:         tracing.ExecutionSummary(t),
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"header": header, "sessions": summaries})
	}

	fmt.Fprintf(out, "Run: %s (version %d", header.RunID, header.Version)
	if header.AppVersion != "" {
		fmt.Fprintf(out, ", libagent %s", header.AppVersion)
	}
	fmt.Fprintf(out, ")\nSessions: %d\n", len(traces))
	for _, t := range traces {
		summary := tracing.ExecutionSummary(t)
		fmt.Fprintln(out, strings.Repeat("-", 40))
		label := t.SessionID
		if t.ConversationID != "" {
			label = t.ConversationID + " (" + t.SessionID + ")"
		}
		fmt.Fprintf(out, "Session %s: %s\n", label, t.Outcome)
		fmt.Fprintf(out, "  Iterations:   %d\n", summary.Iterations)
		fmt.Fprintf(out, "  Duration:     %v\n", summary.Duration.Round(time.Millisecond))
		fmt.Fprintf(out, "  Tool calls:   %d (%d failed)\n", t.TotalToolCalls, t.FailedToolCalls)
		if len(summary.Tools) == 0 {
			continue
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  TOOL\tCALLS\tFAILURES\tAVG")
		for _, ts := range summary.Tools {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%v\n", ts.ToolName, ts.Calls, ts.Failures, ts.AverageDuration.Round(time.Millisecond))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

func openStore(cmd *cobra.Command, path string) (sessions.Store, error) {
	cfg, _, closeLog, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	defer closeLog()
	return sessions.Open(cmd.Context(), cfg.Sessions)
}

func runSessionsList(cmd *cobra.Command, path string, limit, offset int) error {
	store, err := openStore(cmd, path)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(cmd.Context(), sessions.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tTITLE\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Model, s.Title, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, path, id string, last int) error {
	store, err := openStore(cmd, path)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.Get(cmd.Context(), id); err != nil {
		return err
	}
	msgs, err := store.History(cmd.Context(), id, last)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tROLE\tCONTENT")
	for _, msg := range msgs {
		content := strings.Join(strings.Fields(msg.Content), " ")
		for _, call := range msg.ToolCalls {
			content = strings.TrimSpace(content + " " + call.Name + call.Arguments)
		}
		if msg.ToolName != "" {
			content = msg.ToolName + ": " + content
		}
		if len(content) > 120 {
			content = content[:117] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", msg.CreatedAt.Format(time.TimeOnly), msg.Role, content)
	}
	return w.Flush()
}

func runSessionsDelete(cmd *cobra.Command, path, id string) error {
	store, err := openStore(cmd, path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted session %s\n", id)
	return nil
}

// =============================================================================
// Library
// =============================================================================

func runLibrarySeed(cmd *cobra.Command, path, seedPath string) error {
	cfg, _, closeLog, err := loadConfig(path)
	if err != nil {
		return err
	}
	defer closeLog()

	backend, err := library.NewSQLiteBackend(library.SQLiteConfig{Path: cfg.Library.Path})
	if err != nil {
		return err
	}
	defer backend.Close()

	added, err := library.SeedFromFile(cmd.Context(), backend, seedPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %d items to %s\n", added, cfg.Library.Path)
	return nil
}
