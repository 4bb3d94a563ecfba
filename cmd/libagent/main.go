// Package main provides the CLI entry point for libagent, a tool-using
// research assistant over a local document library.
//
// # Basic Usage
//
// Start an interactive session:
//
//	libagent chat --config libagent.yaml
//
// Ask a single question and resume the conversation later:
//
//	libagent ask --session reading-list "Which papers cite Attention Is All You Need?"
//
// Inspect the tool surface and configuration:
//
//	libagent tools list
//	libagent config validate
//
// # Environment Variables
//
//   - LIBAGENT_CONFIG: Path to configuration file (default: libagent.yaml)
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY: referenced from the config as ${VAR}
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/libagent
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Until a config is loaded, log JSON to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "libagent",
		Short: "libagent - tool-using research assistant for your document library",
		Long: `libagent lets a language model search, read and organize a document
library through validated, rate-limited and traced tool calls.

Supported providers: OpenAI, Anthropic, any OpenAI-compatible server
Tool groups: library, scholarly search, web search`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath(), "Path to configuration file (or set LIBAGENT_CONFIG)")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildAskCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildTraceCmd(),
		buildSessionsCmd(),
		buildLibraryCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("LIBAGENT_CONFIG"); path != "" {
		return path
	}
	return "libagent.yaml"
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
