package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Conversation Commands
// =============================================================================

type turnFlags struct {
	model     string
	sessionID string
}

func (f *turnFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model configuration to use (default: default_model)")
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "Session ID to resume or create")
}

// buildChatCmd creates the interactive REPL command.
func buildChatCmd() *cobra.Command {
	var flags turnFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Long: `Start an interactive session. Each line is one turn; the model may call
tools any number of times before it answers.

Destructive tools (removing items from collections, deleting notes) ask for
confirmation when stdin is a terminal. Otherwise approval.without_handler
decides.

Type /exit or press Ctrl-D to quit. Ctrl-C cancels the current turn.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath(cmd), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// buildAskCmd creates the single-prompt command.
func buildAskCmd() *cobra.Command {
	var (
		flags      turnFlags
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Run one turn and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, configPath(cmd), flags, args, jsonOutput)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the turn result and trace as JSON")
	return cmd
}

// =============================================================================
// Inspection Commands
// =============================================================================

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool catalog",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tools with their sensitivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd)
		},
	}
	schema := &cobra.Command{
		Use:   "schema <name>",
		Short: "Print the JSON schema of a tool's arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsSchema(cmd, args[0])
		},
	}
	cmd.AddCommand(list, schema)
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, configPath(cmd))
			},
		},
	)
	return cmd
}

// buildTraceCmd creates the "trace" command group for JSONL trace files.
func buildTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect JSONL trace files",
		Long: `Inspect JSONL trace files written when tracing.file is set.

Example:
  libagent trace summary traces.jsonl          # Per-session tool statistics
  libagent trace summary --json traces.jsonl   # Same, as JSON`,
	}

	var jsonOutput bool
	summary := &cobra.Command{
		Use:   "summary <file>",
		Short: "Summarize tool usage per session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraceSummary(cmd, args[0], jsonOutput)
		},
	}
	summary.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.AddCommand(summary)
	return cmd
}

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored conversations",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath(cmd), limit, offset)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Max number of sessions to return")
	list.Flags().IntVar(&offset, "offset", 0, "Number of sessions to skip")

	var last int
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, configPath(cmd), args[0], last)
		},
	}
	show.Flags().IntVar(&last, "last", 0, "Only print the newest N messages")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd, configPath(cmd), args[0])
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

// buildLibraryCmd creates the "library" command group.
func buildLibraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage the document library",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "seed <file>",
		Short: "Load collections and items from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLibrarySeed(cmd, configPath(cmd), args[0])
		},
	})
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "libagent %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
