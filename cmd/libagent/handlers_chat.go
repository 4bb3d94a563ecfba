package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/libagent/internal/agent"
	"github.com/haasonsaas/libagent/pkg/models"
)

// isTerminal reports whether stdin is interactive. Tests replace it.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// session is one conversation driven from the command line.
type session struct {
	app  *app
	loop *agent.AgenticLoop
	cfg  agent.AgentConfig
	conv agent.Conversation
	out  io.Writer
	errs io.Writer
}

func openSession(ctx context.Context, a *app, flags turnFlags, in *bufio.Reader, out, errOut io.Writer) (*session, error) {
	var permission agent.PermissionHandler
	if isTerminal() {
		permission = newTerminalApprover(a, in, errOut)
	}
	loop, cfg, err := a.newLoop(flags.model, permission)
	if err != nil {
		return nil, err
	}
	conv, err := a.conversation(ctx, flags.sessionID, cfg.ModelConfigID)
	if err != nil {
		return nil, err
	}
	return &session{app: a, loop: loop, cfg: cfg, conv: conv, out: out, errs: errOut}, nil
}

// turn runs one prompt. Interrupts cancel the turn, not the process.
func (s *session) turn(ctx context.Context, prompt string, stream bool) (*agent.TurnResult, error) {
	if err := s.conv.Append(ctx, models.Message{Role: models.RoleUser, Content: prompt}); err != nil {
		return nil, fmt.Errorf("failed to store prompt: %w", err)
	}

	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handlers := agent.StreamHandlers{
		OnToolCalls: func(calls []models.ToolCallRequest) {
			for _, call := range calls {
				fmt.Fprintf(s.errs, "→ %s %s\n", call.Name, call.Arguments)
			}
		},
	}
	if stream {
		handlers.OnToken = func(text string) { fmt.Fprint(s.out, text) }
	}

	result, err := s.loop.RunTurn(turnCtx, s.conv, s.cfg, handlers)
	if result == nil {
		return nil, err
	}
	if stream {
		if result.Outcome == models.TraceOutcomeCompleted {
			fmt.Fprintln(s.out)
		} else {
			fmt.Fprintf(s.out, "\n%s\n", lastLine(result.Text))
		}
	}
	return result, err
}

func lastLine(text string) string {
	text = strings.TrimRight(text, "\n")
	if i := strings.LastIndex(text, "\n"); i >= 0 {
		return text[i+1:]
	}
	return text
}

// runChat reads prompts from stdin until EOF or /exit.
func runChat(cmd *cobra.Command, path string, flags turnFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, path)
	if err != nil {
		return err
	}
	defer a.Close()
	a.watchConfig(ctx, path)

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	s, err := openSession(ctx, a, flags, in, out, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session %s (model %s, %d tools). /exit to quit.\n",
		s.conv.ID(), s.cfg.ModelConfigID, len(a.registry.Names()))

	for {
		fmt.Fprint(out, "> ")
		line, err := in.ReadString('\n')
		prompt := strings.TrimSpace(line)
		if prompt == "/exit" || prompt == "/quit" {
			return nil
		}
		if prompt != "" {
			if _, turnErr := s.turn(ctx, prompt, true); turnErr != nil {
				a.logger.Error("turn failed", "session_id", s.conv.ID(), "error", turnErr)
			}
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// runAsk runs a single turn.
func runAsk(cmd *cobra.Command, path string, flags turnFlags, args []string, jsonOutput bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, path)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := openSession(ctx, a, flags, bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	result, err := s.turn(ctx, strings.Join(args, " "), !jsonOutput)
	if jsonOutput && result != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(struct {
			SessionID string `json:"session_id"`
			*agent.TurnResult
		}{s.conv.ID(), result}); encErr != nil {
			return encErr
		}
	}
	return err
}

// terminalApprover asks on the terminal before destructive tools run.
// Decisions go through an ApprovalQueue so auto-approve patterns and the
// request timeout apply.
type terminalApprover struct {
	*agent.ApprovalQueue

	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newTerminalApprover(a *app, in *bufio.Reader, out io.Writer) *terminalApprover {
	t := &terminalApprover{in: in, out: out}
	t.ApprovalQueue = agent.NewApprovalQueue(
		agent.WithAutoApprove(a.cfg.Approval.AutoApprove...),
		agent.WithRequestTTL(a.cfg.Approval.Timeout),
		agent.WithApprovalNotify(t.prompt),
	)
	return t
}

func (t *terminalApprover) prompt(req agent.ApprovalRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\n%s wants to run with %s\nAllow? [y/N] ", req.ToolName, req.Arguments)
	answer, _ := t.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		_ = t.Approve(req.ToolCallID)
	default:
		_ = t.Deny(req.ToolCallID)
	}
}
