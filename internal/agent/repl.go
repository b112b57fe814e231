package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

const replPrompt = "OAUTH> "

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL drives a Debugger interactively, one command per line
type REPL struct {
	debugger        *Debugger
	logger          *Logger
	out             io.Writer
	rl              *readline.Instance
	commandHandlers map[string]commandHandler
}

// NewREPL creates a new REPL instance
func NewREPL(debugger *Debugger, logger *Logger) *REPL {
	r := &REPL{
		debugger: debugger,
		logger:   logger,
		out:      os.Stdout,
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// SetDebugger replaces the debugger driven by the REPL
func (r *REPL) SetDebugger(debugger *Debugger) {
	r.debugger = debugger
}

// SetOutput redirects command output
func (r *REPL) SetOutput(w io.Writer) {
	r.out = w
}

// Run starts the REPL
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_oauth_debug_history")

	config := &readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     historyFile,
		AutoComplete:    r.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl
	defer func() { r.rl = nil }()

	r.logger.Info("OAuth debugger started for %s. Type 'help' for available commands.", r.debugger.ServerURL())
	fmt.Fprintln(r.out)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("REPL shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}

		fmt.Fprintln(r.out)
	}
}

// Prompt reads one answer through the running readline instance. It backs
// the manual code source while the REPL is active.
func (r *REPL) Prompt(prompt string) (string, error) {
	if r.rl == nil {
		return "", fmt.Errorf("REPL is not running")
	}
	r.rl.SetPrompt(prompt)
	defer r.rl.SetPrompt(replPrompt)
	return r.rl.Readline()
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("state"),
		readline.PcItem("next"),
		readline.PcItem("run"),
		readline.PcItem("code"),
		readline.PcItem("url"),
		readline.PcItem("reset",
			readline.PcItem("--all"),
		),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"?": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"state": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleState()
		}},
		"next": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleNext(ctx)
		}},
		"run": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleRun(ctx)
		}},
		"code": {
			minArgs: 2,
			usage:   "usage: code <authorization-code>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleCode(strings.Join(parts[1:], " "))
			},
		},
		"url": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleURL()
		}},
		"reset": {
			minArgs: 1,
			usage:   "usage: reset [--all]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleReset(parts[1:])
			},
		},
	}
}

// executeCommand parses and executes a command
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out, "  help, ?                      - Show this help message")
	fmt.Fprintln(r.out, "  state                        - Show the current flow state")
	fmt.Fprintln(r.out, "  next                         - Execute the current step")
	fmt.Fprintln(r.out, "  run                          - Execute steps until the flow completes or fails")
	fmt.Fprintln(r.out, "  code <code>                  - Provide the authorization code")
	fmt.Fprintln(r.out, "  url                          - Print the authorization URL")
	fmt.Fprintln(r.out, "  reset [--all]                - Start a new flow (--all also forgets stored credentials)")
	fmt.Fprintln(r.out, "  exit, quit                   - Exit the REPL")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Flow steps:")
	steps := []OAuthStep{
		StepMetadataDiscovery,
		StepClientRegistration,
		StepAuthorizationRedirect,
		StepAuthorizationCode,
		StepTokenRequest,
	}
	if r.debugger.Variant() == ValidatedFlow {
		steps = append(steps, StepValidateToken)
	}
	steps = append(steps, StepComplete)
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = string(step)
	}
	fmt.Fprintf(r.out, "  %s\n", strings.Join(names, " -> "))
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Keyboard shortcuts:")
	fmt.Fprintln(r.out, "  TAB                          - Auto-complete commands")
	fmt.Fprintln(r.out, "  Ctrl+R                       - Search command history")
	fmt.Fprintln(r.out, "  Ctrl+D                       - Exit REPL")
	return nil
}
