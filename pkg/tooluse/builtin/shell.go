// Package builtin implements the tools available in every conversation by
// default: shell execution today, with room for others (file read/write,
// patch, browser) to follow the same Spec/Executor shape.
package builtin

import (
	"context"
	"fmt"
	"iter"
	"os/exec"
	"strings"
	"time"

	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// ShellConfig mirrors a conversation's shell-tool settings: an optional
// command allowlist and an execution timeout. A nil or zero Timeout means
// no timeout is applied.
type ShellConfig struct {
	AllowedCommands []string
	Timeout         time.Duration
}

// NewShellSpec registers a "shell" tool invoked via ```sh or ```shell
// fenced blocks (markdown format) or a <tool name="shell"> element (xml format),
// running the block body as "sh -c <body>" in workspace.
func NewShellSpec(cfg ShellConfig) tooluse.Spec {
	return tooluse.Spec{
		Name:        "shell",
		Description: "Execute a shell command and return its combined stdout/stderr.",
		Instructions: "To run a shell command, write a fenced code block tagged `sh` " +
			"containing exactly the command to run. Prefer `sed -n 'START,ENDp' FILE` " +
			"for reading specific line ranges rather than the whole file.",
		BlockTypes: []string{"sh", "shell", "bash"},
		Executor:   newShellExecutor(cfg),
	}
}

func newShellExecutor(cfg ShellConfig) tooluse.Executor {
	return func(ctx context.Context, use tooluse.ToolUse, log tooluse.Log, workspace string) iter.Seq2[message.Message, error] {
		return func(yield func(message.Message, error) bool) {
			command := strings.TrimSpace(use.Content)
			if command == "" {
				yield(message.Message{}, fmt.Errorf("shell: empty command"))
				return
			}
			if err := checkAllowed(command, cfg.AllowedCommands); err != nil {
				yield(message.Message{}, err)
				return
			}

			runCtx := ctx
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}

			out, execErr := run(runCtx, command, workspace)

			content := out
			if execErr != nil {
				content += fmt.Sprintf("\n[exit: %v]", execErr)
			}
			yield(message.New(message.RoleTool, content, time.Now), nil)
		}
	}
}

// run executes command with "sh -c", returning combined stdout+stderr.
func run(ctx context.Context, command, workingDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// checkAllowed extracts the base command (the executable named before any
// pipe/redirect/semicolon) and, if an allowlist is configured, rejects
// anything not on it.
func checkAllowed(command string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	base := baseCommand(command)
	for _, a := range allowed {
		if base == a {
			return nil
		}
	}
	return fmt.Errorf("shell: command not allowed: %s (allowed: %v)", base, allowed)
}

func baseCommand(command string) string {
	parts := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == '>' || r == '<' || r == ';'
	})
	if len(parts) == 0 {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(parts[0]))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
