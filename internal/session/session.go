// Package session drives the external coding-assistant CLI inside a tmux
// session. The rest of the system only sees the Executor interface, so the
// transport (tmux today) stays swappable.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
)

// Executor is the collaborator contract for the interactive CLI session.
type Executor interface {
	// StartSession ensures the session exists and the CLI is launched.
	StartSession(ctx context.Context) error
	// IsAlive reports whether the session exists and the CLI is still the
	// foreground process.
	IsAlive() bool
	// SendCommand delivers text to the CLI and submits it.
	SendCommand(ctx context.Context, text string) error
	// CaptureRecentOutput returns the last n lines of session output.
	CaptureRecentOutput(lines int) (string, error)
	// Interrupt sends Ctrl+C to the foreground process.
	Interrupt() error
	// Kill tears the session down.
	Kill() error
}

// runner abstracts tmux invocation for testing. input is piped to stdin when
// non-empty.
type runner func(input string, args ...string) (string, error)

func tmuxRunner(input string, args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// tmux uses `:` and `.` for target resolution, so session names must drop
// anything outside this set.
var unsafeSessionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// shellCommands are foreground commands that mean the CLI is not running.
var shellCommands = map[string]bool{
	"bash": true, "zsh": true, "fish": true,
	"sh": true, "dash": true, "tcsh": true, "csh": true,
}

// bufSeq keeps paste-buffer names unique across concurrent sends.
var bufSeq atomic.Int64

// TmuxExecutor implements Executor on top of a dedicated tmux session.
type TmuxExecutor struct {
	cfg    model.SessionConfig
	logger *logging.Logger
	run    runner
}

func NewTmuxExecutor(cfg model.SessionConfig, logger *logging.Logger) *TmuxExecutor {
	return &TmuxExecutor{cfg: cfg, logger: logger, run: tmuxRunner}
}

func (e *TmuxExecutor) sessionName() string {
	name := unsafeSessionChars.ReplaceAllString(e.cfg.SessionName, "_")
	if name == "" {
		name = "taskpilot"
	}
	return name
}

func (e *TmuxExecutor) sessionExists() bool {
	_, err := e.run("", "has-session", "-t", e.sessionName())
	return err == nil
}

// StartSession creates the tmux session if needed and launches the CLI when
// the pane is sitting at a plain shell.
func (e *TmuxExecutor) StartSession(ctx context.Context) error {
	name := e.sessionName()

	if !e.sessionExists() {
		if _, err := e.run("", "new-session", "-d", "-s", name, "-n", "main"); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		e.logger.Infof("event=session_created name=%s", name)
	}

	cmd, err := e.currentCommand()
	if err != nil {
		return fmt.Errorf("inspect pane: %w", err)
	}
	if !shellCommands[cmd] {
		// CLI (or something else) already in the foreground.
		return nil
	}

	if _, err := e.run("", "send-keys", "-t", name, e.cfg.StartCommand, "Enter"); err != nil {
		return fmt.Errorf("launch cli: %w", err)
	}
	e.logger.Infof("event=cli_launched session=%s command=%s", name, e.cfg.StartCommand)

	// Give the CLI a moment to take over the pane before the caller starts
	// sending work.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// IsAlive reports whether the session exists and the CLI is the foreground
// process (a bare shell counts as dead: the CLI exited).
func (e *TmuxExecutor) IsAlive() bool {
	if !e.sessionExists() {
		return false
	}
	cmd, err := e.currentCommand()
	if err != nil {
		return false
	}
	return !shellCommands[cmd]
}

// SendCommand delivers text through a tmux paste-buffer (bracketed paste, no
// LF→CR conversion) and submits with Enter. Key-by-key sending mangles
// multi-line input, paste-buffer does not.
func (e *TmuxExecutor) SendCommand(ctx context.Context, text string) error {
	name := e.sessionName()
	bufName := fmt.Sprintf("taskpilot-msg-%d", bufSeq.Add(1))

	if _, err := e.run(text, "load-buffer", "-b", bufName, "-"); err != nil {
		return fmt.Errorf("load buffer: %w", err)
	}
	if _, err := e.run("", "paste-buffer", "-pr", "-b", bufName, "-d", "-t", name); err != nil {
		return fmt.Errorf("paste buffer: %w", err)
	}

	// The CLI needs time to render the paste into its input field before
	// Enter lands; submitting too early drops the tail of the message.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := e.run("", "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

// CaptureRecentOutput captures the last n pane lines with -J so wrapped
// lines are joined and the output is stable across terminal widths.
func (e *TmuxExecutor) CaptureRecentOutput(lines int) (string, error) {
	args := []string{"capture-pane", "-t", e.sessionName(), "-pJ"}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	return e.run("", args...)
}

// Interrupt sends Ctrl+C to the foreground process.
func (e *TmuxExecutor) Interrupt() error {
	_, err := e.run("", "send-keys", "-t", e.sessionName(), "", "C-c")
	return err
}

// Kill destroys the session.
func (e *TmuxExecutor) Kill() error {
	if !e.sessionExists() {
		return nil
	}
	_, err := e.run("", "kill-session", "-t", e.sessionName())
	return err
}

func (e *TmuxExecutor) currentCommand() (string, error) {
	out, err := e.run("", "display-message", "-t", e.sessionName(), "-p", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// OutputHash fingerprints captured output for idle-stability comparison.
func OutputHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
