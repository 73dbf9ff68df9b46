package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
)

type call struct {
	input string
	args  []string
}

// fakeTmux scripts responses by tmux subcommand name.
type fakeTmux struct {
	calls     []call
	responses map[string]string
	failures  map[string]error
}

func (f *fakeTmux) runner() runner {
	return func(input string, args ...string) (string, error) {
		f.calls = append(f.calls, call{input: input, args: args})
		sub := args[0]
		if err, ok := f.failures[sub]; ok {
			return "", err
		}
		return f.responses[sub], nil
	}
}

func (f *fakeTmux) called(sub string) bool {
	for _, c := range f.calls {
		if c.args[0] == sub {
			return true
		}
	}
	return false
}

func newTestExecutor(f *fakeTmux) *TmuxExecutor {
	cfg := model.ApplyDefaults(model.Config{}).Session
	e := NewTmuxExecutor(cfg, logging.New(io.Discard, "session", logging.LevelError))
	e.run = f.runner()
	return e
}

func TestSessionName_Sanitized(t *testing.T) {
	cfg := model.SessionConfig{SessionName: "my proj:v2.1"}
	e := NewTmuxExecutor(cfg, logging.New(io.Discard, "session", logging.LevelError))
	if got := e.sessionName(); got != "my_proj_v2_1" {
		t.Errorf("sessionName = %q, want my_proj_v2_1", got)
	}

	e = NewTmuxExecutor(model.SessionConfig{SessionName: ":::"}, logging.New(io.Discard, "session", logging.LevelError))
	if got := e.sessionName(); got != "___" {
		t.Errorf("sessionName = %q", got)
	}
}

func TestStartSession_CreatesAndLaunches(t *testing.T) {
	f := &fakeTmux{
		responses: map[string]string{"display-message": "bash\n"},
		failures:  map[string]error{"has-session": errors.New("no session")},
	}
	e := newTestExecutor(f)

	if err := e.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !f.called("new-session") {
		t.Error("session was not created")
	}
	if !f.called("send-keys") {
		t.Error("CLI start command was not sent")
	}
}

func TestStartSession_SkipsLaunchWhenCLIRunning(t *testing.T) {
	f := &fakeTmux{responses: map[string]string{"display-message": "claude\n"}}
	e := newTestExecutor(f)

	if err := e.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if f.called("new-session") {
		t.Error("existing session must not be recreated")
	}
	if f.called("send-keys") {
		t.Error("running CLI must not be relaunched")
	}
}

func TestIsAlive(t *testing.T) {
	tests := []struct {
		name      string
		noSession bool
		command   string
		want      bool
	}{
		{"cli in foreground", false, "claude", true},
		{"bare shell means dead", false, "zsh", false},
		{"no session", true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeTmux{responses: map[string]string{"display-message": tt.command + "\n"}}
			if tt.noSession {
				f.failures = map[string]error{"has-session": errors.New("no session")}
			}
			e := newTestExecutor(f)
			if got := e.IsAlive(); got != tt.want {
				t.Errorf("IsAlive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSendCommand_PasteBufferFlow(t *testing.T) {
	f := &fakeTmux{responses: map[string]string{}}
	e := newTestExecutor(f)

	text := "implement the fix\nthen run the tests"
	if err := e.SendCommand(context.Background(), text); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	var loaded, pasted, submitted bool
	for _, c := range f.calls {
		switch c.args[0] {
		case "load-buffer":
			loaded = true
			if c.input != text {
				t.Errorf("buffer content = %q, want the full text", c.input)
			}
		case "paste-buffer":
			pasted = true
			if !contains(c.args, "-pr") {
				t.Error("paste must use bracketed paste without LF conversion")
			}
			if !contains(c.args, "-d") {
				t.Error("paste buffer must be deleted after use")
			}
		case "send-keys":
			submitted = contains(c.args, "Enter")
		}
	}
	if !loaded || !pasted || !submitted {
		t.Errorf("flow incomplete: load=%v paste=%v submit=%v", loaded, pasted, submitted)
	}
}

func TestSendCommand_CancelledBeforeSubmit(t *testing.T) {
	f := &fakeTmux{responses: map[string]string{}}
	e := newTestExecutor(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.SendCommand(ctx, "text"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for _, c := range f.calls {
		if c.args[0] == "send-keys" {
			t.Error("Enter must not be sent after cancellation")
		}
	}
}

func TestCaptureRecentOutput(t *testing.T) {
	f := &fakeTmux{responses: map[string]string{"capture-pane": "line1\nline2\n"}}
	e := newTestExecutor(f)

	out, err := e.CaptureRecentOutput(50)
	if err != nil {
		t.Fatalf("CaptureRecentOutput: %v", err)
	}
	if !strings.Contains(out, "line2") {
		t.Errorf("output = %q", out)
	}

	last := f.calls[len(f.calls)-1]
	if !contains(last.args, "-S") || !contains(last.args, "-50") {
		t.Errorf("capture args = %v, want a -S -50 window", last.args)
	}
	if !contains(last.args, "-pJ") {
		t.Errorf("capture must join wrapped lines, args = %v", last.args)
	}
}

func TestKill_NoSessionIsNoop(t *testing.T) {
	f := &fakeTmux{failures: map[string]error{"has-session": errors.New("no session")}}
	e := newTestExecutor(f)
	if err := e.Kill(); err != nil {
		t.Fatalf("Kill without session: %v", err)
	}
	if f.called("kill-session") {
		t.Error("kill-session must not run when the session is absent")
	}
}

func TestOutputHash_Stability(t *testing.T) {
	a := OutputHash("same content")
	b := OutputHash("same content")
	c := OutputHash("different content")
	if a != b {
		t.Error("identical content must hash identically")
	}
	if a == c {
		t.Error("different content must hash differently")
	}
}

func contains(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
