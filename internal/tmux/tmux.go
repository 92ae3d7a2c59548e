package tmux

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/IvanRicoPrieto/CCRemote/internal/config"
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// Driver wraps the external tmux binary. All operations target a session by
// name. create and kill failures propagate; every other operation tolerates
// transient failures and returns an empty or default value.
type Driver struct {
	cfg    config.Config
	runner Runner
}

func NewDriver(cfg config.Config) *Driver {
	return &Driver{cfg: cfg, runner: OSRunner{}}
}

func NewDriverWithRunner(cfg config.Config, runner Runner) *Driver {
	return &Driver{cfg: cfg, runner: runner}
}

func (d *Driver) run(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()
	return d.runner.Run(runCtx, "tmux", args...)
}

func (d *Driver) Create(ctx context.Context, name string, cols, rows int, cwd string, argv []string) error {
	args := []string{
		"new-session", "-d",
		"-s", name,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
		"-c", cwd,
	}
	if len(argv) > 0 {
		args = append(args, "--")
		args = append(args, argv...)
	}
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("tmux new-session %s: %w", name, err)
	}
	d.ApplyOptions(ctx, name)
	return nil
}

// ApplyOptions configures a session for hosted use. Idempotent; failures are
// tolerated so attach-to-existing works on older tmux versions.
func (d *Driver) ApplyOptions(ctx context.Context, name string) {
	opts := [][]string{
		{"set-option", "-t", name, "status", "off"},
		{"set-option", "-t", name, "window-size", "largest"},
		{"set-option", "-t", name, "mouse", "on"},
		{"set-option", "-t", name, "history-limit", strconv.Itoa(d.cfg.HistoryLimit)},
	}
	for _, opt := range opts {
		_, _ = d.run(ctx, opt...)
	}
}

// AttachReader streams raw terminal bytes from the session via pipe-pane into
// a daemon-owned FIFO. Escape sequences are included. Session death is not
// reported on the stream; callers probe IsAlive out of band.
func (d *Driver) AttachReader(ctx context.Context, name string) (io.ReadCloser, error) {
	fifoDir := filepath.Join(d.cfg.DataDir, "pipes")
	if err := os.MkdirAll(fifoDir, 0o700); err != nil {
		return nil, fmt.Errorf("create pipe dir: %w", err)
	}
	fifoPath := filepath.Join(fifoDir, name+".pipe")
	_ = os.Remove(fifoPath)
	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", fifoPath, err)
	}
	if _, err := d.run(ctx, "pipe-pane", "-t", name, "-o", fmt.Sprintf("cat >> '%s'", fifoPath)); err != nil {
		_ = os.Remove(fifoPath)
		return nil, fmt.Errorf("tmux pipe-pane %s: %w", name, err)
	}
	// O_RDWR so the open never blocks waiting for the pipe-pane writer.
	f, err := os.OpenFile(fifoPath, os.O_RDWR, 0)
	if err != nil {
		_, _ = d.run(ctx, "pipe-pane", "-t", name)
		_ = os.Remove(fifoPath)
		return nil, fmt.Errorf("open fifo %s: %w", fifoPath, err)
	}
	return &pipeReader{f: f, path: fifoPath, name: name, d: d}, nil
}

type pipeReader struct {
	f    *os.File
	path string
	name string
	d    *Driver
}

func (r *pipeReader) Read(p []byte) (int, error) { return r.f.Read(p) }

func (r *pipeReader) Close() error {
	_, _ = r.d.run(context.Background(), "pipe-pane", "-t", r.name)
	err := r.f.Close()
	_ = os.Remove(r.path)
	return err
}

// NamedKeys is the closed set of key names the driver forwards to tmux
// without literal quoting.
var NamedKeys = map[string]bool{
	"C-c": true, "Escape": true, "Enter": true, "Tab": true, "BSpace": true,
	"Up": true, "Down": true, "Left": true, "Right": true,
	"PageUp": true, "PageDown": true,
}

// DecodeKey maps a raw input encoding to a tmux key name. Anything outside
// the closed set is sent literally.
func DecodeKey(raw string) (string, bool) {
	switch raw {
	case "\x03":
		return "C-c", true
	case "\x1b":
		return "Escape", true
	case "\r", "\n":
		return "Enter", true
	case "\t":
		return "Tab", true
	case "\x7f", "\b":
		return "BSpace", true
	case "\x1b[A":
		return "Up", true
	case "\x1b[B":
		return "Down", true
	case "\x1b[C":
		return "Right", true
	case "\x1b[D":
		return "Left", true
	case "\x1b[5~":
		return "PageUp", true
	case "\x1b[6~":
		return "PageDown", true
	default:
		return "", false
	}
}

// SendKeys sends literal text. The -l flag keeps tmux from interpreting the
// payload as key names.
func (d *Driver) SendKeys(ctx context.Context, name, text string) {
	_, _ = d.run(ctx, "send-keys", "-l", "-t", name, text)
}

// SendNamedKey sends one key from the closed named set.
func (d *Driver) SendNamedKey(ctx context.Context, name, key string) {
	if !NamedKeys[key] {
		d.SendKeys(ctx, name, key)
		return
	}
	_, _ = d.run(ctx, "send-keys", "-t", name, key)
}

// SendRaw forwards a raw client key encoding: recognized control sequences
// become named keys, everything else goes through literally.
func (d *Driver) SendRaw(ctx context.Context, name, raw string) {
	if key, ok := DecodeKey(raw); ok {
		d.SendNamedKey(ctx, name, key)
		return
	}
	d.SendKeys(ctx, name, raw)
}

func (d *Driver) SendInputLine(ctx context.Context, name, text string) {
	d.SendKeys(ctx, name, text)
	d.SendNamedKey(ctx, name, "Enter")
}

// CapturePane returns the full current pane including colors, one LF per row.
func (d *Driver) CapturePane(ctx context.Context, name string) []byte {
	out, err := d.run(ctx, "capture-pane", "-p", "-e", "-t", name)
	if err != nil {
		return nil
	}
	return out
}

// CursorPosition returns the 0-based cursor location; best effort.
func (d *Driver) CursorPosition(ctx context.Context, name string) (row, col int) {
	out, err := d.run(ctx, "display-message", "-p", "-t", name, "#{cursor_y} #{cursor_x}")
	if err != nil {
		return 0, 0
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 2 {
		return 0, 0
	}
	row, _ = strconv.Atoi(fields[0])
	col, _ = strconv.Atoi(fields[1])
	return row, col
}

// Scrollback returns the entire history buffer plus the visible pane.
func (d *Driver) Scrollback(ctx context.Context, name string) []byte {
	out, err := d.run(ctx, "capture-pane", "-p", "-e", "-S", "-", "-t", name)
	if err != nil {
		return nil
	}
	return out
}

func (d *Driver) IsAlive(ctx context.Context, name string) bool {
	_, err := d.run(ctx, "has-session", "-t", "="+name)
	return err == nil
}

func (d *Driver) Resize(ctx context.Context, name string, cols, rows int) {
	_, _ = d.run(ctx, "resize-window", "-t", name, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
}

func (d *Driver) Kill(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "kill-session", "-t", "="+name); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", name, err)
	}
	return nil
}

// ListSessions enumerates session names carrying the given prefix. A missing
// tmux server counts as zero sessions.
func (d *Driver) ListSessions(ctx context.Context, prefix string) []string {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil
	}
	names := make([]string, 0)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, prefix+"-") {
			names = append(names, line)
		}
	}
	return names
}
