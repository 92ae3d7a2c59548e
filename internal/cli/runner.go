package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/daemon"
	"github.com/IvanRicoPrieto/CCRemote/internal/db"
	"github.com/IvanRicoPrieto/CCRemote/internal/model"
	"github.com/IvanRicoPrieto/CCRemote/internal/protocol"
	"github.com/IvanRicoPrieto/CCRemote/internal/supervisor"
)

type Runner struct {
	cfg    config.Config
	out    io.Writer
	errOut io.Writer
}

func NewRunner(cfg config.Config, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{cfg: cfg, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 1
	}
	switch args[0] {
	case "start":
		return r.runStart(ctx, args[1:])
	case "stop":
		return r.runStop(args[1:])
	case "status":
		return r.runStatus(ctx)
	case "token":
		return r.runToken(ctx, args[1:])
	case "qr":
		return r.runQR(ctx)
	case "new":
		return r.runNew(ctx, args[1:])
	case "list":
		return r.runList(ctx)
	case "attach":
		return r.runAttach(args[1:])
	case "kill":
		return r.runKill(ctx, args[1:])
	case "install":
		return r.runInstall()
	case "uninstall":
		return r.runUninstall()
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 1
	}
}

func (r *Runner) printUsage() {
	fmt.Fprintln(r.errOut, `usage: ccremote <command>

  start [-p port] [-f]     start the daemon (supervised; -f runs in foreground)
  stop [--kill-sessions]   stop the daemon (optionally killing hosted sessions)
  status                   show daemon status
  token [-r]               print (or rotate with -r) the access token
  qr                       print the connect URL as a QR code
  new [-p path] [-m model] [--plan] [--shell]
                           create a session
  list                     list sessions
  attach <id>              attach the local terminal to a session
  kill <id>                kill a session
  install                  install the user service unit
  uninstall                remove the user service unit`)
}

func (r *Runner) fail(err error) int {
	fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	port := fs.Int("p", r.cfg.Port, "listen port")
	foreground := fs.Bool("f", false, "run in the foreground without the supervisor")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}
	cfg := r.cfg
	cfg.Port = *port

	if *foreground {
		if err := daemon.New(cfg, nil).Run(ctx); err != nil {
			return r.fail(err)
		}
		return 0
	}

	self, err := os.Executable()
	if err != nil {
		return r.fail(fmt.Errorf("locate executable: %w", err))
	}
	daemonBin := filepath.Join(filepath.Dir(self), "ccremoted")
	if _, err := os.Stat(daemonBin); err != nil {
		if found, lookErr := exec.LookPath("ccremoted"); lookErr == nil {
			daemonBin = found
		} else {
			return r.fail(fmt.Errorf("ccremoted binary not found next to %s or on PATH", self))
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return r.fail(err)
	}
	logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return r.fail(err)
	}
	defer logFile.Close() //nolint:errcheck

	cmd := exec.Command(daemonBin, "-p", strconv.Itoa(cfg.Port))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return r.fail(fmt.Errorf("start daemon: %w", err))
	}
	fmt.Fprintf(r.out, "daemon starting on port %d (supervisor pid %d)\n", cfg.Port, cmd.Process.Pid)
	return 0
}

func (r *Runner) runStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	killSessions := fs.Bool("kill-sessions", false, "also kill every hosted session")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}

	pid, err := supervisor.ReadPID(r.cfg.PIDPath)
	if err != nil {
		return r.fail(fmt.Errorf("daemon does not appear to be running: %w", err))
	}
	sig := syscall.SIGTERM
	if *killSessions {
		sig = syscall.SIGUSR1
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return r.fail(fmt.Errorf("signal supervisor %d: %w", pid, err))
	}
	if *killSessions {
		fmt.Fprintln(r.out, "stopping daemon and killing all sessions")
	} else {
		fmt.Fprintln(r.out, "stopping daemon; sessions keep running")
	}
	return 0
}

func (r *Runner) runStatus(ctx context.Context) int {
	token, err := r.loadToken(ctx, false)
	if err != nil {
		return r.fail(err)
	}
	client, err := Dial(r.cfg, token)
	if err != nil {
		fmt.Fprintf(r.out, "daemon: not running (port %d)\n", r.cfg.Port)
		return 1
	}
	defer client.Close() //nolint:errcheck

	msg, err := client.Request(protocol.TypeGetSessions, nil, protocol.TypeSessionsList)
	if err != nil {
		return r.fail(err)
	}
	payload, err := protocol.DecodePayload[protocol.SessionsListPayload](msg)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "daemon: running on port %d, %d session(s)\n", r.cfg.Port, len(payload.Sessions))
	return 0
}

// loadToken opens the record store directly so token commands work while the
// daemon is down.
func (r *Runner) loadToken(ctx context.Context, rotate bool) (string, error) {
	store, err := db.Open(ctx, r.cfg.DBPath)
	if err != nil {
		return "", err
	}
	defer store.Close() //nolint:errcheck
	authStore := auth.NewStore(store)
	if rotate {
		return authStore.Rotate(ctx)
	}
	return authStore.EnsureToken(ctx)
}

func (r *Runner) runToken(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	rotate := fs.Bool("r", false, "rotate the token")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}
	token, err := r.loadToken(ctx, *rotate)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintln(r.out, token)
	return 0
}

func (r *Runner) runQR(ctx context.Context) int {
	token, err := r.loadToken(ctx, false)
	if err != nil {
		return r.fail(err)
	}
	url := fmt.Sprintf("http://%s:%d/?token=%s", lanAddress(), r.cfg.Port, token)
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintln(r.out, url)
	fmt.Fprint(r.out, code.ToSmallString(false))
	return 0
}

// lanAddress picks a non-loopback IPv4 for the connect URL, falling back to
// localhost.
func lanAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}

func (r *Runner) runNew(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("p", "", "project path (default: current directory)")
	modelName := fs.String("m", "", "model")
	plan := fs.Bool("plan", false, "start in plan mode")
	shell := fs.Bool("shell", false, "plain shell session instead of an assistant")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}
	projectPath := *path
	if projectPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return r.fail(err)
		}
		projectPath = cwd
	}
	sessionType := string(model.KindAssistant)
	if *shell {
		sessionType = string(model.KindShell)
	}

	client, err := r.dial(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer client.Close() //nolint:errcheck

	msg, err := client.Request(protocol.TypeCreateSession, protocol.CreateSessionPayload{
		ProjectPath: projectPath,
		Model:       *modelName,
		PlanMode:    *plan,
		SessionType: sessionType,
	}, protocol.TypeSessionCreated)
	if err != nil {
		return r.fail(err)
	}
	payload, err := protocol.DecodePayload[protocol.SessionPayload](msg)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "created session %s (%s) in %s\n", payload.Session.ID, payload.Session.State, payload.Session.ProjectPath)
	return 0
}

func (r *Runner) dial(ctx context.Context) (*Client, error) {
	token, err := r.loadToken(ctx, false)
	if err != nil {
		return nil, err
	}
	return Dial(r.cfg, token)
}

func (r *Runner) runList(ctx context.Context) int {
	client, err := r.dial(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer client.Close() //nolint:errcheck

	msg, err := client.Request(protocol.TypeGetSessions, nil, protocol.TypeSessionsList)
	if err != nil {
		return r.fail(err)
	}
	payload, err := protocol.DecodePayload[protocol.SessionsListPayload](msg)
	if err != nil {
		return r.fail(err)
	}
	if len(payload.Sessions) == 0 {
		fmt.Fprintln(r.out, "no sessions")
		return 0
	}
	for _, sess := range payload.Sessions {
		fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", sess.ID, sess.Kind, sess.State, sess.ProjectPath)
	}
	return 0
}

// runAttach hands the local terminal to tmux directly; the daemon is not in
// the path for native attach.
func (r *Runner) runAttach(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: ccremote attach <id>")
		return 1
	}
	name := model.MultiplexerName(r.cfg.SessionPrefix, args[0])
	cmd := exec.Command("tmux", "attach-session", "-t", "="+name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return r.fail(fmt.Errorf("attach %s: %w", args[0], err))
	}
	return 0
}

func (r *Runner) runKill(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: ccremote kill <id>")
		return 1
	}
	client, err := r.dial(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer client.Close() //nolint:errcheck

	if _, err := client.Request(protocol.TypeKillSession, protocol.SessionRef{SessionID: args[0]}, protocol.TypeSessionKilled); err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "killed session %s\n", args[0])
	return 0
}
