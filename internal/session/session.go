package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/classify"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/model"
)

var (
	ErrNotLive = errors.New("session is not live")
	ErrDead    = errors.New("multiplexer session is dead")
)

// Driver is the slice of the tmux driver a session needs.
type Driver interface {
	Create(ctx context.Context, name string, cols, rows int, cwd string, argv []string) error
	ApplyOptions(ctx context.Context, name string)
	AttachReader(ctx context.Context, name string) (io.ReadCloser, error)
	SendKeys(ctx context.Context, name, text string)
	SendNamedKey(ctx context.Context, name, key string)
	SendRaw(ctx context.Context, name, raw string)
	SendInputLine(ctx context.Context, name, text string)
	CapturePane(ctx context.Context, name string) []byte
	CursorPosition(ctx context.Context, name string) (row, col int)
	Scrollback(ctx context.Context, name string) []byte
	IsAlive(ctx context.Context, name string) bool
	Resize(ctx context.Context, name string, cols, rows int)
	Kill(ctx context.Context, name string) error
}

// Session owns one multiplexer session: its record, reader stream, output
// classifier, and the debounced capture pipeline.
type Session struct {
	cfg    config.Config
	driver Driver
	clock  classify.Clock
	bus    *Bus

	mu                sync.Mutex
	rec               model.Session
	reader            io.ReadCloser
	classifier        *classify.Classifier
	hasReceivedResize bool
	lastEmittedScreen []byte
	captureInFlight   bool
	captureTimer      classify.Timer
	done              chan struct{}
	closed            bool
}

func New(cfg config.Config, driver Driver, rec model.Session, bus *Bus, clock classify.Clock) *Session {
	if clock == nil {
		clock = classify.RealClock()
	}
	if bus == nil {
		bus = NewBus()
	}
	return &Session{
		cfg:    cfg,
		driver: driver,
		clock:  clock,
		bus:    bus,
		rec:    rec,
		done:   make(chan struct{}),
	}
}

func (s *Session) Name() string {
	return model.MultiplexerName(s.cfg.SessionPrefix, s.rec.ID)
}

func (s *Session) ID() string { return s.rec.ID }

func (s *Session) Record() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State
}

// Argv builds the child process command line for a fresh start.
func (s *Session) Argv() []string {
	if s.rec.Kind == model.KindShell {
		return nil
	}
	argv := []string{s.cfg.AssistantCommand}
	if s.rec.Model != "" {
		argv = append(argv, "--model", s.rec.Model)
	}
	if s.rec.PlanMode {
		argv = append(argv, "--plan")
	}
	if s.rec.AutoAccept {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	return argv
}

// Start launches a fresh multiplexer session and attaches to it.
func (s *Session) Start(ctx context.Context) error {
	cols, rows := s.rec.Cols, s.rec.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if err := s.driver.Create(ctx, s.Name(), cols, rows, s.rec.ProjectPath, s.Argv()); err != nil {
		s.fail()
		return fmt.Errorf("start session %s: %w", s.rec.ID, err)
	}
	return s.attach(ctx)
}

// Attach binds to an already-running multiplexer session, used on daemon
// restart. Options are re-applied idempotently.
func (s *Session) Attach(ctx context.Context) error {
	if !s.driver.IsAlive(ctx, s.Name()) {
		s.die()
		return ErrDead
	}
	s.driver.ApplyOptions(ctx, s.Name())
	return s.attach(ctx)
}

func (s *Session) attach(ctx context.Context) error {
	reader, err := s.driver.AttachReader(ctx, s.Name())
	if err != nil {
		s.fail()
		return fmt.Errorf("attach reader %s: %w", s.rec.ID, err)
	}
	s.mu.Lock()
	s.reader = reader
	s.classifier = classify.New(s.cfg.ContextWindow, s.cfg.IdleThreshold, s.clock, s.handleEvent)
	s.mu.Unlock()

	go s.readLoop(reader)
	go s.livenessLoop()

	s.setState(model.StateIdle)
	return nil
}

func (s *Session) readLoop(reader io.ReadCloser) {
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.mu.Lock()
			classifier := s.classifier
			s.mu.Unlock()
			if classifier != nil {
				classifier.Feed(chunk)
			}
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !s.driver.IsAlive(context.Background(), s.Name()) {
				s.die()
			}
			return
		}
	}
}

func (s *Session) livenessLoop() {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.driver.IsAlive(context.Background(), s.Name()) {
				s.die()
				return
			}
		}
	}
}

func (s *Session) handleEvent(e classify.Event) {
	switch e.Type {
	case classify.EventActivity:
		s.scheduleCapture()
	case classify.EventWorking:
		s.setState(model.StateWorking)
	case classify.EventPossiblyIdle:
		if s.State() == model.StateWorking {
			s.setState(model.StateIdle)
		}
	case classify.EventInputRequired:
		if e.InputKind == classify.InputConfirmation {
			s.setState(model.StateAwaitingConfirmation)
		} else {
			s.setState(model.StateAwaitingInput)
		}
		s.bus.publishInputRequired(s.rec.ID, e)
	case classify.EventContextExhausted:
		s.setState(model.StateContextLimit)
		s.bus.publishContextLimit(s.rec.ID, e.Window)
	}
}

// scheduleCapture debounces capture triggers: a burst of activity within the
// window coalesces into one capture. Suppressed entirely until the first
// client declares its viewport.
func (s *Session) scheduleCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.hasReceivedResize {
		return
	}
	if s.captureTimer == nil {
		s.captureTimer = s.clock.AfterFunc(s.cfg.CaptureDebounce, s.capture)
	} else {
		s.captureTimer.Reset(s.cfg.CaptureDebounce)
	}
}

func (s *Session) capture() {
	s.mu.Lock()
	if s.closed || s.captureInFlight {
		s.mu.Unlock()
		return
	}
	s.captureInFlight = true
	name := s.Name()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	raw := s.driver.CapturePane(ctx, name)
	row, col := s.driver.CursorPosition(ctx, name)
	cancel()

	screen := PostProcess(raw, row, col)

	s.mu.Lock()
	s.captureInFlight = false
	if len(raw) == 0 || string(screen) == string(s.lastEmittedScreen) {
		s.mu.Unlock()
		return
	}
	s.lastEmittedScreen = screen
	id := s.rec.ID
	s.mu.Unlock()

	s.bus.publishOutput(id, screen)
}

// PostProcess trims trailing whitespace per row, strips trailing empty rows,
// and appends a cursor-position escape so clients can restore the cursor.
func PostProcess(raw []byte, row, col int) []byte {
	lines := strings.Split(string(raw), "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t\r")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	out := strings.Join(lines[:end], "\n")
	return []byte(out + CursorEscape(row, col))
}

// CursorEscape renders a 0-based cursor position as a 1-based CUP sequence.
func CursorEscape(row, col int) string {
	return fmt.Sprintf("\x1b[%d;%dH", row+1, col+1)
}

// Resize applies new dimensions, opens the capture gate, and forces a
// recapture after a delay so the hosted TUI has re-rendered.
func (s *Session) Resize(ctx context.Context, cols, rows int) {
	s.driver.Resize(ctx, s.Name(), cols, rows)
	s.mu.Lock()
	s.rec.Cols = cols
	s.rec.Rows = rows
	s.hasReceivedResize = true
	s.lastEmittedScreen = nil
	s.mu.Unlock()
	s.clock.AfterFunc(s.cfg.ResizeRecapture, s.capture)
}

func (s *Session) Viewport() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Cols, s.rec.Rows
}

// SendInput types a line of input followed by Enter. Assistant sessions
// transition to working since the prompt was just submitted.
func (s *Session) SendInput(ctx context.Context, text string) error {
	if !s.live() {
		return fmt.Errorf("send input to %s: %w", s.rec.ID, ErrNotLive)
	}
	s.driver.SendInputLine(ctx, s.Name(), text)
	if s.rec.Kind == model.KindAssistant {
		s.setState(model.StateWorking)
	}
	return nil
}

func (s *Session) SendKey(ctx context.Context, raw string) error {
	if !s.live() {
		return fmt.Errorf("send key to %s: %w", s.rec.ID, ErrNotLive)
	}
	s.driver.SendRaw(ctx, s.Name(), raw)
	return nil
}

// Screen returns the current post-processed pane on demand, bypassing the
// debounce and dedupe of the capture pipeline.
func (s *Session) Screen(ctx context.Context) []byte {
	raw := s.driver.CapturePane(ctx, s.Name())
	if len(raw) == 0 {
		return nil
	}
	row, col := s.driver.CursorPosition(ctx, s.Name())
	return PostProcess(raw, row, col)
}

// SetMode flips a session mode flag. The multiplexer side is untouched; the
// hosted assistant picks modes up from its own UI, this just keeps the
// record and clients in sync.
func (s *Session) SetMode(mode string, enabled bool) error {
	s.mu.Lock()
	switch mode {
	case "plan":
		s.rec.PlanMode = enabled
	case "auto_accept":
		s.rec.AutoAccept = enabled
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown mode: %q", mode)
	}
	s.rec.UpdatedAt = time.Now().UTC()
	snapshot := s.rec
	s.mu.Unlock()
	s.bus.publishState(snapshot)
	return nil
}

func (s *Session) Scrollback(ctx context.Context) []byte {
	return s.driver.Scrollback(ctx, s.Name())
}

// RecentOutput returns the last n non-empty rendered rows of the pane, used
// as continuation context for restart-with-summary.
func (s *Session) RecentOutput(ctx context.Context, n int) string {
	raw := s.driver.CapturePane(ctx, s.Name())
	text := classify.StripANSI(string(raw))
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		kept = append(kept, strings.TrimRight(lines[i], " \t\r"))
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.rec.State.Terminal()
}

// Disconnect tears down the reader and timers without killing the hosted
// multiplexer session; it keeps running for later re-attach.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	reader := s.reader
	s.reader = nil
	classifier := s.classifier
	if s.captureTimer != nil {
		s.captureTimer.Stop()
	}
	s.mu.Unlock()

	if classifier != nil {
		classifier.Stop()
	}
	if reader != nil {
		reader.Close() //nolint:errcheck
	}
}

// Kill terminates the multiplexer session and marks the record dead.
func (s *Session) Kill(ctx context.Context) error {
	err := s.driver.Kill(ctx, s.Name())
	s.die()
	return err
}

func (s *Session) die() {
	s.mu.Lock()
	if s.rec.State == model.StateDead {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(model.StateDead)
	s.Disconnect()
	s.bus.publishExit(s.rec.ID)
}

func (s *Session) fail() {
	s.setState(model.StateError)
	s.Disconnect()
}

func (s *Session) setState(next model.SessionState) {
	s.mu.Lock()
	if s.rec.State == next || s.rec.State.Terminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.rec.State = next
	s.rec.UpdatedAt = now
	if next.Terminal() && s.rec.EndedAt == nil {
		ended := now
		s.rec.EndedAt = &ended
	}
	snapshot := s.rec
	s.mu.Unlock()

	s.bus.publishState(snapshot)
}
