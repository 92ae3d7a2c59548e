// Package hub accepts duplex client connections, authenticates them, and
// routes messages between clients and the session registry.
package hub

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/classify"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/files"
	"github.com/IvanRicoPrieto/CCRemote/internal/model"
	"github.com/IvanRicoPrieto/CCRemote/internal/protocol"
	"github.com/IvanRicoPrieto/CCRemote/internal/registry"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

// sendQueueSize bounds the per-client outbound buffer. A client that cannot
// drain this many frames is disconnected rather than blocking broadcasts.
const sendQueueSize = 64

// Sessions is the slice of the registry the hub uses. The hub never holds
// Session values beyond a call; sessions are addressed by id.
type Sessions interface {
	Create(ctx context.Context, opts registry.CreateOptions) (model.Session, error)
	Get(id string) (*session.Session, error)
	List() []model.Session
	Kill(ctx context.Context, id string) error
	Restart(ctx context.Context, id string, withSummary bool, newModel string) (model.Session, error)
}

type Hub struct {
	cfg      config.Config
	auth     *auth.Store
	sessions Sessions
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func New(cfg config.Config, authStore *auth.Store, sessions Sessions, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		cfg:      cfg,
		auth:     authStore,
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// BindBus subscribes the hub to session events for broadcast.
func (h *Hub) BindBus(bus *session.Bus) {
	bus.OnState(func(sess model.Session) {
		h.Broadcast(protocol.TypeSessionUpdated, protocol.SessionPayload{Session: sess})
	})
	bus.OnOutput(func(id string, content []byte) {
		h.Broadcast(protocol.TypeOutputUpdate, protocol.OutputUpdatePayload{SessionID: id, Content: string(content)})
	})
	bus.OnInputRequired(func(id string, event classify.Event) {
		h.Broadcast(protocol.TypeInputRequired, protocol.InputRequiredPayload{
			SessionID: id,
			InputType: string(event.InputKind),
			Question:  event.Question,
			Options:   event.Options,
			Timestamp: time.Now().UnixMilli(),
		})
	})
	bus.OnContextLimit(func(id, message string) {
		h.Broadcast(protocol.TypeContextLimit, protocol.ContextLimitPayload{SessionID: id, Message: message})
	})
	bus.OnExit(func(id string) {
		h.Broadcast(protocol.TypeSessionKilled, protocol.SessionKilledPayload{SessionID: id})
	})
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once

	mu     sync.Mutex
	dead   bool
	authed bool
	cols   int
	rows   int
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("ws upgrade: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendQueueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close() //nolint:errcheck
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump()
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.disconnect()
	}
}

// Broadcast sends a message to every authenticated client. A client whose
// queue is full is disconnected so one slow consumer cannot stall the rest.
func (h *Hub) Broadcast(msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		h.logger.Printf("broadcast %s: %v", msgType, err)
		return
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.isAuthed() {
			continue
		}
		c.enqueue(data)
	}
}

func (c *client) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *client) viewport() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

func (c *client) setViewport(cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cols, c.rows = cols, rows
}

func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	var overflow bool
	select {
	case c.send <- data:
	default:
		overflow = true
	}
	c.mu.Unlock()
	if overflow {
		c.hub.logger.Printf("client send queue overflow, disconnecting")
		c.disconnect()
	}
}

func (c *client) reply(msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.hub.logger.Printf("encode %s: %v", msgType, err)
		return
	}
	c.enqueue(data)
}

func (c *client) replyError(message, sessionID string) {
	c.reply(protocol.TypeError, protocol.ErrorPayload{Message: message, SessionID: sessionID})
}

func (c *client) disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.dead = true
		c.mu.Unlock()
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		c.conn.Close() //nolint:errcheck
		close(c.send)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.disconnect()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.disconnect()
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer c.disconnect()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.replyError(err.Error(), "")
			continue
		}
		if !c.isAuthed() && msg.Type != protocol.TypeAuth {
			c.replyError("authentication required", "")
			// give the write pump a moment to flush the error
			time.Sleep(50 * time.Millisecond)
			return
		}
		c.dispatch(msg)
	}
}

func (c *client) dispatch(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.RequestTimeout)
	defer cancel()

	switch msg.Type {
	case protocol.TypeAuth:
		c.handleAuth(msg)
	case protocol.TypePing:
		c.reply(protocol.TypePong, nil)
	case protocol.TypeGetSessions:
		c.reply(protocol.TypeSessionsList, protocol.SessionsListPayload{Sessions: c.hub.sessions.List()})
	case protocol.TypeGetOutput:
		c.handleGetOutput(ctx, msg)
	case protocol.TypeCreateSession:
		c.handleCreateSession(ctx, msg)
	case protocol.TypeKillSession:
		c.handleKillSession(ctx, msg)
	case protocol.TypeRestartSession:
		c.handleRestartSession(ctx, msg)
	case protocol.TypeChangeModel:
		c.handleChangeModel(ctx, msg)
	case protocol.TypeToggleMode:
		c.handleToggleMode(msg)
	case protocol.TypeSendInput:
		c.handleSendInput(ctx, msg)
	case protocol.TypeSendCommand:
		c.handleSendCommand(ctx, msg)
	case protocol.TypeSendKey:
		c.handleSendKey(ctx, msg)
	case protocol.TypeResizeTerminal:
		c.handleResize(ctx, msg)
	case protocol.TypeScroll:
		c.handleScroll(ctx, msg)
	case protocol.TypeBrowseDirectory:
		c.handleBrowseDirectory(msg)
	case protocol.TypeBrowseFiles, protocol.TypeReadFile, protocol.TypeWriteFile,
		protocol.TypeCreateFile, protocol.TypeCreateDirectory,
		protocol.TypeRenameFile, protocol.TypeDeleteFile:
		c.handleFileOp(msg)
	default:
		c.replyError("unknown message type: "+msg.Type, "")
	}
}

func (c *client) handleAuth(msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.AuthPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	if !c.hub.auth.Validate(payload.Token) {
		c.reply(protocol.TypeAuthResult, protocol.AuthResultPayload{Success: false})
		time.Sleep(50 * time.Millisecond)
		c.disconnect()
		return
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.reply(protocol.TypeAuthResult, protocol.AuthResultPayload{Success: true})
	c.reply(protocol.TypeCapabilities, Capabilities())
	c.reply(protocol.TypeSessionsList, protocol.SessionsListPayload{Sessions: c.hub.sessions.List()})
}

// Capabilities describes what the daemon can drive; clients render their
// controls from it.
func Capabilities() protocol.CapabilitiesPayload {
	return protocol.CapabilitiesPayload{
		Models:   []string{"opus", "sonnet", "haiku"},
		Modes:    []string{"plan", "auto_accept"},
		Commands: []string{"/clear", "/compact", "/cost", "/init", "/review"},
	}
}

func (c *client) handleGetOutput(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.GetOutputPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	sess, err := c.hub.sessions.Get(payload.SessionID)
	if err != nil {
		c.replyError(err.Error(), payload.SessionID)
		return
	}
	screen := sess.Screen(ctx)
	c.reply(protocol.TypeOutputUpdate, protocol.OutputUpdatePayload{
		SessionID: payload.SessionID,
		Content:   string(screen),
	})
}

func (c *client) handleCreateSession(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.CreateSessionPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	kind, err := model.ParseKind(payload.SessionType)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	rec, err := c.hub.sessions.Create(ctx, registry.CreateOptions{
		ProjectPath: payload.ProjectPath,
		Model:       payload.Model,
		PlanMode:    payload.PlanMode,
		Kind:        kind,
	})
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	c.hub.Broadcast(protocol.TypeSessionCreated, protocol.SessionPayload{Session: rec})
}

func (c *client) handleKillSession(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.SessionRef](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	if err := c.hub.sessions.Kill(ctx, payload.SessionID); err != nil {
		c.replyError(err.Error(), payload.SessionID)
	}
}

func (c *client) handleRestartSession(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.RestartSessionPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	rec, err := c.hub.sessions.Restart(ctx, payload.SessionID, payload.WithSummary, "")
	if err != nil {
		c.replyError(err.Error(), payload.SessionID)
		return
	}
	c.hub.Broadcast(protocol.TypeSessionCreated, protocol.SessionPayload{Session: rec})
}

func (c *client) handleChangeModel(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.ChangeModelPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	rec, err := c.hub.sessions.Restart(ctx, payload.SessionID, true, payload.Model)
	if err != nil {
		c.replyError(err.Error(), payload.SessionID)
		return
	}
	c.hub.Broadcast(protocol.TypeSessionCreated, protocol.SessionPayload{Session: rec})
}

func (c *client) handleToggleMode(msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.ToggleModePayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	sess, err := c.hub.sessions.Get(payload.SessionID)
	if err != nil {
		c.replyError(err.Error(), payload.SessionID)
		return
	}
	if err := sess.SetMode(payload.Mode, payload.Enabled); err != nil {
		c.replyError(err.Error(), payload.SessionID)
	}
}

func (c *client) handleSendInput(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.SendInputPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	c.sendLine(ctx, payload.SessionID, payload.Input)
}

func (c *client) handleSendCommand(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.SendCommandPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	c.sendLine(ctx, payload.SessionID, payload.Command)
}

func (c *client) sendLine(ctx context.Context, sessionID, text string) {
	sess, err := c.hub.sessions.Get(sessionID)
	if err != nil {
		c.replyError(err.Error(), sessionID)
		return
	}
	if err := sess.SendInput(ctx, text); err != nil {
		if errors.Is(err, session.ErrNotLive) {
			c.replyError("session is not live", sessionID)
			return
		}
		c.replyError(err.Error(), sessionID)
	}
}

// handleSendKey applies last-interactor-wins viewport arbitration: typing
// into a session resizes it to the typer's declared viewport first.
func (c *client) handleSendKey(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.SendKeyPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	sess, err := c.hub.sessions.Get(payload.SessionID)
	if err != nil {
		c.replyError(err.Error(), payload.SessionID)
		return
	}
	cols, rows := c.viewport()
	if cols > 0 && rows > 0 {
		sessCols, sessRows := sess.Viewport()
		if sessCols != cols || sessRows != rows {
			sess.Resize(ctx, cols, rows)
		}
	}
	if err := sess.SendKey(ctx, payload.Key); err != nil {
		c.replyError(err.Error(), payload.SessionID)
	}
}

func (c *client) handleResize(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.ResizeTerminalPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	if payload.Cols <= 0 || payload.Rows <= 0 {
		c.replyError("invalid dimensions", payload.SessionID)
		return
	}
	c.setViewport(payload.Cols, payload.Rows)
	sess, err := c.hub.sessions.Get(payload.SessionID)
	if err != nil {
		c.replyError(err.Error(), payload.SessionID)
		return
	}
	sess.Resize(ctx, payload.Cols, payload.Rows)
}

func (c *client) handleScroll(ctx context.Context, msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.SessionRef](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	sess, err := c.hub.sessions.Get(payload.SessionID)
	if err != nil {
		c.replyError(err.Error(), payload.SessionID)
		return
	}
	c.reply(protocol.TypeScrollbackContent, protocol.ScrollbackContentPayload{
		SessionID: payload.SessionID,
		Content:   string(sess.Scrollback(ctx)),
	})
}

func (c *client) handleBrowseDirectory(msg protocol.Message) {
	payload, err := protocol.DecodePayload[protocol.BrowseDirectoryPayload](msg)
	if err != nil {
		c.replyError(err.Error(), "")
		return
	}
	path, dirs, err := files.BrowseDirectories(payload.Path)
	resp := protocol.DirectoryListingPayload{Path: path, Directories: dirs}
	if err != nil {
		resp.Error = err.Error()
		resp.Directories = nil
	}
	c.reply(protocol.TypeDirectoryListing, resp)
}

func (c *client) scopeFor(sessionID string) (*files.Scope, error) {
	sess, err := c.hub.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return files.NewScope(sess.Record().ProjectPath, c.hub.cfg.MaxFileBytes)
}

func (c *client) handleFileOp(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeBrowseFiles:
		payload, err := protocol.DecodePayload[protocol.FilePathPayload](msg)
		if err != nil {
			c.replyError(err.Error(), "")
			return
		}
		resp := protocol.FileListPayload{SessionID: payload.SessionID, Path: payload.Path}
		scope, err := c.scopeFor(payload.SessionID)
		if err == nil {
			var entries []files.Entry
			if entries, err = scope.List(payload.Path); err == nil {
				for _, e := range entries {
					resp.Entries = append(resp.Entries, protocol.FileEntry{Name: e.Name, IsDir: e.IsDir, Size: e.Size})
				}
			}
		}
		if err != nil {
			resp.Error = fileError(err)
		}
		c.reply(protocol.TypeFileList, resp)

	case protocol.TypeReadFile:
		payload, err := protocol.DecodePayload[protocol.FilePathPayload](msg)
		if err != nil {
			c.replyError(err.Error(), "")
			return
		}
		resp := protocol.FileContentPayload{SessionID: payload.SessionID, Path: payload.Path}
		scope, err := c.scopeFor(payload.SessionID)
		if err == nil {
			var data []byte
			if data, err = scope.Read(payload.Path); err == nil {
				resp.Content = string(data)
			}
		}
		if err != nil {
			resp.Error = fileError(err)
		}
		c.reply(protocol.TypeFileContent, resp)

	case protocol.TypeWriteFile:
		payload, err := protocol.DecodePayload[protocol.WriteFilePayload](msg)
		if err != nil {
			c.replyError(err.Error(), "")
			return
		}
		resp := protocol.FileWriteResultPayload{SessionID: payload.SessionID, Path: payload.Path, Success: true}
		scope, err := c.scopeFor(payload.SessionID)
		if err == nil {
			err = scope.Write(payload.Path, []byte(payload.Content))
		}
		if err != nil {
			resp.Success = false
			resp.Error = fileError(err)
		}
		c.reply(protocol.TypeFileWriteResult, resp)

	case protocol.TypeRenameFile:
		payload, err := protocol.DecodePayload[protocol.RenameFilePayload](msg)
		if err != nil {
			c.replyError(err.Error(), "")
			return
		}
		resp := protocol.FileOpResultPayload{SessionID: payload.SessionID, Op: msg.Type, Path: payload.Path, Success: true}
		scope, err := c.scopeFor(payload.SessionID)
		if err == nil {
			err = scope.Rename(payload.Path, payload.NewPath)
		}
		if err != nil {
			resp.Success = false
			resp.Error = fileError(err)
		}
		c.reply(protocol.TypeFileOpResult, resp)

	default: // create_file, create_directory, delete_file
		payload, err := protocol.DecodePayload[protocol.FilePathPayload](msg)
		if err != nil {
			c.replyError(err.Error(), "")
			return
		}
		resp := protocol.FileOpResultPayload{SessionID: payload.SessionID, Op: msg.Type, Path: payload.Path, Success: true}
		scope, err := c.scopeFor(payload.SessionID)
		if err == nil {
			switch msg.Type {
			case protocol.TypeCreateFile:
				err = scope.Create(payload.Path)
			case protocol.TypeCreateDirectory:
				err = scope.Mkdir(payload.Path)
			case protocol.TypeDeleteFile:
				err = scope.Delete(payload.Path)
			}
		}
		if err != nil {
			resp.Success = false
			resp.Error = fileError(err)
		}
		c.reply(protocol.TypeFileOpResult, resp)
	}
}

// fileError maps confinement failures to the stable client-facing wording.
func fileError(err error) string {
	switch {
	case errors.Is(err, files.ErrOutsideRoot):
		return "outside project"
	case errors.Is(err, files.ErrTooLarge):
		return "file too large"
	case errors.Is(err, files.ErrIsRoot):
		return "operation not allowed on project root"
	case errors.Is(err, files.ErrExists):
		return "target already exists"
	default:
		return err.Error()
	}
}
