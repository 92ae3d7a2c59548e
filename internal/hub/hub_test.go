package hub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/db"
	"github.com/IvanRicoPrieto/CCRemote/internal/model"
	"github.com/IvanRicoPrieto/CCRemote/internal/protocol"
	"github.com/IvanRicoPrieto/CCRemote/internal/registry"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

type blockedReader struct{ done chan struct{} }

func (r *blockedReader) Read([]byte) (int, error) {
	<-r.done
	return 0, io.EOF
}

func (r *blockedReader) Close() error {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return nil
}

type fakeDriver struct {
	mu      sync.Mutex
	resizes [][2]int
	sent    []string
}

func (d *fakeDriver) Create(context.Context, string, int, int, string, []string) error { return nil }
func (d *fakeDriver) ApplyOptions(context.Context, string)                             {}

func (d *fakeDriver) AttachReader(context.Context, string) (io.ReadCloser, error) {
	return &blockedReader{done: make(chan struct{})}, nil
}

func (d *fakeDriver) SendKeys(_ context.Context, _ string, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, text)
}

func (d *fakeDriver) SendNamedKey(_ context.Context, _ string, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, key)
}

func (d *fakeDriver) SendRaw(ctx context.Context, name, raw string) { d.SendKeys(ctx, name, raw) }
func (d *fakeDriver) SendInputLine(ctx context.Context, name, text string) {
	d.SendKeys(ctx, name, text)
}
func (d *fakeDriver) CapturePane(context.Context, string) []byte        { return []byte("pane\n") }
func (d *fakeDriver) CursorPosition(context.Context, string) (int, int) { return 0, 0 }
func (d *fakeDriver) Scrollback(context.Context, string) []byte         { return []byte("history") }
func (d *fakeDriver) IsAlive(context.Context, string) bool              { return true }

func (d *fakeDriver) Resize(_ context.Context, _ string, cols, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resizes = append(d.resizes, [2]int{cols, rows})
}

func (d *fakeDriver) Kill(context.Context, string) error { return nil }

// fakeSessions implements Sessions over a fixed set of fake-driver sessions.
type fakeSessions struct {
	mu       sync.Mutex
	driver   *fakeDriver
	cfg      config.Config
	bus      *session.Bus
	sessions map[string]*session.Session
	created  []model.Session
}

func newFakeSessions(cfg config.Config, bus *session.Bus) *fakeSessions {
	return &fakeSessions{
		driver:   &fakeDriver{},
		cfg:      cfg,
		bus:      bus,
		sessions: make(map[string]*session.Session),
	}
}

func (f *fakeSessions) add(t *testing.T, id, projectPath string) *session.Session {
	t.Helper()
	rec := model.Session{
		ID: id, Kind: model.KindAssistant, ProjectPath: projectPath,
		State: model.StateStarting, CreatedAt: time.Now().UTC(),
	}
	s := session.New(f.cfg, f.driver, rec, f.bus, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start fake session: %v", err)
	}
	t.Cleanup(s.Disconnect)
	f.mu.Lock()
	f.sessions[id] = s
	f.mu.Unlock()
	return s
}

func (f *fakeSessions) Create(_ context.Context, opts registry.CreateOptions) (model.Session, error) {
	rec := model.Session{
		ID: model.NewID(), Kind: opts.Kind, ProjectPath: opts.ProjectPath,
		Model: opts.Model, State: model.StateIdle, CreatedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.created = append(f.created, rec)
	f.mu.Unlock()
	return rec, nil
}

func (f *fakeSessions) Get(id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("unknown session: " + id)
	}
	return s, nil
}

func (f *fakeSessions) List() []model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Record())
	}
	return out
}

func (f *fakeSessions) Kill(ctx context.Context, id string) error {
	s, err := f.Get(id)
	if err != nil {
		return err
	}
	return s.Kill(ctx)
}

func (f *fakeSessions) Restart(context.Context, string, bool, string) (model.Session, error) {
	return model.Session{ID: model.NewID(), State: model.StateIdle}, nil
}

type testClient struct {
	conn *websocket.Conn
}

func (c *testClient) send(t *testing.T, msgType string, payload any) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func (c *testClient) read(t *testing.T) (protocol.Message, bool) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Message{}, false
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg, true
}

// readUntil skips broadcasts until a message of the wanted type arrives.
func (c *testClient) readUntil(t *testing.T, msgType string) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, ok := c.read(t)
		if !ok {
			t.Fatalf("connection closed waiting for %s", msgType)
		}
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("timed out waiting for %s", msgType)
	return protocol.Message{}
}

func setupHub(t *testing.T) (*Hub, *fakeSessions, string, *session.Bus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.DataDir, "state.db")

	store, err := db.Open(context.Background(), cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authStore := auth.NewStore(store)
	token, err := authStore.EnsureToken(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	bus := session.NewBus()
	sessions := newFakeSessions(cfg, bus)
	h := New(cfg, authStore, sessions, nil)
	h.BindBus(bus)
	t.Cleanup(h.Close)
	return h, sessions, token, bus
}

func dial(t *testing.T, h *Hub) *testClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn}
}

func authedClient(t *testing.T, h *Hub, token string) *testClient {
	t.Helper()
	c := dial(t, h)
	c.send(t, protocol.TypeAuth, protocol.AuthPayload{Token: token})
	msg := c.readUntil(t, protocol.TypeAuthResult)
	payload, err := protocol.DecodePayload[protocol.AuthResultPayload](msg)
	if err != nil || !payload.Success {
		t.Fatalf("auth failed: %v %+v", err, payload)
	}
	c.readUntil(t, protocol.TypeCapabilities)
	c.readUntil(t, protocol.TypeSessionsList)
	return c
}

func TestUnauthenticatedMessageClosesConnection(t *testing.T) {
	h, _, _, _ := setupHub(t)
	c := dial(t, h)

	c.send(t, protocol.TypeGetSessions, nil)
	msg, ok := c.read(t)
	if !ok {
		t.Fatal("expected an error before close")
	}
	if msg.Type != protocol.TypeError {
		t.Fatalf("type = %s, want error", msg.Type)
	}
	if _, ok := c.read(t); ok {
		t.Fatal("connection should be closed after pre-auth message")
	}
}

func TestBadTokenRejected(t *testing.T) {
	h, _, _, _ := setupHub(t)
	c := dial(t, h)

	c.send(t, protocol.TypeAuth, protocol.AuthPayload{Token: "wrong"})
	msg := c.readUntil(t, protocol.TypeAuthResult)
	payload, err := protocol.DecodePayload[protocol.AuthResultPayload](msg)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Success {
		t.Fatal("bad token accepted")
	}
}

func TestAuthSendsCapabilitiesAndSessions(t *testing.T) {
	h, sessions, token, _ := setupHub(t)
	sessions.add(t, "sess00000001", t.TempDir())

	c := dial(t, h)
	c.send(t, protocol.TypeAuth, protocol.AuthPayload{Token: token})
	c.readUntil(t, protocol.TypeAuthResult)
	capsMsg := c.readUntil(t, protocol.TypeCapabilities)
	caps, err := protocol.DecodePayload[protocol.CapabilitiesPayload](capsMsg)
	if err != nil || len(caps.Models) == 0 {
		t.Fatalf("capabilities = %+v, err %v", caps, err)
	}
	listMsg := c.readUntil(t, protocol.TypeSessionsList)
	list, err := protocol.DecodePayload[protocol.SessionsListPayload](listMsg)
	if err != nil || len(list.Sessions) != 1 {
		t.Fatalf("sessions = %+v, err %v", list, err)
	}
}

func TestPingPong(t *testing.T) {
	h, _, token, _ := setupHub(t)
	c := authedClient(t, h, token)

	c.send(t, protocol.TypePing, nil)
	c.readUntil(t, protocol.TypePong)
}

func TestUnknownTagProducesError(t *testing.T) {
	h, _, token, _ := setupHub(t)
	c := authedClient(t, h, token)

	c.send(t, "bogus_tag", nil)
	msg := c.readUntil(t, protocol.TypeError)
	payload, _ := protocol.DecodePayload[protocol.ErrorPayload](msg)
	if !strings.Contains(payload.Message, "bogus_tag") {
		t.Fatalf("error = %q", payload.Message)
	}
}

func TestSendKeyViewportArbitration(t *testing.T) {
	h, sessions, token, _ := setupHub(t)
	sessions.add(t, "sess00000001", t.TempDir())
	c := authedClient(t, h, token)

	c.send(t, protocol.TypeResizeTerminal, protocol.ResizeTerminalPayload{SessionID: "sess00000001", Cols: 100, Rows: 30})
	// resize lands before the key: same websocket, ordered frames
	c.send(t, protocol.TypeSendKey, protocol.SendKeyPayload{SessionID: "sess00000001", Key: "x"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sessions.driver.mu.Lock()
		resized := len(sessions.driver.resizes) > 0 && sessions.driver.resizes[0] == [2]int{100, 30}
		typed := len(sessions.driver.sent) > 0
		sessions.driver.mu.Unlock()
		if resized && typed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("resize or key never reached the driver")
}

func TestBroadcastOutputUpdate(t *testing.T) {
	h, _, token, bus := setupHub(t)
	c := authedClient(t, h, token)

	bus.OnOutput(func(string, []byte) {}) // other subscribers are unaffected
	h.Broadcast(protocol.TypeOutputUpdate, protocol.OutputUpdatePayload{SessionID: "abc", Content: "screen"})

	msg := c.readUntil(t, protocol.TypeOutputUpdate)
	payload, err := protocol.DecodePayload[protocol.OutputUpdatePayload](msg)
	if err != nil || payload.SessionID != "abc" {
		t.Fatalf("payload = %+v, err %v", payload, err)
	}
}

func TestWriteFileOutsideProject(t *testing.T) {
	h, sessions, token, _ := setupHub(t)
	projectRoot := t.TempDir()
	sessions.add(t, "sess00000001", projectRoot)
	c := authedClient(t, h, token)

	c.send(t, protocol.TypeWriteFile, protocol.WriteFilePayload{
		SessionID: "sess00000001",
		Path:      "../../etc/passwd",
		Content:   "x",
	})
	msg := c.readUntil(t, protocol.TypeFileWriteResult)
	payload, err := protocol.DecodePayload[protocol.FileWriteResultPayload](msg)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Success {
		t.Fatal("traversal write succeeded")
	}
	if payload.Error != "outside project" {
		t.Fatalf("error = %q, want outside project", payload.Error)
	}
}

func TestCreateSessionBroadcast(t *testing.T) {
	h, sessions, token, _ := setupHub(t)
	c := authedClient(t, h, token)

	c.send(t, protocol.TypeCreateSession, protocol.CreateSessionPayload{ProjectPath: "/tmp", SessionType: "shell"})
	msg := c.readUntil(t, protocol.TypeSessionCreated)
	payload, err := protocol.DecodePayload[protocol.SessionPayload](msg)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Session.State != model.StateIdle {
		t.Fatalf("state = %s, want idle", payload.Session.State)
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.created) != 1 {
		t.Fatalf("created = %v", sessions.created)
	}
}

func TestScrollback(t *testing.T) {
	h, sessions, token, _ := setupHub(t)
	sessions.add(t, "sess00000001", t.TempDir())
	c := authedClient(t, h, token)

	c.send(t, protocol.TypeScroll, protocol.SessionRef{SessionID: "sess00000001"})
	msg := c.readUntil(t, protocol.TypeScrollbackContent)
	payload, err := protocol.DecodePayload[protocol.ScrollbackContentPayload](msg)
	if err != nil || payload.Content != "history" {
		t.Fatalf("payload = %+v, err %v", payload, err)
	}
}

func TestMalformedJSONProducesError(t *testing.T) {
	h, _, token, _ := setupHub(t)
	c := authedClient(t, h, token)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.readUntil(t, protocol.TypeError)
}
