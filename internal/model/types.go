package model

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionKind string

const (
	KindAssistant SessionKind = "assistant"
	KindShell     SessionKind = "shell"
)

func ParseKind(raw string) (SessionKind, error) {
	switch SessionKind(raw) {
	case KindAssistant, KindShell:
		return SessionKind(raw), nil
	case "":
		return KindAssistant, nil
	default:
		return "", fmt.Errorf("unknown session type: %q", raw)
	}
}

type SessionState string

const (
	StateStarting             SessionState = "starting"
	StateIdle                 SessionState = "idle"
	StateWorking              SessionState = "working"
	StateAwaitingInput        SessionState = "awaiting_input"
	StateAwaitingConfirmation SessionState = "awaiting_confirmation"
	StateContextLimit         SessionState = "context_limit"
	StateError                SessionState = "error"
	StateDead                 SessionState = "dead"
)

func (s SessionState) Terminal() bool {
	return s == StateDead || s == StateError
}

// Session is the durable record for one hosted terminal session.
type Session struct {
	ID          string       `json:"id"`
	Kind        SessionKind  `json:"sessionType"`
	ProjectPath string       `json:"projectPath"`
	Model       string       `json:"model,omitempty"`
	PlanMode    bool         `json:"planMode"`
	AutoAccept  bool         `json:"autoAccept"`
	State       SessionState `json:"state"`
	Cols        int          `json:"cols"`
	Rows        int          `json:"rows"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	EndedAt     *time.Time   `json:"endedAt,omitempty"`
	Summary     string       `json:"summary,omitempty"`
}

// MultiplexerName derives the tmux session name for an id. Pure function:
// the registry rediscovers ids by stripping the prefix back off.
func MultiplexerName(prefix, id string) string {
	return prefix + "-" + id
}

// NewID returns a 12-character URL-safe session id.
func NewID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:9])
}
