// Package protocol defines the tagged JSON messages exchanged between the
// daemon and its clients over the duplex channel.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/IvanRicoPrieto/CCRemote/internal/model"
)

// Client → daemon tags.
const (
	TypeAuth            = "auth"
	TypePing            = "ping"
	TypeGetSessions     = "get_sessions"
	TypeGetOutput       = "get_output"
	TypeCreateSession   = "create_session"
	TypeKillSession     = "kill_session"
	TypeRestartSession  = "restart_session"
	TypeChangeModel     = "change_model"
	TypeToggleMode      = "toggle_mode"
	TypeSendInput       = "send_input"
	TypeSendCommand     = "send_command"
	TypeSendKey         = "send_key"
	TypeResizeTerminal  = "resize_terminal"
	TypeScroll          = "scroll"
	TypeBrowseDirectory = "browse_directory"
	TypeBrowseFiles     = "browse_files"
	TypeReadFile        = "read_file"
	TypeWriteFile       = "write_file"
	TypeCreateFile      = "create_file"
	TypeCreateDirectory = "create_directory"
	TypeRenameFile      = "rename_file"
	TypeDeleteFile      = "delete_file"
)

// Daemon → client tags.
const (
	TypeAuthResult        = "auth_result"
	TypePong              = "pong"
	TypeError             = "error"
	TypeCapabilities      = "capabilities"
	TypeSessionsList      = "sessions_list"
	TypeSessionCreated    = "session_created"
	TypeSessionUpdated    = "session_updated"
	TypeSessionKilled     = "session_killed"
	TypeInputRequired     = "input_required"
	TypeOutputUpdate      = "output_update"
	TypeContextLimit      = "context_limit"
	TypeDirectoryListing  = "directory_listing"
	TypeScrollbackContent = "scrollback_content"
	TypeFileList          = "file_list"
	TypeFileContent       = "file_content"
	TypeFileWriteResult   = "file_write_result"
	TypeFileOpResult      = "file_op_result"
)

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

type GetOutputPayload struct {
	SessionID string `json:"sessionId"`
	Lines     int    `json:"lines,omitempty"`
}

type CreateSessionPayload struct {
	ProjectPath string `json:"projectPath"`
	Model       string `json:"model,omitempty"`
	PlanMode    bool   `json:"planMode,omitempty"`
	SessionType string `json:"sessionType,omitempty"`
}

type RestartSessionPayload struct {
	SessionID   string `json:"sessionId"`
	WithSummary bool   `json:"withSummary"`
}

type ChangeModelPayload struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

type ToggleModePayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
	Enabled   bool   `json:"enabled"`
}

type SendInputPayload struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type SendCommandPayload struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}

type SendKeyPayload struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"key"`
}

type ResizeTerminalPayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type BrowseDirectoryPayload struct {
	Path string `json:"path"`
}

type FilePathPayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

type WriteFilePayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

type RenameFilePayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	NewPath   string `json:"newPath"`
}

type AuthResultPayload struct {
	Success bool `json:"success"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type CapabilitiesPayload struct {
	Models   []string `json:"models"`
	Modes    []string `json:"modes"`
	Commands []string `json:"commands"`
}

type SessionsListPayload struct {
	Sessions []model.Session `json:"sessions"`
}

type SessionPayload struct {
	Session model.Session `json:"session"`
}

type SessionKilledPayload struct {
	SessionID string `json:"sessionId"`
}

type InputRequiredPayload struct {
	SessionID string   `json:"sessionId"`
	InputType string   `json:"inputType"`
	Context   string   `json:"context,omitempty"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

type OutputUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type ContextLimitPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type DirectoryListingPayload struct {
	Path        string   `json:"path"`
	Directories []string `json:"directories"`
	Error       string   `json:"error,omitempty"`
}

type ScrollbackContentPayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type FileListPayload struct {
	SessionID string      `json:"sessionId"`
	Path      string      `json:"path"`
	Entries   []FileEntry `json:"entries"`
	Error     string      `json:"error,omitempty"`
}

type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

type FileContentPayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Error     string `json:"error,omitempty"`
}

type FileWriteResultPayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type FileOpResultPayload struct {
	SessionID string `json:"sessionId"`
	Op        string `json:"op"`
	Path      string `json:"path"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Encode wraps a payload under its tag.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		raw = data
	}
	data, err := json.Marshal(Message{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return data, nil
}

// Decode parses the envelope without touching the payload.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

// DecodePayload parses a message payload into the concrete type for its tag.
func DecodePayload[T any](msg Message) (T, error) {
	var payload T
	if len(msg.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return payload, nil
}
