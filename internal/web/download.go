package web

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/IvanRicoPrieto/CCRemote/internal/auth"
	"github.com/IvanRicoPrieto/CCRemote/internal/files"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

// SessionLookup resolves a session id; the download handler never holds
// sessions itself.
type SessionLookup interface {
	Get(id string) (*session.Session, error)
}

// DownloadHandler streams a single project file as an attachment. The token,
// session, and path are all validated before a byte leaves the disk.
type DownloadHandler struct {
	auth     *auth.Store
	sessions SessionLookup
	maxBytes int64
}

func NewDownloadHandler(authStore *auth.Store, sessions SessionLookup, maxBytes int64) *DownloadHandler {
	return &DownloadHandler{auth: authStore, sessions: sessions, maxBytes: maxBytes}
}

func (h *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if !h.auth.Validate(q.Get("token")) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	sess, err := h.sessions.Get(q.Get("sessionId"))
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	scope, err := files.NewScope(sess.Record().ProjectPath, h.maxBytes)
	if err != nil {
		http.Error(w, "invalid project root", http.StatusInternalServerError)
		return
	}
	resolved, err := scope.ResolveForRead(q.Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(resolved)))
	http.ServeFile(w, r, resolved)
}
