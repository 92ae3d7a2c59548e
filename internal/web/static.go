// Package web holds the HTTP collaborators around the hub: the static asset
// handler for the bundled UI and the token-gated download endpoint.
package web

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var hashedAssetPattern = regexp.MustCompile(`[-.][0-9a-f]{8,}\.[a-z0-9]+$`)

// StaticHandler serves the UI bundle from a root directory with an SPA
// fallback: unknown paths get the index document so client-side routing
// works on deep links.
type StaticHandler struct {
	root string
}

func NewStaticHandler(root string) *StaticHandler {
	return &StaticHandler{root: root}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clean := path.Clean("/" + r.URL.Path)
	if strings.Contains(clean, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	target := filepath.Join(h.root, filepath.FromSlash(clean))
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		h.serveIndex(w, r)
		return
	}
	if hashedAssetPattern.MatchString(filepath.Base(target)) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeFile(w, r, target)
}

func (h *StaticHandler) serveIndex(w http.ResponseWriter, r *http.Request) {
	index := filepath.Join(h.root, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, index)
}
