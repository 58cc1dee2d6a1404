package objectstore

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// DefaultMaxUploadBytes caps the body of a signed PUT.
const DefaultMaxUploadBytes = 25 << 20

// Handler serves signed object URLs. Mount it at "/objects/".
type Handler struct {
	gw       *Gateway
	maxBytes int64
}

// NewHandler returns a Handler for gw. maxUploadBytes ≤ 0 selects
// [DefaultMaxUploadBytes].
func NewHandler(gw *Gateway, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{gw: gw, maxBytes: maxUploadBytes}
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, ok := strings.CutPrefix(r.URL.Path, "/objects/")
	if !ok || ValidatePath(path) != nil {
		http.NotFound(w, r)
		return
	}

	var action Action
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		action = ActionRead
	case http.MethodPut:
		action = ActionWrite
	default:
		w.Header().Set("Allow", "GET, HEAD, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if Action(q.Get("action")) != action {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := h.gw.signer.Verify(path, action, q.Get("expires"), q.Get("sig")); err != nil {
		slog.Debug("objectstore: rejected signed url", "path", path, "action", action, "err", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if action == ActionWrite {
		h.put(w, r, path)
		return
	}
	h.get(w, r, path)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, path string) {
	data, ct, err := h.gw.Get(r.Context(), path)
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		slog.Error("objectstore: read failed", "path", path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request, path string) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	if err := h.gw.Put(r.Context(), path, data, r.Header.Get("Content-Type")); err != nil {
		slog.Error("objectstore: write failed", "path", path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
