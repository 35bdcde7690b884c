// internal/devserver/handler.go
package devserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/signalnine/rmmclient/internal/protocol"
	"github.com/signalnine/rmmclient/internal/remote"
)

// Handler serves the management API routes the client consumes
type Handler struct {
	state           *State
	apiKey          string
	maxPayloadBytes int64
	log             *zap.Logger
	mux             *http.ServeMux
}

// NewHandler mounts the API under prefix (e.g. "/api/v1/")
func NewHandler(state *State, apiKey, prefix string, maxPayloadBytes int64, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix != "/" {
		prefix += "/"
	}

	h := &Handler{
		state:           state,
		apiKey:          apiKey,
		maxPayloadBytes: maxPayloadBytes,
		log:             log,
		mux:             http.NewServeMux(),
	}

	h.mux.HandleFunc("GET "+prefix+"machines/{id}/{$}", h.getMachine)
	h.mux.HandleFunc("POST "+prefix+"machines/{id}/status/{$}", h.postStatus)
	h.mux.HandleFunc("GET "+prefix+"machines/{id}/logs/{$}", h.getLogs)
	h.mux.HandleFunc("POST "+prefix+"machines/{id}/logs/{$}", h.postLog)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Check auth
	if h.apiKey == "" || r.Header.Get(remote.APIKeyHeader) != h.apiKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid API key"})
		return
	}

	h.log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) getMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := h.state.Machine(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) postStatus(w http.ResponseWriter, r *http.Request) {
	var body protocol.StatusUpdate
	if !h.readJSON(w, r, &body) {
		return
	}

	// Stored lower case, so the echoed status may differ from the request.
	status := strings.ToLower(strings.TrimSpace(body.Status))
	if status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "This field may not be blank."})
		return
	}

	m, ok := h.state.SetStatus(r.PathValue("id"), status)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	h.log.Info("status changed", zap.String("machine_id", m.ID), zap.String("status", m.Status))
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.state.Machine(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusOK, h.state.Logs(id))
}

func (h *Handler) postLog(w http.ResponseWriter, r *http.Request) {
	var entry protocol.LogEntry
	if !h.readJSON(w, r, &entry) {
		return
	}
	if strings.TrimSpace(entry.Level) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"level": "This field may not be blank."})
		return
	}

	if !h.state.AppendLog(r.PathValue("id"), entry) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// readJSON enforces the payload cap and decodes the body. It writes the
// error response itself and reports whether the handler should continue.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength > h.maxPayloadBytes {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return false
	}

	// Read body with limit
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxPayloadBytes+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return false
	}
	if int64(len(body)) > h.maxPayloadBytes {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return false
	}

	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
