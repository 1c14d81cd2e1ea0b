// Package ops serves the operator endpoints: relay overview, a live log
// stream and a manual feed reconnect.
package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketmind/marketmind-gateway/broker"
)

// Handler serves the ops API endpoints.
type Handler struct {
	manager   *broker.Manager
	logBuffer *LogBuffer
	logger    *slog.Logger
	startTime time.Time
	version   string

	keepalive time.Duration
}

// New creates a new ops Handler.
func New(manager *broker.Manager, logBuffer *LogBuffer, logger *slog.Logger, version string, startTime time.Time) *Handler {
	return &Handler{
		manager:   manager,
		logBuffer: logBuffer,
		logger:    logger,
		startTime: startTime,
		version:   version,
		keepalive: 15 * time.Second,
	}
}

// RegisterRoutes mounts the ops API under prefix, wrapped by auth.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, prefix string, auth func(http.Handler) http.Handler) {
	wrap := func(f http.HandlerFunc) http.Handler { return auth(f) }
	mux.Handle(prefix+"/api/overview", wrap(h.overview))
	mux.Handle(prefix+"/api/logs", wrap(h.logStream))
	mux.Handle(prefix+"/api/reconnect", wrap(h.reconnect))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// overview returns the combined overview JSON.
func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.buildOverview(time.Now()))
}

// reconnect reloads the token file and forces a new feed connection.
func (h *Handler) reconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.manager.Reconnect(); err != nil {
		h.logger.Warn("Operator reconnect failed", "error", err)
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info("Operator requested feed reconnect")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// logStream serves an SSE stream of structured log entries.
func (h *Handler) logStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.logBuffer == nil {
		http.Error(w, "log stream not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.logBuffer.Subscribe()
	defer cancel()

	// Backfill recent entries.
	for _, entry := range h.logBuffer.Recent(50) {
		writeEvent(w, entry)
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, entry)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, v any) {
	if data, err := json.Marshal(v); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
}
