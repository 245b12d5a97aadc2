// Package server HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-tender/hub"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/youtubeapi"
)

// MetadataResolver enriches single-session responses with Data API metadata.
// *youtubeapi.Resolver implements it; nil disables enrichment.
type MetadataResolver interface {
	Video(ctx context.Context, videoID string) (*youtubeapi.Video, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	manager *session.Manager
	hub     *hub.Hub
	db      *sql.DB
	meta    MetadataResolver
	version string
	started time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		manager: deps.Manager,
		hub:     deps.Hub,
		db:      deps.DB,
		meta:    deps.Meta,
		version: deps.Version,
		started: time.Now(),
	}
}

// writeJSON encodes v with the usual headers. Encode failures past the
// header write can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

// HandleStatus returns a daemon status summary: version, uptime, hub
// clients, and a per-state session breakdown.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]any{}
	resp["version"] = h.version
	resp["uptime_seconds"] = int64(time.Since(h.started).Seconds())

	_, clients := h.hub.Info()
	resp["hub_clients"] = clients
	resp["hub_disconnects"] = h.hub.Dropped()

	byState := map[string]int{}
	snaps := h.manager.List()
	for _, s := range snaps {
		byState[s.State]++
	}
	resp["sessions"] = map[string]any{
		"total":    len(snaps),
		"active":   h.manager.Active(),
		"by_state": byState,
	}

	resp["persistence"] = h.db != nil
	resp["tracing"] = telemetry.IsTracingEnabled()

	writeJSON(w, http.StatusOK, resp)
}
