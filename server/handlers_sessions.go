package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chat-tender/continuation"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/youtubeapi"
)

// HandleSessions serves the session collection: GET lists snapshots, POST
// starts a new polling session.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.manager.List())
	case http.MethodPost:
		h.handleSessionStart(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL  string `json:"url"`
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	mode := continuation.ModeTop
	if req.Mode != "" {
		m, err := continuation.ParseMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = m
	}

	snap, err := h.manager.Start(req.URL, mode)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("session started",
		slog.String("video_id", snap.VideoID), slog.String("mode", snap.Mode), slog.String("component", "server"))
	writeJSON(w, http.StatusCreated, snap)
}

// HandleSessionDispatcher routes requests under /sessions/{id}/* to the
// appropriate sub-handlers.
func (h *Handlers) HandleSessionDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	videoID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case videoID == "":
		http.NotFound(w, r)
	case tail == "":
		h.handleSessionDetail(w, r, videoID)
	case tail == "mode":
		h.handleSessionMode(w, r, videoID)
	case tail == "close":
		h.handleSessionClose(w, r, videoID)
	case tail == "rearm":
		h.handleSessionRearm(w, r, videoID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleSessionDetail(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok := h.manager.Get(videoID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	out := struct {
		session.Snapshot
		Video *youtubeapi.Video `json:"video,omitempty"`
	}{Snapshot: snap}

	// Enrichment is best-effort; a Data API hiccup never hides the session.
	if h.meta != nil {
		v, err := h.meta.Video(r.Context(), videoID)
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Debug("metadata lookup failed",
				slog.String("video_id", videoID), slog.Any("err", err))
		} else {
			out.Video = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleSessionMode(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	mode, err := continuation.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The manager waits for the loop's ack, so a 200 means the switch is
	// applied, not merely queued.
	if err := h.manager.SwitchMode(r.Context(), videoID, mode); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	snap, _ := h.manager.Get(videoID)
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) handleSessionClose(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.manager.Close(videoID); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("session close requested",
		slog.String("video_id", videoID), slog.String("component", "server"))
	// The loop settles in Closed at its next suspension point; report the
	// snapshot as it stands rather than waiting.
	snap, _ := h.manager.Get(videoID)
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *Handlers) handleSessionRearm(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.manager.Rearm(videoID)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("session re-armed",
		slog.String("video_id", videoID), slog.String("component", "server"))
	writeJSON(w, http.StatusCreated, snap)
}

// writeSessionError maps manager errors onto HTTP statuses.
func (h *Handlers) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrNoSlots):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, session.ErrSessionDone), errors.Is(err, session.ErrSwitchPending):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
	telemetry.LoggerWithCorr(r.Context()).Debug("session request rejected",
		slog.String("path", r.URL.Path), slog.Any("err", err))
}
