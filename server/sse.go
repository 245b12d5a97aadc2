package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/chat-tender/telemetry"
)

// HandleSSE streams the broadcast feed as Server-Sent Events. Each envelope
// the hub emits becomes one `data:` frame, so curl and EventSource consumers
// see the same protocol the WebSocket speaks, minus the inbound requests.
func (h *Handlers) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub.ID)

	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.Uint64("client_id", sub.ID), slog.String("component", "sse"))
	logger.Info("consumer connected")
	defer logger.Info("consumer disconnected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case payload, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
