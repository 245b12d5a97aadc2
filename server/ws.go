package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/onnwee/chat-tender/hub"
	"github.com/onnwee/chat-tender/telemetry"
)

// wsWriteTimeout bounds a single frame write. A peer that cannot drain a
// frame in this window is as gone as one whose queue overflowed.
const wsWriteTimeout = 10 * time.Second

// HandleWS upgrades the connection and bridges it to the broadcast hub. The
// hub queues the Connected greeting at subscription, so the writer loop
// delivers it before any chat traffic. Inbound Ping/GetInfo requests are
// answered on the same loop; malformed inbound JSON gets an Error envelope
// and the connection stays open.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		// Accept has already written the handshake failure.
		slog.Debug("ws accept failed", slog.Any("err", err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "stream aborted") }()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := telemetry.LoggerWithCorr(ctx).With(slog.Uint64("client_id", sub.ID), slog.String("component", "ws"))
	logger.Info("consumer connected")
	defer logger.Info("consumer disconnected")

	// Replies merge into the writer loop so broadcast frames and request
	// answers never interleave on the wire.
	replies := make(chan []byte, 8)
	go h.readWS(ctx, cancel, conn, replies, logger)

	for {
		select {
		case payload, ok := <-sub.C:
			if !ok {
				// Dropped by the hub: either it is shutting down or this
				// consumer fell too far behind.
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if !h.writeWS(ctx, conn, payload, logger) {
				return
			}
		case payload := <-replies:
			if !h.writeWS(ctx, conn, payload, logger) {
				return
			}
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// readWS pumps inbound frames until the peer goes away, forwarding answers
// to the writer loop. Cancel tears down the writer when the read side ends.
func (h *Handlers) readWS(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- []byte, logger *slog.Logger) {
	defer cancel()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var payload []byte
		req, err := hub.ParseRequest(raw)
		if err != nil {
			logger.Debug("rejected inbound frame", slog.Any("err", err))
			payload = hub.ErrorMessage(err.Error())
		} else {
			switch req.Type {
			case hub.RequestPing:
				payload = hub.Pong()
			case hub.RequestGetInfo:
				version, connected := h.hub.Info()
				payload = hub.ServerInfo(version, connected)
			}
		}

		select {
		case replies <- payload:
		case <-ctx.Done():
			return
		}
	}
}

// writeWS sends one frame, reporting whether the connection is still usable.
func (h *Handlers) writeWS(ctx context.Context, conn *websocket.Conn, payload []byte, logger *slog.Logger) bool {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, payload); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			logger.Debug("ws write failed", slog.Any("err", err))
		}
		return false
	}
	return true
}
