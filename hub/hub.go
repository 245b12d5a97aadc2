// Package hub fans normalized chat events out to connected consumers. The
// hub is transport-agnostic: WebSocket and SSE handlers subscribe alike and
// pump pre-serialized envelopes to their peers.
package hub

import (
	"log/slog"
	"sync"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/telemetry"
)

// DefaultClientBuffer bounds each subscriber's send queue.
const DefaultClientBuffer = 64

// Subscriber is one connected consumer. C yields serialized envelopes and is
// closed when the consumer unsubscribes, falls behind, or the hub shuts down.
type Subscriber struct {
	ID uint64
	C  <-chan []byte
}

// Hub tracks subscribers behind one mutex and broadcasts to all of them.
// Each event is serialized once per broadcast, not once per consumer.
type Hub struct {
	version string
	buffer  int

	mu      sync.Mutex
	subs    map[uint64]chan []byte
	nextID  uint64
	dropped uint64
	closed  bool
}

// New returns a hub whose ServerInfo envelopes report version. buffer sizes
// each subscriber queue; values <= 0 fall back to DefaultClientBuffer.
func New(version string, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	return &Hub{
		version: version,
		buffer:  buffer,
		subs:    make(map[uint64]chan []byte),
	}
}

// Subscribe registers a consumer and queues its Connected greeting. Client
// ids start at 1 and are never reused within a process. Subscribing to a
// closed hub yields an already-closed channel.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan []byte, h.buffer)
	if h.closed {
		close(ch)
		return &Subscriber{ID: id, C: ch}
	}
	// A fresh buffered channel always has room for the greeting.
	ch <- Connected(id)
	h.subs[id] = ch
	return &Subscriber{ID: id, C: ch}
}

// Unsubscribe removes a consumer and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish serializes the event once and fans it out. A consumer whose queue
// is full is disconnected; skipping events mid-stream would be worse than
// forcing the client to reconnect and know it missed some.
func (h *Hub) Publish(ev chat.Event) {
	payload, err := ChatMessage(ev)
	if err != nil {
		slog.Warn("unencodable chat event", slog.String("id", ev.ID), slog.Any("err", err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- payload:
		default:
			delete(h.subs, id)
			close(ch)
			h.dropped++
			telemetry.IncHubDisconnects()
			slog.Warn("disconnecting slow consumer", slog.Uint64("client_id", id))
		}
	}
}

// Info reports the fields a ServerInfo envelope carries.
func (h *Hub) Info() (version string, connected int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version, len(h.subs)
}

// Dropped counts consumers disconnected for falling behind.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close disconnects every consumer and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
