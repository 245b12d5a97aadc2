package hub

import (
	"encoding/json"
	"fmt"

	"github.com/onnwee/chat-tender/chat"
)

// Envelope is the wire frame consumers speak: a type tag plus an optional
// payload under "data".
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Server-to-consumer envelope tags.
const (
	TypeConnected   = "Connected"
	TypeChatMessage = "ChatMessage"
	TypeServerInfo  = "ServerInfo"
	TypeError       = "Error"
	TypePong        = "Pong"
)

// ChatMessage wraps a normalized event for broadcast.
func ChatMessage(ev chat.Event) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeChatMessage, Data: ev})
}

// Connected greets a new consumer with its assigned id.
func Connected(id uint64) []byte {
	b, _ := json.Marshal(Envelope{Type: TypeConnected, Data: struct {
		ClientID uint64 `json:"client_id"`
	}{id}})
	return b
}

// ServerInfo answers a GetInfo request.
func ServerInfo(version string, connected int) []byte {
	b, _ := json.Marshal(Envelope{Type: TypeServerInfo, Data: struct {
		Version          string `json:"version"`
		ConnectedClients int    `json:"connected_clients"`
	}{version, connected}})
	return b
}

// ErrorMessage reports a per-consumer protocol failure.
func ErrorMessage(msg string) []byte {
	b, _ := json.Marshal(Envelope{Type: TypeError, Data: struct {
		Message string `json:"message"`
	}{msg}})
	return b
}

// Pong answers a liveness probe. No payload.
func Pong() []byte {
	b, _ := json.Marshal(Envelope{Type: TypePong})
	return b
}

// Request is a consumer-to-server message, a bare type tag.
type Request struct {
	Type string `json:"type"`
}

// Consumer-to-server request tags.
const (
	RequestPing    = "Ping"
	RequestGetInfo = "GetInfo"
)

// ParseRequest decodes and validates an inbound consumer message.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("malformed request: %w", err)
	}
	switch req.Type {
	case RequestPing, RequestGetInfo:
		return req, nil
	default:
		return Request{}, fmt.Errorf("unknown request type %q", req.Type)
	}
}
