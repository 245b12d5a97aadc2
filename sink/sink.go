// Package sink persists the normalized event stream. The session layer fans
// each emitted batch out to every configured sink; a sink failure is logged
// and never stalls the poll loop.
package sink

import "github.com/onnwee/chat-tender/chat"

// EventSink receives each normalized event once per emit. The broadcast hub
// and the NDJSON archive both satisfy it.
type EventSink interface {
	Publish(ev chat.Event)
}
