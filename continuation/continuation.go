// Package continuation manipulates the opaque continuation tokens the
// upstream chat service threads through fetch responses. The token is an
// undocumented binary blob; the only sub-range this package understands is a
// five-byte record carrying the requested view mode, located by a fixed
// marker sequence. Everything else is preserved bit-for-bit.
package continuation

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Kind distinguishes how a token may be used. Main tokens go straight to the
// fetch endpoint; Reload tokens are only good for re-scraping a chat page to
// mint a fresh Main token.
type Kind int

const (
	KindMain Kind = iota
	KindReload
)

func (k Kind) String() string {
	switch k {
	case KindMain:
		return "main"
	case KindReload:
		return "reload"
	default:
		return "unknown"
	}
}

// Mode selects the server-side filtering level of the returned event stream.
type Mode int

const (
	// ModeTop is the filtered "top chat" view.
	ModeTop Mode = iota + 1
	// ModeAll is the unfiltered "all chat" view.
	ModeAll
)

func (m Mode) String() string {
	switch m {
	case ModeTop:
		return "top"
	case ModeAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseMode maps a user-facing mode string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "top", "top_chat", "topchat":
		return ModeTop, nil
	case "all", "all_chat", "allchat":
		return ModeAll, nil
	default:
		return 0, fmt.Errorf("unknown chat mode %q", s)
	}
}

var (
	// ErrMarkerNotFound reports that the mode record marker is absent. This
	// is expected for tokens obtained from an initial page scrape; callers
	// fall back to a full page re-fetch.
	ErrMarkerNotFound = errors.New("continuation: mode marker not found")
	// ErrUnexpectedLength reports that the record's declared length does not
	// match the layout this codec understands. The token must not be
	// mutated; callers fall back to a full page re-fetch.
	ErrUnexpectedLength = errors.New("continuation: unexpected mode record length")
)

// Mode record layout, offsets relative to the located marker:
//
//	+0..1  marker 0x82 0x01
//	+2     declared record length, always 8 in tokens this codec accepts
//	+3     sub-marker 0x08
//	+4     mode byte: 0x04 filtered (top), 0x01 unfiltered (all)
const (
	markerLo    = 0x82
	markerHi    = 0x01
	recordLen   = 0x08
	subMarker   = 0x08
	modeByteTop = 0x04
	modeByteAll = 0x01
)

// DecodeMode reports the view mode embedded in token. The second return is
// false when the token has no recognizable mode record, which is the normal
// state of first-obtained tokens rather than an error.
func DecodeMode(token string) (Mode, bool) {
	data, err := decode(token)
	if err != nil {
		return 0, false
	}
	i, err := locateRecord(data)
	if err != nil {
		return 0, false
	}
	switch data[i+4] {
	case modeByteTop:
		return ModeTop, true
	case modeByteAll:
		return ModeAll, true
	default:
		return 0, false
	}
}

// SetMode returns a copy of token with the embedded mode byte overwritten.
// Exactly one byte changes; the buffer is never resized and no byte outside
// the located record is touched. ErrMarkerNotFound and ErrUnexpectedLength
// both mean the token cannot be trusted for in-place mutation and the caller
// should resolve a fresh token instead.
func SetMode(token string, mode Mode) (string, error) {
	data, err := decode(token)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	i, err := locateRecord(data)
	if err != nil {
		return "", err
	}

	var b byte
	switch mode {
	case ModeTop:
		b = modeByteTop
	case ModeAll:
		b = modeByteAll
	default:
		return "", fmt.Errorf("invalid mode %d", mode)
	}

	out := make([]byte, len(data))
	copy(out, data)
	out[i+4] = b
	return encode(out), nil
}

// locateRecord finds the mode record and validates its shape. The returned
// index points at the first marker byte.
func locateRecord(data []byte) (int, error) {
	for i := 0; i+1 < len(data); i++ {
		if data[i] != markerLo || data[i+1] != markerHi {
			continue
		}
		if i+4 >= len(data) {
			return 0, ErrUnexpectedLength
		}
		if data[i+2] != recordLen || data[i+3] != subMarker {
			return 0, ErrUnexpectedLength
		}
		return i, nil
	}
	return 0, ErrMarkerNotFound
}

// decode accepts the URL-safe alphabet without padding (what the upstream
// emits) and falls back to the standard alphabet, which shows up in older
// captures.
func decode(token string) ([]byte, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	if data, err := base64.RawURLEncoding.DecodeString(token); err == nil {
		return data, nil
	}
	if data, err := base64.URLEncoding.DecodeString(token); err == nil {
		return data, nil
	}
	if data, err := base64.StdEncoding.DecodeString(token); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(token)
}

func encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
