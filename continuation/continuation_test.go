package continuation

import (
	"encoding/base64"
	"errors"
	"testing"
)

// Tokens captured from a live session, trimmed to the prefix that carries the
// mode record. The two differ only in the mode byte.
const (
	tokenTop = "0ofMyAMSGgAwAYIBCAgEGAAgACgBqAEB"
	tokenAll = "0ofMyAMSGgAwAYIBCAgBGAAgACgBqAEB"

	// Same bytes as tokenTop with the marker pair removed.
	tokenNoMarker = "0ofMyAMSGgAwAQgIBBgAIAAoAagBAQ"
	// Declared record length changed from 8 to 10.
	tokenBadLength = "0ofMyAMSGgAwAYIBCggEGAAgACgBqAEB"
	// Truncated immediately after the marker pair.
	tokenTruncated = "0ofMyAMSGgAwAYIB"
	// Standard-alphabet padded encoding, exercises the decode fallback.
	tokenStdAlphabet = "+/8AggEICAEYAA=="
)

func TestDecodeMode(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  Mode
		ok    bool
	}{
		{"filtered", tokenTop, ModeTop, true},
		{"unfiltered", tokenAll, ModeAll, true},
		{"standard alphabet fallback", tokenStdAlphabet, ModeAll, true},
		{"marker absent", tokenNoMarker, 0, false},
		{"bad record length", tokenBadLength, 0, false},
		{"truncated record", tokenTruncated, 0, false},
		{"not base64", "%%not-base64%%", 0, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeMode(tt.token)
			if ok != tt.ok {
				t.Fatalf("DecodeMode ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("DecodeMode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetMode(t *testing.T) {
	got, err := SetMode(tokenTop, ModeAll)
	if err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if got != tokenAll {
		t.Errorf("SetMode(top->all) = %q, want %q", got, tokenAll)
	}

	back, err := SetMode(got, ModeTop)
	if err != nil {
		t.Fatalf("SetMode back: %v", err)
	}
	if back != tokenTop {
		t.Errorf("SetMode(all->top) = %q, want %q", back, tokenTop)
	}
}

// SetMode must change exactly one byte and leave the rest of the buffer
// untouched.
func TestSetModePreservesBytes(t *testing.T) {
	before, err := base64.RawURLEncoding.DecodeString(tokenTop)
	if err != nil {
		t.Fatal(err)
	}
	out, err := SetMode(tokenTop, ModeAll)
	if err != nil {
		t.Fatal(err)
	}
	after, err := base64.RawURLEncoding.DecodeString(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("length changed: %d -> %d", len(before), len(after))
	}
	var diffs []int
	for i := range before {
		if before[i] != after[i] {
			diffs = append(diffs, i)
		}
	}
	if len(diffs) != 1 {
		t.Fatalf("changed byte offsets = %v, want exactly one", diffs)
	}
	if before[diffs[0]] != modeByteTop || after[diffs[0]] != modeByteAll {
		t.Errorf("byte %d changed %#x -> %#x, want %#x -> %#x",
			diffs[0], before[diffs[0]], after[diffs[0]], modeByteTop, modeByteAll)
	}
}

func TestSetModeIdempotent(t *testing.T) {
	got, err := SetMode(tokenTop, ModeTop)
	if err != nil {
		t.Fatal(err)
	}
	if got != tokenTop {
		t.Errorf("SetMode(top->top) = %q, want unchanged %q", got, tokenTop)
	}
}

func TestSetModeErrors(t *testing.T) {
	tests := []struct {
		name  string
		token string
		mode  Mode
		want  error
	}{
		{"marker absent", tokenNoMarker, ModeAll, ErrMarkerNotFound},
		{"bad record length", tokenBadLength, ModeAll, ErrUnexpectedLength},
		{"truncated record", tokenTruncated, ModeAll, ErrUnexpectedLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SetMode(tt.token, tt.mode)
			if !errors.Is(err, tt.want) {
				t.Errorf("SetMode err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := SetMode("%%not-base64%%", ModeAll); err == nil {
		t.Error("SetMode on invalid base64: want error")
	}
	if _, err := SetMode(tokenTop, Mode(99)); err == nil {
		t.Error("SetMode with invalid mode: want error")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"top", ModeTop},
		{"top_chat", ModeTop},
		{"all", ModeAll},
		{"all_chat", ModeAll},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseMode("loud"); err == nil {
		t.Error("ParseMode(loud): want error")
	}
}
