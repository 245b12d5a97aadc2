package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/chat"
)

// Entry is one archived line: the capture time and the event payload.
type Entry struct {
	Timestamp int64      `json:"timestamp"`
	Data      chat.Event `json:"data"`
}

// Archive appends events to an NDJSON file, one timestamped line per event.
// Writes go straight to the file descriptor, so every line is durable as
// soon as Publish returns.
type Archive struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenArchive opens path in append mode, creating it if needed.
func OpenArchive(path string) (*Archive, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Archive{f: f, path: path}, nil
}

// Publish appends one event. Failures are logged, not returned.
func (a *Archive) Publish(ev chat.Event) {
	line, err := json.Marshal(Entry{Timestamp: time.Now().Unix(), Data: ev})
	if err != nil {
		slog.Warn("unencodable event", slog.String("id", ev.ID), slog.Any("err", err))
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		slog.Warn("archive write failed", slog.String("path", a.path), slog.Any("err", err))
	}
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}

// ReadArchive parses an NDJSON archive line by line. Blank lines are
// skipped; a parse failure reports the offending line number.
func ReadArchive(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close archive", slog.Any("err", err))
		}
	}()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("archive line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return entries, nil
}
