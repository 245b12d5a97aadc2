package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultRawMaxMB caps the active raw-response file before rotation.
	DefaultRawMaxMB = 100
	// DefaultRawBackups is how many rotated files are kept.
	DefaultRawBackups = 5
)

// RawRecorder archives every upstream fetch body as a timestamped NDJSON
// line, rotating the file by size. The file is opened per write: rotation
// renames the active file, so a held handle would go stale.
type RawRecorder struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
}

// NewRawRecorder writes to path, rotating once the file reaches maxMB and
// keeping the newest backups rotated files. Values <= 0 take the defaults.
func NewRawRecorder(path string, maxMB, backups int) *RawRecorder {
	if maxMB <= 0 {
		maxMB = DefaultRawMaxMB
	}
	if backups <= 0 {
		backups = DefaultRawBackups
	}
	return &RawRecorder{
		path:     path,
		maxBytes: int64(maxMB) * 1024 * 1024,
		backups:  backups,
	}
}

// Record appends one response body. raw must be valid JSON, which every
// decoded fetch body already is. Failures are logged, not returned.
func (r *RawRecorder) Record(raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateIfNeeded()

	line, err := json.Marshal(struct {
		Timestamp int64           `json:"timestamp"`
		Response  json.RawMessage `json:"response"`
	}{time.Now().Unix(), raw})
	if err != nil {
		slog.Warn("unencodable raw response", slog.Any("err", err))
		return
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("failed to open raw response file", slog.String("path", r.path), slog.Any("err", err))
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("raw response write failed", slog.String("path", r.path), slog.Any("err", err))
	}
	if err := f.Close(); err != nil {
		slog.Warn("failed to close raw response file", slog.Any("err", err))
	}
}

func (r *RawRecorder) rotateIfNeeded() {
	info, err := os.Stat(r.path)
	if err != nil || info.Size() < r.maxBytes {
		return
	}

	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	rotated := fmt.Sprintf("%s_%d%s", stem, time.Now().Unix(), ext)
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, rotated)); errors.Is(err, os.ErrNotExist) {
			break
		}
		rotated = fmt.Sprintf("%s_%d_%d%s", stem, time.Now().Unix(), i, ext)
	}
	if err := os.Rename(r.path, filepath.Join(dir, rotated)); err != nil {
		slog.Warn("failed to rotate raw response file", slog.String("path", r.path), slog.Any("err", err))
		return
	}
	slog.Info("rotated raw response file", slog.String("from", base), slog.String("to", rotated))
	r.cleanup(dir, base, stem, ext)
}

// cleanup removes rotated files beyond the backup budget. Rotated names
// embed the rotation time, so name order is age order.
func (r *RawRecorder) cleanup(dir, active, stem, ext string) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("failed to scan raw response dir", slog.String("dir", dir), slog.Any("err", err))
		return
	}
	var backups []string
	for _, e := range dirEntries {
		name := e.Name()
		if name == active {
			continue
		}
		if strings.HasPrefix(name, stem+"_") && strings.HasSuffix(name, ext) {
			backups = append(backups, name)
		}
	}
	if len(backups) <= r.backups {
		return
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	for _, name := range backups[r.backups:] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			slog.Warn("failed to remove old raw response file", slog.String("name", name), slog.Any("err", err))
		}
	}
}
