package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/auth"
	"github.com/onnwee/chat-tender/continuation"
	"github.com/onnwee/chat-tender/innertube"
	"github.com/onnwee/chat-tender/sink"
	"github.com/onnwee/chat-tender/telemetry"
)

// DefaultMaxSessions bounds concurrent polling loops when no override is
// configured.
const DefaultMaxSessions = 4

// Manager-level errors surfaced to the control API.
var (
	ErrUnknownSession = errors.New("session: unknown session")
	ErrAlreadyRunning = errors.New("session: already polling this video")
	ErrNoSlots        = errors.New("session: no free session slots")
)

// UpstreamFactory builds the wire client one session will own.
type UpstreamFactory func(creds auth.Credentials) Upstream

// ManagerConfig wires the collaborators every session shares.
type ManagerConfig struct {
	MaxSessions int
	Policy      Policy
	Credentials auth.Credentials
	Sinks       []sink.EventSink
	Raw         *sink.RawRecorder
	Store       Store
	Upstream    UpstreamFactory
	DedupCap    int
}

// Manager owns the session registry: one entry per video id, live or
// terminal. Terminal entries stay listed so operators can see why a session
// ended and re-arm it.
type Manager struct {
	base  context.Context
	cfg   ManagerConfig
	slots chan struct{}

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	poller *Poller
	cancel context.CancelFunc
}

// NewManager builds the registry. ctx bounds the lifetime of every session
// started through it; canceling it closes them all.
func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Upstream == nil {
		cfg.Upstream = func(creds auth.Credentials) Upstream {
			return &innertube.Client{Credentials: creds}
		}
	}
	return &Manager{
		base:    ctx,
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxSessions),
		entries: make(map[string]*entry),
	}
}

// Start begins polling url in the requested mode. It rejects a second
// session for a video that is still live and fails fast when every slot is
// taken.
func (m *Manager) Start(url string, mode continuation.Mode) (Snapshot, error) {
	videoID := innertube.VideoIDFromURL(url)
	if videoID == "" {
		return Snapshot{}, fmt.Errorf("unrecognized stream url %q", url)
	}
	return m.start(url, videoID, mode, "", m.cfg.Credentials)
}

func (m *Manager) start(url, videoID string, mode continuation.Mode, token string, creds auth.Credentials) (Snapshot, error) {
	m.mu.Lock()
	if e, ok := m.entries[videoID]; ok && !e.poller.Terminal() {
		m.mu.Unlock()
		return Snapshot{}, ErrAlreadyRunning
	}
	select {
	case m.slots <- struct{}{}:
	default:
		m.mu.Unlock()
		return Snapshot{}, ErrNoSlots
	}

	p := NewPoller(PollerConfig{
		URL:         url,
		VideoID:     videoID,
		Mode:        mode,
		Token:       token,
		Upstream:    m.cfg.Upstream(creds),
		Policy:      m.cfg.Policy,
		Credentials: creds,
		Sinks:       m.cfg.Sinks,
		Raw:         m.cfg.Raw,
		Store:       m.cfg.Store,
		DedupCap:    m.cfg.DedupCap,
	})
	sctx, cancel := context.WithCancel(m.base)
	m.entries[videoID] = &entry{poller: p, cancel: cancel}
	active := m.activeLocked()
	m.mu.Unlock()
	telemetry.SetActiveSessions(active)

	go func() {
		defer func() { <-m.slots }()
		defer cancel()
		if err := p.Run(sctx); err != nil {
			slog.Error("session ended", slog.String("video_id", videoID), slog.Any("err", err))
		} else {
			slog.Info("session ended", slog.String("video_id", videoID))
		}
		telemetry.SetActiveSessions(m.Active())
	}()

	return p.Snapshot(), nil
}

// Get reports one session's snapshot.
func (m *Manager) Get(videoID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[videoID]
	if !ok {
		return Snapshot{}, false
	}
	return e.poller.Snapshot(), true
}

// List reports every known session, live and terminal, ordered by video id.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.poller.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out
}

// SwitchMode forwards a mode change to the session and waits for its ack.
func (m *Manager) SwitchMode(ctx context.Context, videoID string, mode continuation.Mode) error {
	m.mu.Lock()
	e, ok := m.entries[videoID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return e.poller.RequestModeSwitch(ctx, mode)
}

// Close cancels a session. The loop observes the cancellation at its next
// suspension point and settles in Closed; the entry stays listed.
func (m *Manager) Close(videoID string) error {
	m.mu.Lock()
	e, ok := m.entries[videoID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	e.cancel()
	return nil
}

// Rearm restarts a terminal session with a fresh page bootstrap, keeping its
// url, mode, and credentials.
func (m *Manager) Rearm(videoID string) (Snapshot, error) {
	m.mu.Lock()
	e, ok := m.entries[videoID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	if !e.poller.Terminal() {
		return Snapshot{}, ErrAlreadyRunning
	}
	return m.start(e.poller.url, videoID, e.poller.Mode(), "", e.poller.creds)
}

// Resume re-arms checkpointed sessions that were still polling when the
// previous process exited. Terminal checkpoints are left alone.
func (m *Manager) Resume(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	cps, err := m.cfg.Store.LoadCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}
	for _, cp := range cps {
		switch cp.State {
		case StateClosed.String(), StateFailed.String():
			continue
		}
		creds := cp.Credentials
		if !creds.Enabled() {
			creds = m.cfg.Credentials
		}
		// A fresh bootstrap beats the stored token: after a restart of any
		// real length the token is stale and would only burn the recovery
		// reload.
		if _, err := m.start(cp.URL, cp.VideoID, cp.Mode, "", creds); err != nil {
			slog.Warn("session resume failed", slog.String("video_id", cp.VideoID), slog.Any("err", err))
			continue
		}
		slog.Info("session resumed", slog.String("video_id", cp.VideoID), slog.String("mode", cp.Mode.String()))
	}
	return nil
}

// CloseAll cancels every session and waits up to timeout for the loops to
// settle. Used on shutdown so final checkpoints get written.
func (m *Manager) CloseAll(timeout time.Duration) {
	m.mu.Lock()
	waits := make([]<-chan struct{}, 0, len(m.entries))
	for _, e := range m.entries {
		e.cancel()
		waits = append(waits, e.poller.Done())
	}
	m.mu.Unlock()

	deadline := time.After(timeout)
	for _, w := range waits {
		select {
		case <-w:
		case <-deadline:
			return
		}
	}
}

// Active counts sessions that have not reached a terminal state.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, e := range m.entries {
		if !e.poller.Terminal() {
			n++
		}
	}
	return n
}
