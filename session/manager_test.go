package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chat-tender/auth"
	"github.com/onnwee/chat-tender/continuation"
	"github.com/onnwee/chat-tender/innertube"
)

// endlessUpstream keeps any number of sessions polling until their context
// ends.
func endlessUpstream() *fakeUpstream {
	return &fakeUpstream{
		page: func(url string) (*innertube.Bootstrap, error) {
			return &innertube.Bootstrap{
				VideoID:      innertube.VideoIDFromURL(url),
				Continuation: tokenTop,
			}, nil
		},
		fetch: func(ctx context.Context, _ int, token string) (*innertube.FetchResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			return &innertube.FetchResult{Continuation: token}, nil
		},
	}
}

func fixedUpstream(up Upstream) UpstreamFactory {
	return func(auth.Credentials) Upstream { return up }
}

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.Policy.Timeout == 0 {
		cfg.Policy = fastPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, cfg)
	t.Cleanup(func() {
		m.CloseAll(2 * time.Second)
		cancel()
	})
	return m
}

func TestManagerRejectsDuplicate(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Upstream: fixedUpstream(endlessUpstream())})

	url := "https://www.youtube.com/watch?v=vidmgrdup001"
	snap, err := m.Start(url, continuation.ModeTop)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.VideoID != "vidmgrdup001" {
		t.Errorf("VideoID = %q", snap.VideoID)
	}
	if _, err := m.Start(url, continuation.ModeAll); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	if got := m.Active(); got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
	if _, ok := m.Get("vidmgrdup001"); !ok {
		t.Error("Get did not find the running session")
	}
}

func TestManagerRejectsUnrecognizedURL(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Upstream: fixedUpstream(endlessUpstream())})
	if _, err := m.Start("https://example.com/some/stream", continuation.ModeTop); err == nil {
		t.Fatal("Start accepted a non-watch url")
	}
	if got := m.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}

func TestManagerSlotLimit(t *testing.T) {
	m := newTestManager(t, ManagerConfig{
		MaxSessions: 1,
		Upstream:    fixedUpstream(endlessUpstream()),
	})

	if _, err := m.Start("https://www.youtube.com/watch?v=vidmgrslot01", continuation.ModeTop); err != nil {
		t.Fatalf("Start A: %v", err)
	}
	if _, err := m.Start("https://www.youtube.com/watch?v=vidmgrslot02", continuation.ModeTop); !errors.Is(err, ErrNoSlots) {
		t.Fatalf("Start B err = %v, want ErrNoSlots", err)
	}

	// Closing A frees its slot once the loop settles; B then fits.
	if err := m.Close("vidmgrslot01"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := m.Start("https://www.youtube.com/watch?v=vidmgrslot02", continuation.ModeTop)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNoSlots) {
			t.Fatalf("Start B: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("slot never freed after close")
		}
		time.Sleep(2 * time.Millisecond)
	}

	snap, ok := m.Get("vidmgrslot01")
	if !ok || snap.State != "closed" {
		t.Errorf("closed session snapshot = %+v, ok=%v", snap, ok)
	}
	if got := len(m.List()); got != 2 {
		t.Errorf("List length = %d, want 2 (terminal entries stay listed)", got)
	}
}

func TestManagerUnknownSession(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Upstream: fixedUpstream(endlessUpstream())})

	if _, ok := m.Get("vidmissing01"); ok {
		t.Error("Get found a session that was never started")
	}
	if err := m.Close("vidmissing01"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Close err = %v, want ErrUnknownSession", err)
	}
	if err := m.SwitchMode(context.Background(), "vidmissing01", continuation.ModeAll); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("SwitchMode err = %v, want ErrUnknownSession", err)
	}
	if _, err := m.Rearm("vidmissing01"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Rearm err = %v, want ErrUnknownSession", err)
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Upstream: fixedUpstream(endlessUpstream())})

	for _, v := range []string{"vidmgrsortb2", "vidmgrsorta1"} {
		if _, err := m.Start("https://www.youtube.com/watch?v="+v, continuation.ModeTop); err != nil {
			t.Fatalf("Start %s: %v", v, err)
		}
	}
	list := m.List()
	if len(list) != 2 || list[0].VideoID != "vidmgrsorta1" || list[1].VideoID != "vidmgrsortb2" {
		var ids []string
		for _, s := range list {
			ids = append(ids, s.VideoID)
		}
		t.Errorf("List order = %v, want [vidmgrsorta1 vidmgrsortb2]", ids)
	}
}

func TestManagerSwitchMode(t *testing.T) {
	up := endlessUpstream()
	m := newTestManager(t, ManagerConfig{Upstream: fixedUpstream(up)})

	if _, err := m.Start("https://www.youtube.com/watch?v=vidmgrmode01", continuation.ModeTop); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return up.fetchCount() >= 1 })

	if err := m.SwitchMode(context.Background(), "vidmgrmode01", continuation.ModeAll); err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	snap, _ := m.Get("vidmgrmode01")
	if snap.Mode != "all" {
		t.Errorf("Mode = %q, want all", snap.Mode)
	}
}

func TestManagerRearm(t *testing.T) {
	up := endlessUpstream()
	m := newTestManager(t, ManagerConfig{Upstream: fixedUpstream(up)})

	if _, err := m.Start("https://www.youtube.com/watch?v=vidmgrrearm1", continuation.ModeTop); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Rearm("vidmgrrearm1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Rearm while running err = %v, want ErrAlreadyRunning", err)
	}

	if err := m.Close("vidmgrrearm1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, func() bool {
		snap, ok := m.Get("vidmgrrearm1")
		return ok && snap.State == "closed"
	})

	pagesBefore := up.pageCount()
	if _, err := m.Rearm("vidmgrrearm1"); err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	// The re-armed session bootstraps fresh instead of reusing a dead token.
	waitFor(t, func() bool { return up.pageCount() > pagesBefore })
	waitFor(t, func() bool {
		snap, ok := m.Get("vidmgrrearm1")
		return ok && (snap.State == "fetching" || snap.State == "delivering")
	})
}

func TestManagerResume(t *testing.T) {
	store := newMemStore()
	store.cps["vidmgrresum1"] = Checkpoint{
		VideoID: "vidmgrresum1",
		URL:     "https://www.youtube.com/watch?v=vidmgrresum1",
		Token:   "STORED_TOKEN",
		Mode:    continuation.ModeTop,
		State:   StateFetching.String(),
	}
	store.cps["vidmgrresum2"] = Checkpoint{
		VideoID: "vidmgrresum2",
		URL:     "https://www.youtube.com/watch?v=vidmgrresum2",
		Mode:    continuation.ModeTop,
		State:   StateClosed.String(),
	}

	up := endlessUpstream()
	m := newTestManager(t, ManagerConfig{Upstream: fixedUpstream(up), Store: store})

	if err := m.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	list := m.List()
	if len(list) != 1 || list[0].VideoID != "vidmgrresum1" {
		t.Fatalf("resumed sessions = %+v, want just vidmgrresum1", list)
	}

	// The resumed session bootstraps fresh; the stored token is stale by now.
	waitFor(t, func() bool { return up.fetchCount() >= 1 })
	if got := up.fetchToken(0); got != tokenTop {
		t.Errorf("first fetch token = %q, want the bootstrap token, not the stored one", got)
	}
}

func TestManagerCloseAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewManager(ctx, ManagerConfig{
		Policy:   fastPolicy(),
		Upstream: fixedUpstream(endlessUpstream()),
	})

	for _, v := range []string{"vidmgrstopa1", "vidmgrstopb2"} {
		if _, err := m.Start("https://www.youtube.com/watch?v="+v, continuation.ModeTop); err != nil {
			t.Fatalf("Start %s: %v", v, err)
		}
	}

	m.CloseAll(2 * time.Second)

	if got := m.Active(); got != 0 {
		t.Errorf("Active after CloseAll = %d, want 0", got)
	}
	for _, snap := range m.List() {
		if snap.State != "closed" {
			t.Errorf("session %s state = %q, want closed", snap.VideoID, snap.State)
		}
	}
}
