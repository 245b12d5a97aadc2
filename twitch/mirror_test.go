package twitch

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

var errDisconnected = errors.New("client disconnected")

// fakeIRC scripts a single connection. Connect blocks until the test pushes
// a result or the mirror calls Disconnect.
type fakeIRC struct {
	mu        sync.Mutex
	onMsg     func(irc.PrivateMessage)
	joined    []string
	connected chan struct{}
	result    chan error
}

func newFakeIRC() *fakeIRC {
	return &fakeIRC{connected: make(chan struct{}), result: make(chan error, 1)}
}

func (f *fakeIRC) OnPrivateMessage(cb func(message irc.PrivateMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMsg = cb
}

func (f *fakeIRC) Join(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channels...)
}

func (f *fakeIRC) Connect() error {
	close(f.connected)
	return <-f.result
}

func (f *fakeIRC) Disconnect() error {
	select {
	case f.result <- errDisconnected:
	default:
	}
	return nil
}

func (f *fakeIRC) deliver(msg irc.PrivateMessage) {
	f.mu.Lock()
	cb := f.onMsg
	f.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (f *fakeIRC) channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joined...)
}

// fakeFactory hands out one fakeIRC per connection attempt.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeIRC
}

func (ff *fakeFactory) new() ircClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	c := newFakeIRC()
	ff.clients = append(ff.clients, c)
	return c
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.clients)
}

func (ff *fakeFactory) client(i int) *fakeIRC {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if i >= len(ff.clients) {
		return nil
	}
	return ff.clients[i]
}

// captureSink collects everything published to it.
type captureSink struct {
	mu     sync.Mutex
	events []chat.Event
}

func (c *captureSink) Publish(ev chat.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) all() []chat.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Event(nil), c.events...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// startMirror wires a mirror to the fake factory and runs it until the test
// ends or ctx cancels.
func startMirror(t *testing.T, m *Mirror, ff *fakeFactory) (cancel context.CancelFunc, stopped chan struct{}) {
	t.Helper()
	m.newClient = ff.new
	m.backoffBase = time.Millisecond
	m.backoffMax = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	stopped = make(chan struct{})
	go func() {
		defer close(stopped)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("mirror did not stop")
		}
	})
	return cancel, stopped
}

func TestMirrorPublishesMessages(t *testing.T) {
	out := &captureSink{}
	m := NewMirror([]string{"somechannel"}, out)
	ff := &fakeFactory{}
	startMirror(t, m, ff)

	waitFor(t, func() bool { return ff.count() == 1 })
	conn := ff.client(0)
	<-conn.connected
	if got := conn.channels(); !reflect.DeepEqual(got, []string{"somechannel"}) {
		t.Fatalf("joined %v, want [somechannel]", got)
	}

	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	conn.deliver(irc.PrivateMessage{
		ID:      "abc123",
		Channel: "somechannel",
		Message: "hello world",
		Time:    at,
		User: irc.User{
			Name:        "renl",
			DisplayName: "RenL",
			Badges:      map[string]int{"moderator": 1, "subscriber": 6},
		},
	})

	waitFor(t, func() bool { return len(out.all()) == 1 })
	ev := out.all()[0]
	if ev.ID != "abc123" {
		t.Errorf("ID = %q", ev.ID)
	}
	if ev.Platform != chat.PlatformTwitch {
		t.Errorf("Platform = %q", ev.Platform)
	}
	if ev.Kind != chat.KindText {
		t.Errorf("Kind = %q", ev.Kind)
	}
	if ev.Author != "RenL" {
		t.Errorf("Author = %q", ev.Author)
	}
	if ev.ChannelID != "somechannel" {
		t.Errorf("ChannelID = %q", ev.ChannelID)
	}
	if ev.Content != "hello world" {
		t.Errorf("Content = %q", ev.Content)
	}
	if len(ev.Runs) != 1 || ev.Runs[0].Text != "hello world" {
		t.Errorf("Runs = %+v", ev.Runs)
	}
	if ev.TimestampUsec != at.UnixMicro() {
		t.Errorf("TimestampUsec = %d, want %d", ev.TimestampUsec, at.UnixMicro())
	}
	if !ev.IsModerator {
		t.Error("moderator badge should set IsModerator")
	}
	if !ev.IsMember {
		t.Error("subscriber badge should set IsMember")
	}
	if ev.IsVerified {
		t.Error("IsVerified should be false without a partner badge")
	}
	if want := []string{"moderator", "subscriber"}; !reflect.DeepEqual(ev.Badges, want) {
		t.Errorf("Badges = %v, want %v", ev.Badges, want)
	}
}

func TestMirrorAuthorAndTimestampFallbacks(t *testing.T) {
	out := &captureSink{}
	m := NewMirror([]string{"c"}, out)
	ff := &fakeFactory{}
	startMirror(t, m, ff)

	waitFor(t, func() bool { return ff.count() == 1 })
	conn := ff.client(0)
	<-conn.connected

	before := time.Now().UnixMicro()
	conn.deliver(irc.PrivateMessage{
		ID:      "m1",
		Channel: "c",
		Message: "plain\x00text",
		User:    irc.User{Name: "lowercase"},
	})
	conn.deliver(irc.PrivateMessage{
		ID:      "m2",
		Channel: "c",
		Message: "x",
		User:    irc.User{},
	})

	waitFor(t, func() bool { return len(out.all()) == 2 })
	evs := out.all()
	if evs[0].Author != "lowercase" {
		t.Errorf("Author = %q, want fallback to login name", evs[0].Author)
	}
	if evs[0].Content != "plaintext" {
		t.Errorf("Content = %q, control characters should be stripped", evs[0].Content)
	}
	if evs[0].TimestampUsec < before {
		t.Errorf("zero message time should fall back to now, got %d", evs[0].TimestampUsec)
	}
	if evs[1].Author != "Unknown" {
		t.Errorf("Author = %q, want placeholder for empty name", evs[1].Author)
	}
}

func TestMirrorBadgeMapping(t *testing.T) {
	out := &captureSink{}
	m := NewMirror([]string{"c"}, out)
	ff := &fakeFactory{}
	startMirror(t, m, ff)

	waitFor(t, func() bool { return ff.count() == 1 })
	conn := ff.client(0)
	<-conn.connected

	conn.deliver(irc.PrivateMessage{
		ID: "b1", Channel: "c", Message: "x", Time: time.Now(),
		User: irc.User{Name: "owner", Badges: map[string]int{"broadcaster": 1}},
	})
	conn.deliver(irc.PrivateMessage{
		ID: "b2", Channel: "c", Message: "x", Time: time.Now(),
		User: irc.User{Name: "famous", Badges: map[string]int{"partner": 1}},
	})

	waitFor(t, func() bool { return len(out.all()) == 2 })
	evs := out.all()
	if !evs[0].IsModerator {
		t.Error("broadcaster badge should set IsModerator")
	}
	if evs[0].IsVerified {
		t.Error("broadcaster alone should not set IsVerified")
	}
	if !evs[1].IsVerified {
		t.Error("partner badge should set IsVerified")
	}
	if evs[1].IsModerator {
		t.Error("partner alone should not set IsModerator")
	}
}

func TestMirrorReconnects(t *testing.T) {
	out := &captureSink{}
	m := NewMirror([]string{"c"}, out)
	ff := &fakeFactory{}
	startMirror(t, m, ff)

	waitFor(t, func() bool { return ff.count() == 1 })
	first := ff.client(0)
	<-first.connected
	first.result <- errors.New("read: connection reset by peer")

	waitFor(t, func() bool { return ff.count() == 2 })
	second := ff.client(1)
	<-second.connected
	if got := second.channels(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("rejoined %v, want [c]", got)
	}

	conn := second
	conn.deliver(irc.PrivateMessage{
		ID: "after", Channel: "c", Message: "back", Time: time.Now(),
		User: irc.User{Name: "n"},
	})
	waitFor(t, func() bool { return len(out.all()) == 1 })
}

func TestMirrorStopsOnCancel(t *testing.T) {
	m := NewMirror([]string{"c"})
	ff := &fakeFactory{}
	cancel, stopped := startMirror(t, m, ff)

	waitFor(t, func() bool { return ff.count() == 1 })
	<-ff.client(0).connected
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := ff.count(); n != 1 {
		t.Fatalf("mirror reconnected %d times after cancel", n-1)
	}
}

func TestNewMirrorNormalizesChannels(t *testing.T) {
	m := NewMirror([]string{" #SomeChannel ", "", "#other", "plain"})
	want := []string{"somechannel", "other", "plain"}
	if !reflect.DeepEqual(m.channels, want) {
		t.Fatalf("channels = %v, want %v", m.channels, want)
	}
}

func TestMirrorWithoutChannelsReturns(t *testing.T) {
	m := NewMirror(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately with no channels")
	}
}
