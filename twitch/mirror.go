// Package twitch mirrors Twitch IRC channels into the normalized event
// stream so one consumer connection can watch YouTube and Twitch chat side
// by side. The mirror reads anonymously; it needs no credentials and never
// writes back to IRC.
package twitch

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/sink"
	"github.com/onnwee/chat-tender/telemetry"
)

const (
	reconnectBase = time.Second
	reconnectMax  = time.Minute
)

// ircClient is the slice of gempir's client the mirror drives, split out so
// tests can substitute a scripted connection.
type ircClient interface {
	OnPrivateMessage(callback func(message irc.PrivateMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// Mirror bridges Twitch chat into the event pipeline. Messages map onto the
// same Event shape the polling sessions produce, with Platform set to
// twitch, so sinks stay source-agnostic.
type Mirror struct {
	channels  []string
	sinks     []sink.EventSink
	newClient func() ircClient

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewMirror builds a mirror for the given channels. Channel names are
// normalized (whitespace and a leading # trimmed, lowercased); empties are
// dropped. Publishing fans out to every sink in order, on the IRC read
// goroutine.
func NewMirror(channels []string, sinks ...sink.EventSink) *Mirror {
	normalized := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch = normalizeChannel(ch); ch != "" {
			normalized = append(normalized, ch)
		}
	}
	return &Mirror{
		channels:    normalized,
		sinks:       sinks,
		newClient:   func() ircClient { return irc.NewAnonymousClient() },
		backoffBase: reconnectBase,
		backoffMax:  reconnectMax,
	}
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

// Run connects and blocks until ctx is cancelled, reconnecting with capped
// exponential backoff whenever the IRC connection drops. A mirror with no
// channels returns immediately.
func (m *Mirror) Run(ctx context.Context) {
	if len(m.channels) == 0 {
		return
	}
	logger := slog.Default().With(slog.String("component", "twitch_mirror"))
	backoff := m.backoffBase
	for {
		start := time.Now()
		err := m.runOnce(ctx, logger)
		if ctx.Err() != nil {
			logger.Info("twitch mirror stopped")
			return
		}
		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > m.backoffMax {
			backoff = m.backoffBase
		}
		logger.Warn("twitch connection lost, reconnecting",
			slog.Any("err", err),
			slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			logger.Info("twitch mirror stopped")
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > m.backoffMax {
			backoff = m.backoffMax
		}
	}
}

// runOnce drives a single connection until it closes. Cancellation is
// handled by a watcher goroutine calling Disconnect, which unblocks the
// client's Connect loop.
func (m *Mirror) runOnce(ctx context.Context, logger *slog.Logger) error {
	client := m.newClient()
	client.OnPrivateMessage(func(msg irc.PrivateMessage) {
		m.publish(msg)
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-connCtx.Done()
		_ = client.Disconnect()
	}()

	client.Join(m.channels...)
	logger.Info("mirroring twitch chat", slog.Any("channels", m.channels))
	err := client.Connect()
	cancel()
	<-done
	return err
}

// publish converts one IRC message into a normalized event and fans it out.
func (m *Mirror) publish(msg irc.PrivateMessage) {
	author := msg.User.DisplayName
	if author == "" {
		author = msg.User.Name
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	content := chat.SanitizeContent(msg.Message)
	ev := chat.Event{
		ID:            msg.ID,
		Platform:      chat.PlatformTwitch,
		TimestampUsec: ts.UnixMicro(),
		Author:        chat.SanitizeAuthor(author),
		ChannelID:     normalizeChannel(msg.Channel),
		Kind:          chat.KindText,
		Content:       content,
		Runs:          []chat.Run{chat.TextRun(content)},
	}
	if len(msg.User.Badges) > 0 {
		badges := make([]string, 0, len(msg.User.Badges))
		for name := range msg.User.Badges {
			badges = append(badges, name)
		}
		sort.Strings(badges)
		ev.Badges = badges
		ev.IsModerator = msg.User.Badges["moderator"] > 0 || msg.User.Badges["broadcaster"] > 0
		ev.IsMember = msg.User.Badges["subscriber"] > 0
		ev.IsVerified = msg.User.Badges["partner"] > 0
	}
	for _, s := range m.sinks {
		s.Publish(ev)
	}
	telemetry.EventsEmitted.Inc()
}
