// Package chat defines the canonical chat event model and the normalizer
// that collapses the upstream's renderer-tagged payload shapes into it.
package chat

import "strings"

// Platform identifies which ingest source produced an event.
type Platform string

const (
	PlatformYouTube Platform = "youtube"
	PlatformTwitch  Platform = "twitch"
)

// Kind is the closed set of event variants. New upstream renderer types map
// into one of these or are consciously dropped in the normalizer.
type Kind string

const (
	KindText                Kind = "text"
	KindPaidContribution    Kind = "paid_contribution"
	KindPaidSticker         Kind = "paid_sticker"
	KindMembershipMilestone Kind = "membership_milestone"
	KindMembershipWelcome   Kind = "membership_welcome"
	KindSystem              Kind = "system"
)

// Run fragment types.
const (
	RunText  = "text"
	RunEmoji = "emoji"
)

// Run is one ordered fragment of a message body: plain text or an emoji.
type Run struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	EmojiID  string `json:"emoji_id,omitempty"`
	Shortcut string `json:"shortcut,omitempty"`
}

// TextRun builds a plain-text fragment.
func TextRun(text string) Run {
	return Run{Type: RunText, Text: text}
}

// EmojiRun builds an emoji fragment.
func EmojiRun(emojiID, shortcut string) Run {
	return Run{Type: RunEmoji, EmojiID: emojiID, Shortcut: shortcut}
}

// Flatten projects a run sequence into plain text. Emoji fragments render as
// ":{emoji_id}:" so downstream text consumers keep a stable placeholder.
func Flatten(runs []Run) string {
	var b strings.Builder
	for _, r := range runs {
		switch r.Type {
		case RunEmoji:
			b.WriteString(":")
			b.WriteString(r.EmojiID)
			b.WriteString(":")
		default:
			b.WriteString(r.Text)
		}
	}
	return b.String()
}

// Event is the canonical, de-duplicated, time-ordered representation of one
// chat-stream occurrence. It is the unit of fan-out: sinks and broadcast
// clients all receive this shape, serialized once as snake_case JSON.
type Event struct {
	ID            string   `json:"id"`
	VideoID       string   `json:"video_id,omitempty"`
	Platform      Platform `json:"platform"`
	TimestampUsec int64    `json:"timestamp_usec"`
	Author        string   `json:"author"`
	ChannelID     string   `json:"channel_id,omitempty"`
	Kind          Kind     `json:"kind"`
	Content       string   `json:"content"`
	Runs          []Run    `json:"runs,omitempty"`

	// Decorations, present only where the source renderer carries them.
	Amount      string   `json:"amount,omitempty"`
	MonthsText  string   `json:"months_text,omitempty"`
	Badges      []string `json:"badges,omitempty"`
	IsMember    bool     `json:"is_member,omitempty"`
	IsModerator bool     `json:"is_moderator,omitempty"`
	IsVerified  bool     `json:"is_verified,omitempty"`

	// CommentCount is the author's running message total within the session,
	// stamped by the normalizer in emission order. 1-based; zero means the
	// source does not count.
	CommentCount int64 `json:"comment_count,omitempty"`
}
