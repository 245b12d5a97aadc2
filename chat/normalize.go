package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// Normalizer collapses raw renderer-tagged action records into canonical
// events: one exhaustive mapping from discriminant strings to Event kinds,
// de-duplication over a bounded recently-seen id set, sanitization, and a
// stable sort by timestamp. Not safe for concurrent use; each polling
// session owns exactly one Normalizer.
type Normalizer struct {
	videoID string
	seen    *seenSet

	// counts tracks how many messages each author has sent this session.
	// Bounded by the number of distinct authors in one broadcast.
	counts map[string]int64
}

// NewNormalizer builds a normalizer for one video's stream. dedupCapacity
// bounds the recently-seen id set; zero or negative selects
// DefaultDedupCapacity.
func NewNormalizer(videoID string, dedupCapacity int) *Normalizer {
	return &Normalizer{
		videoID: videoID,
		seen:    newSeenSet(dedupCapacity),
		counts:  make(map[string]int64),
	}
}

// Stats counts what happened to one raw batch.
type Stats struct {
	Events    int // events emitted
	Deduped   int // records suppressed as repeats
	Skipped   int // actions that do not add a chat item (tickers, removals)
	Unknown   int // unrecognized renderer discriminants
	Malformed int // records that failed to decode
}

// Normalize maps one raw batch of upstream action records into an ordered,
// de-duplicated event slice. Per-record failures are counted and skipped,
// never fatal to the batch. The returned events are stably sorted by
// timestamp, so equal timestamps keep upstream order.
func (n *Normalizer) Normalize(actions []json.RawMessage) ([]Event, Stats) {
	var (
		events []Event
		stats  Stats
	)
	for _, raw := range actions {
		var wrap struct {
			AddChatItem *struct {
				Item map[string]json.RawMessage `json:"item"`
			} `json:"addChatItemAction"`
		}
		if err := json.Unmarshal(raw, &wrap); err != nil {
			stats.Malformed++
			slog.Debug("malformed action record", slog.Any("err", err))
			continue
		}
		if wrap.AddChatItem == nil {
			// Ticker items, removals, and moderation commands arrive on the
			// same actions array; only item additions become events.
			stats.Skipped++
			slog.Debug("skipping non-item action", slog.String("keys", rawKeys(raw)))
			continue
		}
		for disc, body := range wrap.AddChatItem.Item {
			ev, ok, err := mapRenderer(disc, body)
			if err != nil {
				stats.Malformed++
				slog.Debug("dropping undecodable record",
					slog.String("renderer", disc), slog.Any("err", err))
				continue
			}
			if !ok {
				stats.Unknown++
				slog.Debug("dropping unknown renderer", slog.String("renderer", disc))
				continue
			}
			if n.seen.seen(ev.ID) {
				stats.Deduped++
				continue
			}
			ev.VideoID = n.videoID
			ev.Platform = PlatformYouTube
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TimestampUsec < events[j].TimestampUsec
	})
	// Running per-author counts are stamped in emission order, so within one
	// author the count never decreases across the delivered stream.
	for i := range events {
		n.counts[events[i].Author]++
		events[i].CommentCount = n.counts[events[i].Author]
	}
	stats.Events = len(events)
	return events, stats
}

// Upstream renderer shapes. One superset struct covers all recognized
// discriminants; absent fields stay at their zero values.
type itemRenderer struct {
	ID                      string        `json:"id"`
	Message                 *messageBody  `json:"message"`
	AuthorName              *simpleText   `json:"authorName"`
	TimestampUsec           string        `json:"timestampUsec"`
	AuthorExternalChannelID string        `json:"authorExternalChannelId"`
	AuthorBadges            []authorBadge `json:"authorBadges"`
	HeaderPrimaryText       *messageBody  `json:"headerPrimaryText"`
	Header                  *messageBody  `json:"header"`
	PurchaseAmountText      *simpleText   `json:"purchaseAmountText"`
}

// messageBody accepts both upstream text shapes: a scalar simpleText or an
// ordered run list mixing text and emoji fragments.
type messageBody struct {
	SimpleText string       `json:"simpleText"`
	Runs       []messageRun `json:"runs"`
}

type messageRun struct {
	Text  string    `json:"text"`
	Emoji *emojiRef `json:"emoji"`
}

type emojiRef struct {
	EmojiID       string   `json:"emojiId"`
	Shortcuts     []string `json:"shortcuts"`
	IsCustomEmoji bool     `json:"isCustomEmoji"`
}

type simpleText struct {
	SimpleText string `json:"simpleText"`
}

type authorBadge struct {
	Renderer badgeRenderer `json:"liveChatAuthorBadgeRenderer"`
}

type badgeRenderer struct {
	Tooltip       string `json:"tooltip"`
	Accessibility struct {
		AccessibilityData struct {
			Label string `json:"label"`
		} `json:"accessibilityData"`
	} `json:"accessibility"`
}

// mapRenderer dispatches one renderer record to its event kind. The second
// return is false for discriminants this mapping does not recognize; the
// upstream grows new renderer types over time and unrecognized ones must be
// dropped consciously, not guessed at.
func mapRenderer(disc string, raw json.RawMessage) (Event, bool, error) {
	var r itemRenderer
	if err := json.Unmarshal(raw, &r); err != nil {
		return Event{}, false, fmt.Errorf("decode %s: %w", disc, err)
	}

	ev := Event{
		ID:            r.ID,
		TimestampUsec: parseUsec(r.TimestampUsec),
		ChannelID:     r.AuthorExternalChannelID,
	}
	if r.AuthorName != nil {
		ev.Author = r.AuthorName.SimpleText
	}
	ev.Badges, ev.IsMember, ev.IsModerator, ev.IsVerified = badgeInfo(r.AuthorBadges)

	switch disc {
	case "liveChatTextMessageRenderer":
		ev.Kind = KindText
		ev.Runs = runsOf(r.Message)
		ev.Content = Flatten(ev.Runs)

	case "liveChatPaidMessageRenderer":
		ev.Kind = KindPaidContribution
		ev.Amount = amountOf(r.PurchaseAmountText)
		ev.Runs = runsOf(r.Message)
		ev.Content = Flatten(ev.Runs)

	case "liveChatPaidStickerRenderer":
		ev.Kind = KindPaidSticker
		ev.Amount = amountOf(r.PurchaseAmountText)
		ev.Content = fmt.Sprintf("Super Sticker (%s)", ev.Amount)

	case "liveChatMembershipItemRenderer":
		ev.IsMember = true
		ev.Runs = runsOf(r.Message)
		ev.Content = Flatten(ev.Runs)
		if r.HeaderPrimaryText != nil {
			ev.Kind = KindMembershipMilestone
			ev.MonthsText = Flatten(runsOf(r.HeaderPrimaryText))
			if ev.Content == "" {
				ev.Content = ev.MonthsText
			}
		} else {
			ev.Kind = KindMembershipWelcome
			if ev.Content == "" {
				ev.Content = "New member!"
			}
		}

	case "liveChatViewerEngagementMessageRenderer":
		ev.Kind = KindSystem
		ev.Author = "System"
		ev.Runs = runsOf(r.Message)
		ev.Content = Flatten(ev.Runs)

	case "liveChatSponsorshipsGiftPurchaseAnnouncementRenderer":
		ev.Kind = KindSystem
		ev.Runs = runsOf(r.Header)
		ev.Content = Flatten(ev.Runs)

	case "liveChatSponsorshipsGiftRedemptionAnnouncementRenderer":
		ev.Kind = KindMembershipWelcome
		ev.IsMember = true
		ev.Runs = runsOf(r.Message)
		ev.Content = Flatten(ev.Runs)

	default:
		return Event{}, false, nil
	}

	if ev.ID == "" {
		return Event{}, false, fmt.Errorf("%s record without id", disc)
	}
	ev.Content = SanitizeContent(ev.Content)
	ev.Author = SanitizeAuthor(ev.Author)
	return ev, true, nil
}

// runsOf converts an upstream message body into canonical runs. A scalar
// simpleText becomes a single text run; emoji fragments keep their id and
// first shortcut.
func runsOf(m *messageBody) []Run {
	if m == nil {
		return nil
	}
	if len(m.Runs) == 0 {
		if m.SimpleText == "" {
			return nil
		}
		return []Run{TextRun(m.SimpleText)}
	}
	runs := make([]Run, 0, len(m.Runs))
	for _, r := range m.Runs {
		if r.Emoji != nil {
			shortcut := ""
			if len(r.Emoji.Shortcuts) > 0 {
				shortcut = r.Emoji.Shortcuts[0]
			}
			runs = append(runs, EmojiRun(r.Emoji.EmojiID, shortcut))
			continue
		}
		runs = append(runs, TextRun(r.Text))
	}
	return runs
}

func amountOf(t *simpleText) string {
	if t == nil {
		return ""
	}
	return t.SimpleText
}

func parseUsec(s string) int64 {
	if s == "" {
		return 0
	}
	usec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		slog.Debug("unparseable timestampUsec", slog.String("value", s))
		return 0
	}
	return usec
}

// badgeInfo collects badge tooltips and derives the author flags. The
// upstream localizes badge text, so the Japanese variants seen in captures
// are matched alongside the English ones.
func badgeInfo(badges []authorBadge) (tooltips []string, member, moderator, verified bool) {
	for _, b := range badges {
		tooltip := b.Renderer.Tooltip
		label := b.Renderer.Accessibility.AccessibilityData.Label
		if tooltip != "" {
			tooltips = append(tooltips, tooltip)
		}
		for _, s := range []string{tooltip, label} {
			if strings.Contains(s, "Member") || strings.Contains(s, "メンバー") {
				member = true
			}
			if strings.Contains(s, "Moderator") || strings.Contains(s, "モデレーター") {
				moderator = true
			}
			if strings.Contains(s, "Verified") || strings.Contains(s, "認証") {
				verified = true
			}
		}
	}
	return tooltips, member, moderator, verified
}

func rawKeys(raw json.RawMessage) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
