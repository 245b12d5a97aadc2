package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/auth"
	"github.com/onnwee/chat-tender/chat"
	"github.com/onnwee/chat-tender/continuation"
	"github.com/onnwee/chat-tender/innertube"
	"github.com/onnwee/chat-tender/sink"
	"github.com/onnwee/chat-tender/telemetry"
)

// healthWarnAfter is how long a session may go without a successful fetch
// before it logs a health warning.
const healthWarnAfter = 30 * time.Second

// Identity facts cached in the kv store after a successful page scrape, so
// the next boot survives extraction-pattern drift.
const (
	KVAPIKey        = "innertube_api_key"
	KVClientVersion = "innertube_client_version"
)

// ErrSwitchPending reports a mode switch arriving while another is queued.
var ErrSwitchPending = errors.New("session: mode switch already pending")

// ErrSessionDone reports a command sent to a session whose loop has exited.
var ErrSessionDone = errors.New("session: session no longer polling")

// modeSwitch asks the loop to change the view mode. reply receives exactly
// one result.
type modeSwitch struct {
	mode  continuation.Mode
	reply chan error
}

// Poller runs one broadcast's polling loop. Mutable fields are written only
// by the Run goroutine; the mutex makes them readable from snapshots and the
// manager.
type Poller struct {
	url      string
	upstream Upstream
	policy   Policy
	sinks    []sink.EventSink
	raw      *sink.RawRecorder // optional
	store    Store             // optional
	creds    auth.Credentials
	norm     *chat.Normalizer

	switches chan modeSwitch
	done     chan struct{}

	mu            sync.Mutex
	videoID       string
	channelID     string
	state         State
	mode          continuation.Mode
	failureReason string
	token         string
	reloadTokens  map[continuation.Mode]string
	startedAt     time.Time
	lastSuccess   time.Time
	lastEventUsec int64
	stats         Stats
}

// PollerConfig wires one session's collaborators.
type PollerConfig struct {
	URL         string
	VideoID     string
	Mode        continuation.Mode
	Token       string // optional; empty means bootstrap from the page
	Upstream    Upstream
	Policy      Policy
	Credentials auth.Credentials
	Sinks       []sink.EventSink
	Raw         *sink.RawRecorder
	Store       Store
	DedupCap    int
}

// NewPoller builds a session in StateIdle. Run drives it to a terminal
// state.
func NewPoller(cfg PollerConfig) *Poller {
	mode := cfg.Mode
	if mode == 0 {
		mode = continuation.ModeTop
	}
	return &Poller{
		url:       cfg.URL,
		upstream:  cfg.Upstream,
		policy:    cfg.Policy,
		sinks:     cfg.Sinks,
		raw:       cfg.Raw,
		store:     cfg.Store,
		creds:     cfg.Credentials,
		norm:      chat.NewNormalizer(cfg.VideoID, cfg.DedupCap),
		switches:  make(chan modeSwitch, 1),
		done:      make(chan struct{}),
		videoID:   cfg.VideoID,
		token:     cfg.Token,
		state:     StateIdle,
		mode:      mode,
		startedAt: time.Now(),
	}
}

// Run drives the session until it settles in Failed or Closed. It returns
// nil on a clean close (end of stream or cancellation) and the terminal
// error otherwise.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.done)
	defer p.drainSwitches()
	defer p.persistFinal()

	logger := slog.Default().With(slog.String("video_id", p.videoID), slog.String("component", "session"))

	if err := p.bootstrap(ctx, logger); err != nil {
		if ctx.Err() != nil {
			p.step(evClose, "")
			return nil
		}
		return err
	}

	p.step(evArm, "")
	logger.Info("session armed", slog.String("mode", p.Mode().String()))

	consecutive := 0         // retryable failures since the last success
	reloadRecovered := false // one rejected-token recovery per run
	healthWarned := false

	for {
		if ctx.Err() != nil {
			p.step(evClose, "")
			logger.Info("session closed", slog.String("cause", "canceled"))
			return nil
		}
		select {
		case sw := <-p.switches:
			p.handleSwitch(ctx, logger, sw)
		default:
		}
		p.warnIfStale(logger, &healthWarned)

		start := time.Now()
		telemetry.FetchesStarted.Inc()
		fctx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
		sctx, span := telemetry.StartSpan(fctx, "session", "live_chat.fetch",
			telemetry.SessionAttrs(p.videoID)...)
		res, err := p.upstream.FetchLiveChat(sctx, p.Token())
		telemetry.RecordError(span, err)
		if err == nil {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
		cancel()
		dur := time.Since(start)
		p.observeFetch(dur)

		if err != nil {
			telemetry.FetchesFailed.Inc()
			p.recordFailure()
			if ctx.Err() != nil {
				p.step(evClose, "")
				logger.Info("session closed", slog.String("cause", "canceled"))
				return nil
			}
			class := innertube.Classify(err)
			switch class {
			case innertube.ClassAuth:
				p.step(evFatalFailure, class.String())
				logger.Error("credentials rejected", slog.Any("err", err))
				return err
			case innertube.ClassContinuation:
				if !reloadRecovered {
					if rerr := p.remint(ctx); rerr == nil {
						reloadRecovered = true
						logger.Warn("continuation rejected; minted a fresh token", slog.Any("err", err))
						continue
					} else {
						logger.Warn("token recovery failed", slog.Any("err", rerr))
					}
				}
				p.step(evFatalFailure, class.String())
				logger.Error("continuation rejected", slog.Any("err", err))
				return err
			}
			consecutive++
			if consecutive > p.policy.MaxAttempts {
				p.step(evBudgetExhausted, class.String())
				logger.Error("retry budget exhausted", slog.Int("attempts", consecutive-1), slog.Any("err", err))
				return err
			}
			delay := p.policy.backoffDelay(consecutive)
			if class == innertube.ClassRateLimited {
				if delay < p.policy.RateLimitFloor {
					delay = p.policy.RateLimitFloor
				}
				var ue *innertube.UpstreamError
				if errors.As(err, &ue) && ue.RetryAfter > delay {
					delay = ue.RetryAfter
				}
			}
			p.step(evRetryableFailure, "")
			logger.Warn("fetch failed; backing off",
				slog.Any("err", err),
				slog.String("class", class.String()),
				slog.Int("attempt", consecutive),
				slog.Duration("delay", delay))
			if !p.wait(ctx, logger, delay) {
				p.step(evClose, "")
				logger.Info("session closed", slog.String("cause", "canceled"))
				return nil
			}
			p.step(evBackoffElapsed, "")
			continue
		}

		telemetry.FetchesSucceeded.Inc()
		telemetry.FetchDuration.Observe(dur.Seconds())
		consecutive = 0
		healthWarned = false
		p.recordSuccess()
		p.step(evFetchOK, "")

		if p.raw != nil && len(res.Raw) > 0 {
			p.raw.Record(res.Raw)
		}

		events, stats := p.norm.Normalize(res.Actions)
		telemetry.EventsEmitted.Add(float64(stats.Events))
		telemetry.EventsDeduped.Add(float64(stats.Deduped))
		telemetry.UnknownRenderers.Add(float64(stats.Unknown))
		for _, ev := range events {
			for _, s := range p.sinks {
				s.Publish(ev)
			}
		}
		p.recordBatch(events, stats)

		if res.Continuation != "" {
			p.setToken(res.Continuation)
		}
		p.checkpoint(ctx, logger)

		if res.Continuation == "" {
			p.step(evStreamEnd, "")
			logger.Info("stream ended", slog.Uint64("events", p.SnapshotStats().Events))
			return nil
		}

		if !p.wait(ctx, logger, p.policy.pollInterval(res.TimeoutMs)) {
			p.step(evClose, "")
			logger.Info("session closed", slog.String("cause", "canceled"))
			return nil
		}
		p.step(evDelivered, "")
	}
}

// bootstrap resolves the page into the initial token unless the session was
// seeded with one. A replay page is refused: its chat is a transcript, not a
// stream to poll.
func (p *Poller) bootstrap(ctx context.Context, logger *slog.Logger) error {
	if p.Token() != "" {
		return nil
	}
	b, err := p.upstream.ResolvePage(ctx, p.url)
	if err != nil {
		p.step(evFatalFailure, innertube.Classify(err).String())
		logger.Error("page resolve failed", slog.Any("err", err))
		return err
	}
	if b.IsReplay {
		p.step(evFatalFailure, "replay")
		logger.Error("broadcast is a replay; refusing to poll")
		return errors.New("broadcast is a replay")
	}
	if b.VideoID != "" && b.VideoID != p.videoID {
		logger.Warn("canonical video id differs from url", slog.String("canonical", b.VideoID))
	}

	p.mu.Lock()
	p.token = b.Continuation
	p.reloadTokens = b.ReloadTokens
	p.channelID = b.ChannelID
	want := p.mode
	p.mu.Unlock()

	// First-obtained tokens may already carry a mode or none at all; line
	// the token up with the requested view, by rewrite or reload. A stream
	// that can only offer its default view still gets polled.
	if got, ok := continuation.DecodeMode(b.Continuation); !ok || got != want {
		if err := p.applyMode(ctx, want); err != nil {
			logger.Warn("requested mode unavailable at bootstrap", slog.String("mode", want.String()), slog.Any("err", err))
		}
	}

	p.cacheIdentity(ctx, logger, b)
	return nil
}

// remint recovers from a rejected continuation by re-resolving a token: the
// mode's reload token when one is known, the full page otherwise.
func (p *Poller) remint(ctx context.Context) error {
	p.mu.Lock()
	reload := p.reloadTokens[p.mode]
	p.mu.Unlock()

	var b *innertube.Bootstrap
	var err error
	if reload != "" {
		b, err = p.upstream.ResolveReload(ctx, reload)
	} else {
		b, err = p.upstream.ResolvePage(ctx, p.url)
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.token = b.Continuation
	if len(b.ReloadTokens) > 0 {
		p.reloadTokens = b.ReloadTokens
	}
	p.mu.Unlock()
	return nil
}

// wait sleeps for d, applying mode switches that arrive mid-wait. It reports
// false when the context ended first.
func (p *Poller) wait(ctx context.Context, logger *slog.Logger, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case sw := <-p.switches:
			p.handleSwitch(ctx, logger, sw)
		case <-timer.C:
			return true
		}
	}
}

// handleSwitch applies one queued mode switch and acks its caller.
func (p *Poller) handleSwitch(ctx context.Context, logger *slog.Logger, sw modeSwitch) {
	err := p.applyMode(ctx, sw.mode)
	if err != nil {
		logger.Warn("mode switch failed", slog.String("mode", sw.mode.String()), slog.Any("err", err))
	} else {
		telemetry.ModeSwitches.Inc()
		logger.Info("mode switched", slog.String("mode", sw.mode.String()))
		p.checkpoint(ctx, logger)
	}
	sw.reply <- err
}

// applyMode changes the view mode: rewrite the embedded mode byte on the
// current token first, and only fall back to the heavier page reload when
// the token offers no rewritable record.
func (p *Poller) applyMode(ctx context.Context, mode continuation.Mode) error {
	p.mu.Lock()
	cur := p.mode
	token := p.token
	reload := p.reloadTokens[mode]
	p.mu.Unlock()

	if mode == cur {
		if got, ok := continuation.DecodeMode(token); ok && got == mode {
			return nil
		}
		// Requested mode already selected but not verifiable on the token;
		// fall through and stamp it properly.
	}

	if rewritten, err := continuation.SetMode(token, mode); err == nil {
		p.mu.Lock()
		p.token = rewritten
		p.mode = mode
		p.mu.Unlock()
		return nil
	}

	if reload == "" {
		return fmt.Errorf("token not rewritable and no reload token for %s", mode)
	}
	b, err := p.upstream.ResolveReload(ctx, reload)
	if err != nil {
		return fmt.Errorf("reload for %s: %w", mode, err)
	}
	p.mu.Lock()
	p.token = b.Continuation
	p.mode = mode
	if len(b.ReloadTokens) > 0 {
		p.reloadTokens = b.ReloadTokens
	}
	p.mu.Unlock()
	return nil
}

// RequestModeSwitch queues a mode change and waits for the loop to apply it.
// At most one switch may be pending at a time.
func (p *Poller) RequestModeSwitch(ctx context.Context, mode continuation.Mode) error {
	sw := modeSwitch{mode: mode, reply: make(chan error, 1)}
	select {
	case p.switches <- sw:
	case <-p.done:
		return ErrSessionDone
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrSwitchPending
	}
	select {
	case err := <-sw.reply:
		return err
	case <-p.done:
		return ErrSessionDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot reports the session's externally visible state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		VideoID:       p.videoID,
		URL:           p.url,
		ChannelID:     p.channelID,
		State:         p.state.String(),
		Mode:          p.mode.String(),
		FailureReason: p.failureReason,
		StartedAt:     p.startedAt,
		LastSuccessAt: p.lastSuccess,
		LastEventUsec: p.lastEventUsec,
		Stats:         p.stats,
	}
}

// SnapshotStats reports just the rolling counters.
func (p *Poller) SnapshotStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Checkpoint captures the session's durable remainder.
func (p *Poller) Checkpoint() Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Checkpoint{
		VideoID:       p.videoID,
		URL:           p.url,
		Token:         p.token,
		Mode:          p.mode,
		State:         p.state.String(),
		LastEventUsec: p.lastEventUsec,
		Credentials:   p.creds,
		UpdatedAt:     time.Now(),
	}
}

// Token returns the most recently received Main token.
func (p *Poller) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Mode returns the currently selected view mode.
func (p *Poller) Mode() continuation.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Done is closed once the polling loop has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Terminal reports whether the session has settled in Failed or Closed.
func (p *Poller) Terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateFailed || p.state == StateClosed
}

// step advances the state machine, recording the failure reason on fatal
// transitions.
func (p *Poller) step(ev stepEvent, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = transition(p.state, ev)
	if reason != "" {
		p.failureReason = reason
	}
}

func (p *Poller) setToken(tok string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = tok
}

// observeFetch folds one request into the rolling stats.
func (p *Poller) observeFetch(d time.Duration) {
	const alpha = 0.2
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Requests++
	ms := float64(d.Milliseconds())
	if p.stats.AvgFetchMs == 0 {
		p.stats.AvgFetchMs = ms
	} else {
		p.stats.AvgFetchMs = alpha*ms + (1-alpha)*p.stats.AvgFetchMs
	}
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Successes++
	p.lastSuccess = time.Now()
}

func (p *Poller) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Failures++
}

func (p *Poller) recordBatch(events []chat.Event, st chat.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Events += uint64(st.Events)
	p.stats.Deduped += uint64(st.Deduped)
	if n := len(events); n > 0 {
		if ts := events[n-1].TimestampUsec; ts > p.lastEventUsec {
			p.lastEventUsec = ts
		}
	}
}

// warnIfStale logs once when the session has gone too long without a
// successful fetch. The flag resets on the next success.
func (p *Poller) warnIfStale(logger *slog.Logger, warned *bool) {
	if *warned {
		return
	}
	p.mu.Lock()
	last := p.lastSuccess
	p.mu.Unlock()
	if !last.IsZero() && time.Since(last) > healthWarnAfter {
		logger.Warn("no successful fetch recently", slog.Duration("since", time.Since(last)))
		*warned = true
	}
}

// checkpoint persists the session's durable remainder. Persistence failures
// are logged and never interrupt polling.
func (p *Poller) checkpoint(ctx context.Context, logger *slog.Logger) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveCheckpoint(ctx, p.Checkpoint()); err != nil {
		logger.Warn("checkpoint save failed", slog.Any("err", err))
	}
}

// persistFinal records the terminal state after the loop exits. The run
// context is gone by then, so the write gets its own short deadline.
func (p *Poller) persistFinal() {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.store.SaveCheckpoint(ctx, p.Checkpoint()); err != nil {
		slog.Warn("final checkpoint save failed", slog.String("video_id", p.videoID), slog.Any("err", err))
	}
}

// cacheIdentity stores scrape-derived identity for the next boot; the
// extraction patterns drift and a stale key beats none.
func (p *Poller) cacheIdentity(ctx context.Context, logger *slog.Logger, b *innertube.Bootstrap) {
	if p.store == nil {
		return
	}
	if b.APIKey != "" {
		if err := p.store.SetKV(ctx, KVAPIKey, b.APIKey); err != nil {
			logger.Debug("identity cache write failed", slog.Any("err", err))
		}
	}
	if b.ClientVersion != "" {
		if err := p.store.SetKV(ctx, KVClientVersion, b.ClientVersion); err != nil {
			logger.Debug("identity cache write failed", slog.Any("err", err))
		}
	}
}

// drainSwitches fails any queued switch so its caller is not left waiting.
func (p *Poller) drainSwitches() {
	for {
		select {
		case sw := <-p.switches:
			sw.reply <- ErrSessionDone
		default:
			return
		}
	}
}
