// Package session drives the polling lifecycle of live broadcasts: a small
// state machine wrapped in a per-broadcast polling loop, and a manager that
// owns every loop behind a bounded slot pool. The state machine core is a
// pure function so the lifecycle rules stay testable without goroutines.
package session

import (
	"context"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/chat-tender/auth"
	"github.com/onnwee/chat-tender/continuation"
	"github.com/onnwee/chat-tender/innertube"
)

// State is one point in a session's lifecycle.
type State int

const (
	// StateIdle sessions hold no token yet; the page resolver runs here.
	StateIdle State = iota
	// StateFetching sessions have exactly one request in flight.
	StateFetching
	// StateDelivering sessions are handing a decoded batch to the sinks and
	// pacing the next fetch.
	StateDelivering
	// StateBackoff sessions are waiting out a retryable failure.
	StateBackoff
	// StateFailed is terminal unless the session is externally re-armed.
	StateFailed
	// StateClosed is the clean terminal state: end of stream or cancellation.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDelivering:
		return "delivering"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stepEvent is one input to the state machine. The polling loop derives
// these from fetch outcomes and external commands.
type stepEvent int

const (
	// evArm fires when the initial token is in hand, or when a terminal
	// session is restarted with a fresh one.
	evArm stepEvent = iota
	// evFetchOK fires on a fetch that returned a decodable batch.
	evFetchOK
	// evStreamEnd fires when the upstream reports the broadcast over.
	evStreamEnd
	// evRetryableFailure fires on a transient or rate-limited failure still
	// inside the retry budget.
	evRetryableFailure
	// evBudgetExhausted fires on a retryable failure past the budget.
	evBudgetExhausted
	// evFatalFailure fires on auth and continuation rejections, which are
	// never retried.
	evFatalFailure
	// evDelivered fires once a batch is handed off and the inter-poll delay
	// has elapsed.
	evDelivered
	// evBackoffElapsed fires when the backoff delay has elapsed.
	evBackoffElapsed
	// evClose fires on external close or parent shutdown.
	evClose
)

// transition is the state machine core: no clocks, no I/O, total over its
// inputs. Pairings outside the lifecycle keep the current state, so a
// misbehaving caller cannot drive a session anywhere undefined.
func transition(s State, ev stepEvent) State {
	switch ev {
	case evClose:
		return StateClosed
	case evArm:
		if s == StateIdle || s == StateFailed || s == StateClosed {
			return StateFetching
		}
	case evFetchOK:
		if s == StateFetching {
			return StateDelivering
		}
	case evStreamEnd:
		// The final batch may still carry events, so the end of the stream
		// is observed from Delivering as well as from the fetch itself.
		if s == StateFetching || s == StateDelivering {
			return StateClosed
		}
	case evRetryableFailure:
		if s == StateFetching {
			return StateBackoff
		}
	case evBudgetExhausted, evFatalFailure:
		// Idle is included: a failed page resolve never gets as far as a
		// first fetch.
		if s == StateIdle || s == StateFetching || s == StateDelivering {
			return StateFailed
		}
	case evDelivered:
		if s == StateDelivering {
			return StateFetching
		}
	case evBackoffElapsed:
		if s == StateBackoff {
			return StateFetching
		}
	}
	return s
}

// Policy bundles the retry and pacing knobs one session polls under.
type Policy struct {
	// Timeout is the per-request budget; a blown timeout counts as a
	// transient failure.
	Timeout time.Duration
	// MaxAttempts is how many consecutive retryable failures are waited out
	// before the session fails.
	MaxAttempts int
	// BackoffBase seeds the exponential retry delay.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
	// RateLimitFloor is the minimum wait after an explicit rate-limit
	// response, regardless of how few failures preceded it.
	RateLimitFloor time.Duration
	// DefaultInterval paces polls when the upstream suggests no interval.
	DefaultInterval time.Duration
}

// DefaultPolicy returns the stock knobs.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:         15 * time.Second,
		MaxAttempts:     5,
		BackoffBase:     2 * time.Second,
		BackoffMax:      60 * time.Second,
		RateLimitFloor:  30 * time.Second,
		DefaultInterval: 2 * time.Second,
	}
}

// PolicyFromEnv applies the POLL_* overrides on top of the defaults.
// Malformed values are ignored rather than fatal; the poll policy is a
// tuning surface, not correctness-critical config.
func PolicyFromEnv() Policy {
	p := DefaultPolicy()
	durEnv := func(key string, dst *time.Duration) {
		if s := os.Getenv(key); s != "" {
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	durEnv("POLL_TIMEOUT", &p.Timeout)
	durEnv("POLL_BACKOFF_BASE", &p.BackoffBase)
	durEnv("POLL_BACKOFF_MAX", &p.BackoffMax)
	durEnv("POLL_RATE_LIMIT_FLOOR", &p.RateLimitFloor)
	durEnv("POLL_DEFAULT_INTERVAL", &p.DefaultInterval)
	if s := os.Getenv("POLL_MAX_ATTEMPTS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			p.MaxAttempts = n
		}
	}
	return p
}

// backoffDelay computes the wait before retry n (1-based): the base doubles
// per consecutive failure with a random spread of up to one extra base on
// top, capped at BackoffMax. The doubling outpaces the spread, so successive
// delays never reorder.
func (p Policy) backoffDelay(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d <<= 1
		if d <= 0 || d > p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffBase > 0 {
		d += time.Duration(rand.Int63n(int64(p.BackoffBase)))
	}
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

// Bounds on the upstream's suggested poll interval. The suggestion is
// usually a few seconds; zero and absurd values get clamped, not trusted.
const (
	minPollInterval = 500 * time.Millisecond
	maxPollInterval = 60 * time.Second
)

// pollInterval converts a suggested timeoutMs into the wait before the next
// fetch.
func (p Policy) pollInterval(timeoutMs int64) time.Duration {
	if timeoutMs <= 0 {
		return p.DefaultInterval
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d < minPollInterval {
		return minPollInterval
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}

// Stats are the rolling counters one session accumulates. The latency
// average is exponentially weighted so long sessions carry no history.
type Stats struct {
	Requests   uint64  `json:"requests"`
	Successes  uint64  `json:"successes"`
	Failures   uint64  `json:"failures"`
	Events     uint64  `json:"events"`
	Deduped    uint64  `json:"deduped"`
	AvgFetchMs float64 `json:"avg_fetch_ms"`
}

// Snapshot is the externally visible view of one session, shaped for the
// control API. Tokens and credentials deliberately stay out of it.
type Snapshot struct {
	VideoID       string    `json:"video_id"`
	URL           string    `json:"url"`
	ChannelID     string    `json:"channel_id,omitempty"`
	State         string    `json:"state"`
	Mode          string    `json:"mode"`
	FailureReason string    `json:"failure_reason,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastEventUsec int64     `json:"last_event_usec,omitempty"`
	Stats         Stats     `json:"stats"`
}

// Checkpoint is the durable remainder of one session: enough to re-arm it
// after a restart. Credentials ride along so resumed sessions keep their
// identity; the store seals them before they touch disk.
type Checkpoint struct {
	VideoID       string
	URL           string
	Token         string
	Mode          continuation.Mode
	State         string
	LastEventUsec int64
	Credentials   auth.Credentials
	UpdatedAt     time.Time
}

// Store persists checkpoints and small key/value bootstrap facts. A nil
// store disables persistence without changing loop behavior.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoints(ctx context.Context) ([]Checkpoint, error)
	SetKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, error)
}

// Upstream is the slice of the wire client the polling loop needs. Tests
// substitute fakes; production hands in *innertube.Client.
type Upstream interface {
	FetchLiveChat(ctx context.Context, token string) (*innertube.FetchResult, error)
	ResolvePage(ctx context.Context, url string) (*innertube.Bootstrap, error)
	ResolveReload(ctx context.Context, reloadToken string) (*innertube.Bootstrap, error)
}

var _ Upstream = (*innertube.Client)(nil)
