// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	FetchesStarted   prometheus.Counter
	FetchesSucceeded prometheus.Counter
	FetchesFailed    prometheus.Counter
	EventsEmitted    prometheus.Counter
	EventsDeduped    prometheus.Counter
	UnknownRenderers prometheus.Counter
	ModeSwitches     prometheus.Counter
	HubDisconnects   prometheus.Counter

	// Histograms (seconds)
	FetchDuration prometheus.Observer

	// Gauges
	ActiveSessionsGauge prometheus.Gauge
	HubClientsGauge     prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		FetchesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_fetches_started_total", Help: "Number of live-chat fetches started"})
		FetchesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_fetches_succeeded_total", Help: "Number of live-chat fetches succeeded"})
		FetchesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_fetches_failed_total", Help: "Number of live-chat fetches failed"})
		EventsEmitted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_emitted_total", Help: "Number of chat events emitted to sinks"})
		EventsDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_deduped_total", Help: "Number of chat records suppressed as repeats"})
		UnknownRenderers = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_unknown_renderers_total", Help: "Number of unrecognized renderer discriminants dropped"})
		ModeSwitches = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_mode_switches_total", Help: "Number of view mode switches applied"})
		HubDisconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_hub_disconnects_total", Help: "Number of consumers disconnected for falling behind"})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_fetch_duration_seconds", Help: "Live-chat fetch duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_sessions_active", Help: "Current number of polling sessions"})
		HubClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_hub_clients", Help: "Current number of connected broadcast consumers"})
	})
}

// SetActiveSessions records the current polling session count.
func SetActiveSessions(n int) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Set(float64(n))
	}
}

// SetHubClients records the current broadcast consumer count.
func SetHubClients(n int) {
	if HubClientsGauge != nil {
		HubClientsGauge.Set(float64(n))
	}
}

// IncHubDisconnects counts a consumer dropped for falling behind.
func IncHubDisconnects() {
	if HubDisconnects != nil {
		HubDisconnects.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
