// Package config loads environment variables into a typed Config used across
// the service. Defaults favor a local, anonymous setup so the binary runs
// with no environment at all; credentials, persistence, and the side features
// stay off until configured. Zero on a capacity knob means "use the owning
// package's default".
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/onnwee/chat-tender/auth"
	"github.com/onnwee/chat-tender/continuation"
)

// DefaultHTTPAddr binds the control surface to loopback. Exposing it wider
// is a deliberate choice; the server logs a warning when it sees one.
const DefaultHTTPAddr = "127.0.0.1:8765"

type Config struct {
	// Control surface
	HTTPAddr     string
	ControlToken string

	// Sessions
	WatchURLs     []string
	Mode          continuation.Mode
	MaxSessions   int
	DedupCapacity int
	AutoResume    bool

	// Upstream identity. Overrides win over page scrapes and the cached
	// copies in the kv store.
	InnertubeAPIKey        string
	InnertubeClientVersion string

	// Cookie material for member-only streams.
	Credentials auth.Credentials

	// Broadcast hub
	HubClientBuffer int

	// Sinks
	ArchivePath string
	RawPath     string
	RawMaxMB    int
	RawBackups  int

	// Persistence. An empty DSN disables checkpoints and the kv cache.
	DBDsn         string
	EncryptionKey string

	// Side features
	TwitchMirrorChannels []string
	YouTubeAPIKey        string

	// Debug
	EnablePprof bool
	PprofAddr   string
}

// Load reads environment variables and applies defaults. Absent optional
// variables disable their feature; present but malformed values fail loudly
// so a typo never silently runs with a default.
func Load() (*Config, error) {
	cfg := &Config{Mode: continuation.ModeTop}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	cfg.ControlToken = os.Getenv("CONTROL_TOKEN")

	cfg.WatchURLs = splitList(os.Getenv("WATCH_URLS"))
	if v := os.Getenv("CHAT_MODE"); v != "" {
		mode, err := continuation.ParseMode(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAT_MODE: %w", err)
		}
		cfg.Mode = mode
	}

	var err error
	if cfg.MaxSessions, err = intEnv("MAX_SESSIONS"); err != nil {
		return nil, err
	}
	if cfg.DedupCapacity, err = intEnv("DEDUP_CAPACITY"); err != nil {
		return nil, err
	}
	if cfg.HubClientBuffer, err = intEnv("HUB_CLIENT_BUFFER"); err != nil {
		return nil, err
	}
	cfg.AutoResume = boolEnv("AUTO_RESUME")

	cfg.InnertubeAPIKey = os.Getenv("INNERTUBE_API_KEY")
	cfg.InnertubeClientVersion = os.Getenv("INNERTUBE_CLIENT_VERSION")

	cfg.Credentials = auth.Credentials{
		RawCookie: os.Getenv("YT_COOKIES"),
		SID:       os.Getenv("YT_SID"),
		HSID:      os.Getenv("YT_HSID"),
		SSID:      os.Getenv("YT_SSID"),
		APISID:    os.Getenv("YT_APISID"),
		SAPISID:   os.Getenv("YT_SAPISID"),
	}

	cfg.ArchivePath = os.Getenv("CHAT_ARCHIVE_PATH")
	cfg.RawPath = os.Getenv("RAW_RESPONSE_PATH")
	if cfg.RawMaxMB, err = intEnv("RAW_RESPONSE_MAX_MB"); err != nil {
		return nil, err
	}
	if cfg.RawBackups, err = intEnv("RAW_RESPONSE_BACKUPS"); err != nil {
		return nil, err
	}

	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	cfg.TwitchMirrorChannels = splitList(os.Getenv("TWITCH_MIRROR_CHANNELS"))
	cfg.YouTubeAPIKey = os.Getenv("YOUTUBE_API_KEY")

	cfg.EnablePprof = boolEnv("ENABLE_PPROF")
	cfg.PprofAddr = os.Getenv("PPROF_ADDR")
	if cfg.PprofAddr == "" {
		cfg.PprofAddr = "127.0.0.1:6060"
	}

	return cfg, nil
}

// intEnv parses a non-negative integer knob; absent means zero, which every
// consumer treats as its own default.
func intEnv(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative integer", key, v)
	}
	return n, nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// splitList splits a comma-separated variable, trimming whitespace and
// dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
