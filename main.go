// Command chat-tender is the live-chat ingestion daemon. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres and runs idempotent migrations so
//     sessions can checkpoint and resume across restarts.
//   - Starts polling sessions for the configured watch URLs and re-arms
//     checkpointed ones when AUTO_RESUME is set.
//   - Mirrors Twitch IRC channels into the same event stream when configured.
//   - Exposes the control surface: /sessions, /ws, /stream, /healthz,
//     /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM; sessions write a final checkpoint
// before the process exits.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-tender/auth"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/hub"
	"github.com/onnwee/chat-tender/innertube"
	"github.com/onnwee/chat-tender/server"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/sink"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/twitch"
	"github.com/onnwee/chat-tender/youtubeapi"
)

const serviceVersion = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("chat-tender", serviceVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence is optional: without a DSN sessions run checkpoint-free and
	// the kv identity cache is skipped.
	var (
		database *sql.DB
		store    *db.Store
	)
	if cfg.DBDsn != "" {
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()

		// Versioned migrations first; fall back to the embedded bootstrap SQL
		// for databases created before the migration directory existed.
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
				slog.Any("err", err),
				slog.String("component", "db_migrate"))
			if err := db.Migrate(ctx, database); err != nil {
				slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
				os.Exit(1)
			}
			slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
		} else {
			slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
		}

		store, err = db.NewStore(database, cfg.EncryptionKey)
		if err != nil {
			slog.Error("checkpoint store init failed", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Info("DB_DSN not set; running without checkpoints")
	}

	// Broadcast hub plus optional file sinks. Every ingest path publishes
	// through the same fan-out.
	broadcast := hub.New(serviceVersion, cfg.HubClientBuffer)
	defer broadcast.Close()

	sinks := []sink.EventSink{broadcast}
	if cfg.ArchivePath != "" {
		archive, err := sink.OpenArchive(cfg.ArchivePath)
		if err != nil {
			slog.Error("failed to open chat archive", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := archive.Close(); err != nil {
				slog.Error("failed to close chat archive", slog.Any("err", err))
			}
		}()
		sinks = append(sinks, archive)
		slog.Info("archiving events", slog.String("path", cfg.ArchivePath))
	}
	var raw *sink.RawRecorder
	if cfg.RawPath != "" {
		raw = sink.NewRawRecorder(cfg.RawPath, cfg.RawMaxMB, cfg.RawBackups)
		slog.Info("recording raw responses", slog.String("path", cfg.RawPath))
	}

	mgrCfg := session.ManagerConfig{
		MaxSessions: cfg.MaxSessions,
		Policy:      session.PolicyFromEnv(),
		Credentials: cfg.Credentials,
		Sinks:       sinks,
		Raw:         raw,
		Upstream:    upstreamFactory(ctx, cfg, store),
		DedupCap:    cfg.DedupCapacity,
	}
	// Assign only a non-nil *Store: a typed nil inside the interface would
	// slip past the manager's nil checks.
	if store != nil {
		mgrCfg.Store = store
	}
	manager := session.NewManager(ctx, mgrCfg)

	if cfg.AutoResume {
		if err := manager.Resume(ctx); err != nil {
			slog.Warn("session resume failed", slog.Any("err", err))
		}
	}
	for _, url := range cfg.WatchURLs {
		snap, err := manager.Start(url, cfg.Mode)
		if err != nil {
			slog.Warn("autostart failed", slog.String("url", url), slog.Any("err", err))
			continue
		}
		slog.Info("session started", slog.String("video_id", snap.VideoID), slog.String("mode", snap.Mode))
	}

	if len(cfg.TwitchMirrorChannels) > 0 {
		mirror := twitch.NewMirror(cfg.TwitchMirrorChannels, sinks...)
		go mirror.Run(ctx)
	}

	// Metadata enrichment for session detail responses.
	var meta server.MetadataResolver
	if cfg.YouTubeAPIKey != "" {
		resolver, err := youtubeapi.NewResolver(ctx, cfg.YouTubeAPIKey)
		if err != nil {
			slog.Warn("metadata resolver disabled", slog.Any("err", err))
		} else {
			meta = resolver
			slog.Info("metadata enrichment enabled")
		}
	}

	// Sessions and hub clients move on their own goroutines; sample the
	// gauges on a tick instead of hooking every transition.
	go func() {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				telemetry.SetActiveSessions(manager.Active())
				_, clients := broadcast.Info()
				telemetry.SetHubClients(clients)
			}
		}
	}()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if cfg.EnablePprof {
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", cfg.PprofAddr))
			srv := &http.Server{
				Addr:              cfg.PprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	deps := server.Deps{
		Version:      serviceVersion,
		Manager:      manager,
		Hub:          broadcast,
		DB:           database,
		Meta:         meta,
		ControlToken: cfg.ControlToken,
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then give sessions time to write their
	// final checkpoints.
	<-ctx.Done()
	slog.Info("shutting down")
	manager.CloseAll(5 * time.Second)
}

// upstreamFactory builds the wire client each new session owns. Configured
// identity wins; empty fields warm-start from the kv cache so a restart can
// skip one page scrape, and the page resolver fills whatever remains.
func upstreamFactory(ctx context.Context, cfg *config.Config, store *db.Store) session.UpstreamFactory {
	return func(creds auth.Credentials) session.Upstream {
		client := &innertube.Client{
			APIKey:        cfg.InnertubeAPIKey,
			ClientVersion: cfg.InnertubeClientVersion,
			Credentials:   creds,
		}
		if store != nil {
			if client.APIKey == "" {
				if v, err := store.GetKV(ctx, session.KVAPIKey); err == nil {
					client.APIKey = v
				}
			}
			if client.ClientVersion == "" {
				if v, err := store.GetKV(ctx, session.KVClientVersion); err == nil {
					client.ClientVersion = v
				}
			}
		}
		return client
	}
}
