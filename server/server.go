// Package server exposes the control surface: health, status, metrics,
// session management, and the WebSocket/SSE broadcast endpoints. It includes
// permissive CORS for local tooling and injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chat-tender/hub"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/telemetry"
)

// Deps wires the collaborators the handlers need. DB and Meta are optional:
// a nil DB skips the readiness ping, a nil Meta disables snapshot
// enrichment. ControlToken left empty leaves the mutating routes open, which
// is the expected shape on the default loopback bind.
type Deps struct {
	Version      string
	Manager      *session.Manager
	Hub          *hub.Hub
	DB           *sql.DB
	Meta         MetadataResolver
	ControlToken string
}

// NewMux returns the HTTP handler with all routes.
func NewMux(deps Deps) http.Handler {
	handlers := NewHandlers(deps)

	mux := http.NewServeMux()

	// Metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health and readiness endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	// Daemon status
	mux.HandleFunc("/status", handlers.HandleStatus)

	// Session control endpoints
	mux.HandleFunc("/sessions", handlers.HandleSessions)
	mux.HandleFunc("/sessions/", handlers.HandleSessionDispatcher)

	// Broadcast endpoints
	mux.HandleFunc("/ws", handlers.HandleWS)
	mux.HandleFunc("/stream", handlers.HandleSSE)

	// Mutating session routes pass control auth; reads stay open. The
	// default bind is loopback, so requiring a token is opt-in.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/sessions") {
			controlAuth(mux, deps.ControlToken).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		// Start tracing span if enabled
		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPServerAttrs(r.Method, r.URL.Path, r.URL.String())...,
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		// Capture status code via custom ResponseWriter
		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
	})
	return withCORS(handler)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the WebSocket handshake take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("underlying response writer does not support hijacking")
}

// Start runs the control surface and shuts down gracefully on context
// cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	if !loopbackAddr(addr) {
		slog.Warn("control surface bound beyond loopback; set CONTROL_TOKEN if this is deliberate", slog.String("addr", addr))
	}

	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(deps),
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: /ws and /stream hold their connections open for
		// the life of the client.
		IdleTimeout: 60 * time.Second,
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

// loopbackAddr reports whether addr binds only a loopback interface. An
// unparseable or host-less addr counts as non-loopback so the warning errs
// toward firing.
func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
