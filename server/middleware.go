// Package server middleware for control authentication and CORS.
package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// controlAuth protects the mutating session routes. With no token configured
// they stay open: the default bind is loopback and the trust boundary is the
// local host. Clients present the token either as an X-Control-Token header
// or as the basic-auth password (any username).
func controlAuth(next http.Handler, token string) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Control-Token")
		if presented == "" {
			_, presented, _ = r.BasicAuth()
		}
		if presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="chat-tender control"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("control auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

// withCORS applies permissive CORS. The control surface exists for local
// tooling, overlays, and dashboards served from other origins; restricting
// origins on a loopback bind would only break those.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Control-Token, X-Correlation-ID")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
