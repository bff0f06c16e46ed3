package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/security"
)

// requestLogger logs every control-plane request. Discovery polling of
// /config and /status is frequent, so successful hits there log at debug.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		level := slog.LevelInfo
		if ww.Status() < 400 && (r.URL.Path == "/config" || r.URL.Path == "/status") {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"origin", r.Header.Get("Origin"),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// rateLimitHTTP applies the per-IP HTTP budget, independent of the
// WebSocket handshake budget.
func (r *Relay) rateLimitHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.httpLimit.Allow(security.ClientKey(req.RemoteAddr)) {
			writeJSONError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "Too many requests")
			return
		}
		next.ServeHTTP(w, req)
	})
}

type accessRule int

const (
	// accessDiscovery admits anything that is not a foreign web page.
	accessDiscovery accessRule = iota
	// accessTrusted admits only the extension, an opaque "null" origin, or a
	// loopback caller that sends no Origin at all.
	accessTrusted
)

func (r *Relay) originAllowed(rule accessRule, origin, remote string) bool {
	switch {
	case r.origins.IsExtensionOrigin(origin), origin == "null":
		return true
	case origin == "":
		return rule == accessDiscovery || security.IsLoopbackRemote(remote)
	case rule == accessDiscovery:
		return security.IsLoopbackOrigin(origin)
	}
	return false
}

// accessControl enforces the origin rule for known paths and answers CORS
// preflights. Unknown paths fall through to the router's 404.
func (r *Relay) accessControl(rules map[string]accessRule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rule, known := rules[req.URL.Path]
			if !known {
				next.ServeHTTP(w, req)
				return
			}
			origin := req.Header.Get("Origin")
			if !r.originAllowed(rule, origin, req.RemoteAddr) {
				writeJSONError(w, http.StatusForbidden, protocol.CodeOriginBlocked, "Origin not allowed")
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			if origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			if req.Method != http.MethodOptions {
				next.ServeHTTP(w, req)
				return
			}
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			if req.Header.Get("Access-Control-Request-Private-Network") == "true" {
				h.Set("Access-Control-Allow-Private-Network", "true")
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
