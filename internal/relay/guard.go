package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/security"
)

func channelForPath(path string) (channelKind, bool) {
	switch path {
	case "/extension":
		return kindExtension, true
	case "/cdp":
		return kindCDP, true
	case "/annotation":
		return kindAnnotation, true
	case "/ops":
		return kindOps, true
	}
	return "", false
}

func isUpgradeRequest(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

// ServeHTTP routes WebSocket upgrades through the transport guard and
// everything else to the HTTP control plane.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if isUpgradeRequest(req) {
		r.serveUpgrade(w, req)
		return
	}
	r.router.ServeHTTP(w, req)
}

func (r *Relay) serveUpgrade(w http.ResponseWriter, req *http.Request) {
	kind, ok := channelForPath(req.URL.Path)
	if !ok {
		destroy(w)
		return
	}
	if status, err := r.checkUpgrade(kind, req); err != nil {
		code, msg := protocol.CodeOf(err), protocol.MessageOf(err)
		slog.Warn("relay: upgrade rejected", "channel", kind, "remote", req.RemoteAddr, "status", status, "reason", code)
		if kind == kindExtension && (code == protocol.CodeRateLimited || code == protocol.CodeOriginBlocked) {
			r.recordHandshakeError(code, msg)
		}
		r.broker.Publish(Event{Type: EventHandshakeFailed, Channel: string(kind), Remote: req.RemoteAddr, Detail: code})
		w.Header().Set("Connection", "close")
		writeJSONError(w, status, code, msg)
		return
	}

	conn, rw, _, err := ws.HTTPUpgrader{}.Upgrade(req, w)
	if err != nil {
		slog.Debug("relay: upgrade failed", "channel", kind, "remote", req.RemoteAddr, "error", err)
		return
	}
	c := newWSConn(kind, req.RemoteAddr, conn, rw, r.opts.WriteTimeout)

	r.loops.Add(1)
	defer r.loops.Done()
	switch kind {
	case kindExtension:
		r.serveExtension(c)
	case kindCDP:
		r.serveCDP(c)
	case kindAnnotation:
		r.serveAnnotation(c)
	case kindOps:
		r.serveOps(c)
	}
}

// checkUpgrade applies, in order, the handshake rate limit, the origin rule
// and the query token. A nil error means the upgrade may proceed; otherwise
// the returned status and coded error describe the rejection.
func (r *Relay) checkUpgrade(kind channelKind, req *http.Request) (int, error) {
	if !r.wsLimit.Allow(security.ClientKey(req.RemoteAddr)) {
		return http.StatusTooManyRequests, protocol.NewError(protocol.CodeRateLimited, "Too many connection attempts", nil)
	}

	origin := req.Header.Get("Origin")
	if kind == kindExtension {
		if !r.origins.IsExtensionOrigin(origin) {
			return http.StatusForbidden, protocol.NewError(protocol.CodeOriginBlocked, "Extension origin required", nil)
		}
		return 0, nil
	}
	if !r.origins.IsExtensionOrigin(origin) && (origin != "" || !security.IsLoopbackRemote(req.RemoteAddr)) {
		return http.StatusForbidden, protocol.NewError(protocol.CodeOriginBlocked, "Origin not allowed", nil)
	}

	if token := r.opts.PairingToken; token != "" {
		if !security.TokenEqual(req.URL.Query().Get("token"), token) {
			return http.StatusUnauthorized, protocol.NewError(protocol.CodeUnauthorized, "Missing or invalid pairing token", nil)
		}
	}
	return 0, nil
}

// destroy drops the underlying connection without writing a response.
func destroy(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		writeJSONError(w, http.StatusNotFound, protocol.CodeNotFound, "Not found")
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

func (r *Relay) recordHandshakeError(code, msg string) {
	r.mu.Lock()
	r.lastHandshake = &HandshakeError{Code: code, Message: msg, At: time.Now().UnixMilli()}
	r.mu.Unlock()
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: code, Message: msg}); err != nil {
		slog.Debug("error response write failed", "error", err)
	}
}

// rejectDuplicate upgrades a second raw-forward or annotation client only to
// close it with a policy violation.
func (r *Relay) rejectDuplicate(c *wsConn) {
	slog.Warn("relay: duplicate client rejected", "channel", c.kind, "remote", c.remote)
	r.publish(EventChannelRejected, c, "slot occupied")
	c.closeWith(ws.StatusPolicyViolation, "Only one client allowed")
	c.readLoop(func([]byte) {}, func() {})
}
