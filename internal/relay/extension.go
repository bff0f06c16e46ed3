package relay

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gobwas/ws"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/security"
)

// detached collects the connections and pending requests orphaned when the
// extension goes away, so they can be notified after Relay.mu is released.
type detached struct {
	cdp        *wsConn
	annotation *wsConn
	pendingIDs []string
	ops        []*wsConn
}

func (d detached) notify() {
	if d.cdp != nil {
		d.cdp.closeWith(ws.StatusInternalServerError, "Extension disconnected")
	}
	for _, id := range d.pendingIDs {
		if err := d.annotation.send(protocol.AnnotationError(id, protocol.CodeRelayUnavailable, "Extension disconnected from relay")); err != nil {
			slog.Debug("relay: annotation unavailable notice failed", "request_id", id, "error", err)
		}
	}
	for _, c := range d.ops {
		_ = c.send(protocol.OpsError("", protocol.CodeOpsUnavailable, "Extension disconnected from relay"))
	}
}

// detachExtensionLocked clears every table tied to the departing extension.
func (r *Relay) detachExtensionLocked() detached {
	d := detached{annotation: r.annotation.holder(), pendingIDs: r.drainPendingLocked()}
	if c := r.cdp.holder(); c != nil {
		r.cdp.release(c)
		d.cdp = c
	}
	for _, c := range r.ops {
		d.ops = append(d.ops, c)
	}
	r.handshakeDone = false
	r.tab = nil
	clear(r.inflight)
	clear(r.owned)
	return d
}

func (r *Relay) serveExtension(c *wsConn) {
	r.mu.Lock()
	evicted, _ := r.extension.claim(c)
	var orphaned detached
	if evicted != nil {
		orphaned = r.detachExtensionLocked()
	}
	r.mu.Unlock()

	if evicted != nil {
		slog.Info("extension replaced", "old_conn", evicted.id, "new_conn", c.id, "remote", c.remote)
		evicted.closeWith(ws.StatusNormalClosure, "Replaced by a new extension connection")
		orphaned.notify()
		r.publish(EventExtensionReplaced, evicted, "")
	}
	slog.Info("extension connected", "conn_id", c.id, "remote", c.remote)
	r.publish(EventExtensionConnected, c, "")

	if r.opts.KeepaliveInterval > 0 {
		go r.keepalive(c)
	}
	c.readLoop(func(data []byte) { r.onExtensionMessage(c, data) }, func() { r.onExtensionClosed(c) })
}

func (r *Relay) keepalive(c *wsConn) {
	ticker := time.NewTicker(r.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				if !errors.Is(err, errConnClosed) {
					slog.Warn("extension keepalive failed", "conn_id", c.id, "error", err)
				}
				c.abort()
				return
			}
		}
	}
}

func (r *Relay) onExtensionClosed(c *wsConn) {
	r.mu.Lock()
	if !r.extension.release(c) {
		r.mu.Unlock()
		return
	}
	orphaned := r.detachExtensionLocked()
	r.mu.Unlock()

	slog.Info("extension disconnected", "conn_id", c.id, "pending_annotations", len(orphaned.pendingIDs))
	orphaned.notify()
	r.publish(EventExtensionDisconnected, c, "")
}

func (r *Relay) onExtensionMessage(c *wsConn, data []byte) {
	msg, err := protocol.ParseExtension(data)
	if err != nil {
		slog.Debug("relay: dropped extension frame", "bytes", len(data), "digest", payloadDigest(data))
		return
	}
	switch m := msg.(type) {
	case protocol.Probe:
		r.answerProbe(c, m)
		return
	case protocol.Handshake:
		r.onHandshake(c, m)
		return
	case protocol.HandshakeInvalid:
		r.failHandshake(c, protocol.NewError(protocol.CodeHandshakeInvalid, m.Reason, nil))
		return
	}

	r.mu.Lock()
	active := r.activeExtensionLocked() == c
	r.mu.Unlock()
	if !active {
		return
	}
	switch m := msg.(type) {
	case protocol.CDPEvent:
		r.forwardCDPEvent(m)
	case protocol.CDPResponse:
		r.forwardCDPResponse(m)
	case protocol.AnnotationReply:
		r.forwardAnnotationReply(m)
	case protocol.OpsReply:
		r.routeOpsReply(m)
	}
}

// checkPairing verifies the handshake token when pairing is configured.
func (r *Relay) checkPairing(hs protocol.Handshake) error {
	token := r.opts.PairingToken
	switch {
	case token == "":
		return nil
	case hs.PairingToken == "":
		return protocol.NewError(protocol.CodePairingMissing, "Pairing token required", nil)
	case !security.TokenEqual(hs.PairingToken, token):
		return protocol.NewError(protocol.CodePairingInvalid, "Pairing token invalid", nil)
	}
	return nil
}

func (r *Relay) onHandshake(c *wsConn, hs protocol.Handshake) {
	if err := r.checkPairing(hs); err != nil {
		r.failHandshake(c, err)
		return
	}

	r.mu.Lock()
	if r.extension.holder() != c {
		r.mu.Unlock()
		return
	}
	r.handshakeDone = true
	r.lastHandshake = nil
	r.tab = &TabInfo{TabID: hs.TabID, URL: hs.URL, Title: hs.Title, GroupID: hs.GroupID}
	ack := protocol.HandshakeAck(protocol.HandshakeAckPayload{
		InstanceID:      r.identity.InstanceID,
		RelayPort:       r.port,
		PairingRequired: r.PairingRequired(),
		Epoch:           r.identity.Epoch,
	})
	r.mu.Unlock()

	slog.Info("extension handshake complete", "conn_id", c.id, "tab_id", hs.TabID, "url", hs.URL)
	r.publish(EventHandshakeOK, c, "")
	if err := c.send(ack); err != nil {
		slog.Warn("handshake ack failed", "conn_id", c.id, "error", err)
	}
}

// failHandshake records err as the last handshake error, frees the slot and
// closes the socket with a policy violation.
func (r *Relay) failHandshake(c *wsConn, err error) {
	code, msg := protocol.CodeOf(err), protocol.MessageOf(err)
	r.mu.Lock()
	r.lastHandshake = &HandshakeError{Code: code, Message: msg, At: time.Now().UnixMilli()}
	var orphaned detached
	released := r.extension.release(c)
	if released {
		orphaned = r.detachExtensionLocked()
	}
	r.mu.Unlock()

	slog.Warn("extension handshake failed", "conn_id", c.id, "remote", c.remote, "code", code)
	r.publish(EventHandshakeFailed, c, code)
	c.closeWith(ws.StatusPolicyViolation, msg)
	if released {
		orphaned.notify()
	}
}
