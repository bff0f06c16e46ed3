package relay

import (
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
)

func (r *Relay) serveOps(c *wsConn) {
	r.mu.Lock()
	r.ops[c.id] = c
	r.mu.Unlock()

	slog.Info("ops client connected", "client_id", c.id, "remote", c.remote)
	r.publish(EventOpsClientConnected, c, c.id)
	c.readLoop(func(data []byte) { r.onOpsMessage(c, data) }, func() { r.onOpsClosed(c) })
}

func (r *Relay) onOpsClosed(c *wsConn) {
	r.mu.Lock()
	if _, ok := r.ops[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.ops, c.id)
	ext := r.activeExtensionLocked()
	r.mu.Unlock()

	slog.Info("ops client disconnected", "client_id", c.id)
	r.publish(EventOpsClientDisconnected, c, c.id)
	if ext != nil {
		_ = ext.send(protocol.OpsClientDisconnected(c.id))
	}
}

func (r *Relay) onOpsMessage(c *wsConn, data []byte) {
	msg, err := protocol.ParseOpsClient(data)
	if err != nil {
		return
	}
	switch m := msg.(type) {
	case protocol.Probe:
		r.answerProbe(c, m)
	case protocol.OpsInvalid:
		_ = c.send(protocol.OpsError(m.RequestID, protocol.CodeInvalidRequest, fmt.Sprintf("Unsupported ops message type %q", m.Type)))
	case protocol.OpsRequest:
		r.forwardOpsRequest(c, m, len(data))
	}
}

func (r *Relay) forwardOpsRequest(c *wsConn, req protocol.OpsRequest, size int) {
	if size > r.opts.MaxPayloadBytes {
		slog.Warn("ops payload too large", "client_id", c.id, "bytes", size)
		_ = c.send(protocol.OpsError(req.RequestID, protocol.CodePayloadTooLarge,
			fmt.Sprintf("Ops payload exceeds %d bytes", r.opts.MaxPayloadBytes)))
		return
	}

	r.mu.Lock()
	ext := r.activeExtensionLocked()
	r.mu.Unlock()
	if ext == nil {
		_ = c.send(protocol.OpsError(req.RequestID, protocol.CodeOpsUnavailable, "Extension not connected to relay"))
		return
	}
	if err := ext.send(req.Tagged(c.id)); err != nil {
		_ = c.send(protocol.OpsError(req.RequestID, protocol.CodeOpsUnavailable, "Extension not connected to relay"))
	}
}

// routeOpsReply updates tab ownership from session events and delivers the
// reply to the ops client it names.
func (r *Relay) routeOpsReply(reply protocol.OpsReply) {
	r.mu.Lock()
	if reply.Type == protocol.TypeOpsEvent && reply.HasTab {
		switch reply.Event {
		case protocol.OpsEventSessionCreated:
			r.owned[reply.TabID] = struct{}{}
		case protocol.OpsEventSessionClosed, protocol.OpsEventSessionExpired, protocol.OpsEventTabClosed:
			delete(r.owned, reply.TabID)
		}
	}
	if len(r.ops) == 0 {
		r.mu.Unlock()
		return
	}
	client := r.ops[reply.ClientID]
	r.mu.Unlock()
	if client == nil {
		return
	}
	_ = client.send(reply.ClientFrame())
}

// OwnedTabs returns the number of tabs currently claimed by ops sessions.
func (r *Relay) OwnedTabs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owned)
}
