package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
)

func (r *Relay) serveAnnotation(c *wsConn) {
	r.mu.Lock()
	_, ok := r.annotation.claim(c)
	r.mu.Unlock()
	if !ok {
		r.rejectDuplicate(c)
		return
	}

	slog.Info("annotation client connected", "conn_id", c.id, "remote", c.remote)
	c.readLoop(func(data []byte) { r.onAnnotationMessage(c, data) }, func() { r.onAnnotationClosed(c) })
}

// onAnnotationClosed forgets the departed client's requests and asks the
// extension to stop working on them.
func (r *Relay) onAnnotationClosed(c *wsConn) {
	r.mu.Lock()
	if !r.annotation.release(c) {
		r.mu.Unlock()
		return
	}
	ids := r.drainPendingLocked()
	ext := r.activeExtensionLocked()
	r.mu.Unlock()

	slog.Info("annotation client disconnected", "conn_id", c.id, "cancelled", len(ids))
	for _, id := range ids {
		_ = ext.send(protocol.AnnotationCancel(id))
	}
}

func (r *Relay) onAnnotationMessage(c *wsConn, data []byte) {
	msg, err := protocol.ParseAnnotationClient(data)
	if err != nil {
		return
	}
	switch m := msg.(type) {
	case protocol.Probe:
		r.answerProbe(c, m)
	case protocol.AnnotationInvalid:
		_ = c.send(protocol.AnnotationError(m.RequestID, protocol.CodeInvalidRequest, m.Reason))
	case protocol.AnnotationCommand:
		r.forwardAnnotationCommand(c, m)
	}
}

func (r *Relay) forwardAnnotationCommand(c *wsConn, cmd protocol.AnnotationCommand) {
	r.mu.Lock()
	ext := r.activeExtensionLocked()
	if ext == nil {
		r.mu.Unlock()
		_ = c.send(protocol.AnnotationError(cmd.RequestID, protocol.CodeRelayUnavailable, "Extension not connected to relay"))
		return
	}
	if cmd.Command == protocol.AnnotationCommandStart {
		if _, dup := r.pending[cmd.RequestID]; dup {
			r.mu.Unlock()
			_ = c.send(protocol.AnnotationError(cmd.RequestID, protocol.CodeInvalidRequest, "Request already pending"))
			return
		}
		p := &pendingAnnotation{requestID: cmd.RequestID, createdAt: time.Now()}
		p.timer = time.AfterFunc(r.opts.AnnotationTimeout, func() { r.expireAnnotation(p) })
		r.pending[cmd.RequestID] = p
	}
	r.mu.Unlock()

	if err := ext.send(cmd.Raw); err != nil && cmd.Command == protocol.AnnotationCommandStart {
		r.mu.Lock()
		_, ok := r.takePendingLocked(cmd.RequestID, nil)
		r.mu.Unlock()
		if ok {
			_ = c.send(protocol.AnnotationError(cmd.RequestID, protocol.CodeRelayUnavailable, "Extension not connected to relay"))
		}
	}
}

// takePendingLocked is the single cleanup path for a pending request: it
// stops the timer and removes the entry. When want is non-nil the entry must
// be that exact request, which keeps a stale timer from clearing a newer one.
func (r *Relay) takePendingLocked(requestID string, want *pendingAnnotation) (*pendingAnnotation, bool) {
	p, ok := r.pending[requestID]
	if !ok || (want != nil && p != want) {
		return nil, false
	}
	delete(r.pending, requestID)
	p.timer.Stop()
	return p, true
}

func (r *Relay) drainPendingLocked() []string {
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		r.takePendingLocked(id, nil)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Relay) expireAnnotation(p *pendingAnnotation) {
	r.mu.Lock()
	_, ok := r.takePendingLocked(p.requestID, p)
	client := r.annotation.holder()
	r.mu.Unlock()
	if !ok {
		return
	}

	slog.Warn("annotation request timed out", "request_id", p.requestID, "age", time.Since(p.createdAt).String())
	r.publish(EventAnnotationTimeout, client, p.requestID)
	_ = client.send(protocol.AnnotationError(p.requestID, protocol.CodeTimeout, "Annotation request timed out"))
}

func (r *Relay) forwardAnnotationReply(reply protocol.AnnotationReply) {
	oversized := len(reply.Raw) > r.opts.MaxPayloadBytes

	r.mu.Lock()
	if _, ok := r.pending[reply.RequestID]; !ok {
		r.mu.Unlock()
		return
	}
	if reply.Terminal() || oversized {
		r.takePendingLocked(reply.RequestID, nil)
	}
	client := r.annotation.holder()
	r.mu.Unlock()

	frame := reply.Raw
	if oversized {
		slog.Warn("annotation payload too large", "request_id", reply.RequestID, "bytes", len(reply.Raw), "digest", payloadDigest(reply.Raw))
		frame = protocol.AnnotationError(reply.RequestID, protocol.CodePayloadTooLarge,
			fmt.Sprintf("Annotation payload exceeds %d bytes", r.opts.MaxPayloadBytes))
	}
	_ = client.send(frame)
}
