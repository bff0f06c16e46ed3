package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
)

func (r *Relay) serveCDP(c *wsConn) {
	r.mu.Lock()
	_, ok := r.cdp.claim(c)
	r.mu.Unlock()
	if !ok {
		r.rejectDuplicate(c)
		return
	}

	slog.Info("cdp client connected", "conn_id", c.id, "remote", c.remote)
	c.readLoop(func(data []byte) { r.onCDPMessage(c, data) }, func() {
		r.mu.Lock()
		if r.cdp.release(c) {
			clear(r.inflight)
		}
		r.mu.Unlock()
		slog.Info("cdp client disconnected", "conn_id", c.id)
	})
}

func (r *Relay) onCDPMessage(c *wsConn, data []byte) {
	msg, err := protocol.ParseCDPClient(data)
	if err != nil {
		return
	}
	switch m := msg.(type) {
	case protocol.Probe:
		r.answerProbe(c, m)
	case protocol.CDPCommand:
		r.forwardCDPCommand(c, m)
	}
}

func (r *Relay) forwardCDPCommand(c *wsConn, cmd protocol.CDPCommand) {
	r.mu.Lock()
	ext := r.activeExtensionLocked()
	if ext == nil {
		r.mu.Unlock()
		_ = c.send(protocol.CDPError(cmd.ID, "", protocol.ExtensionNotConnectedMessage))
		return
	}
	if r.allowlist != nil {
		if _, ok := r.allowlist[cmd.Method]; !ok {
			r.mu.Unlock()
			_ = c.send(protocol.CDPError(cmd.ID, "", fmt.Sprintf("Method %s is not in allowlist", cmd.Method)))
			return
		}
	}
	if cmd.Method == target.CommandAttachToTarget {
		if tabID, ok := attachTargetTab(cmd.Params); ok {
			if _, owned := r.owned[tabID]; owned {
				r.mu.Unlock()
				slog.Warn("cdp attach blocked", "tab_id", tabID, "conn_id", c.id)
				r.publish(EventCDPAttachBlocked, c, strconv.FormatInt(tabID, 10))
				_ = c.send(protocol.CDPError(cmd.ID, protocol.CodeCDPAttachBlocked,
					fmt.Sprintf("Tab %d is owned by an ops session", tabID)))
				return
			}
		}
	}
	key := inflightKey(cmd.ID)
	r.inflight[key] = struct{}{}
	r.mu.Unlock()

	if err := ext.send(protocol.ForwardCDPCommand(cmd)); err != nil {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
		_ = c.send(protocol.CDPError(cmd.ID, "", protocol.ExtensionNotConnectedMessage))
	}
}

func (r *Relay) forwardCDPResponse(resp protocol.CDPResponse) {
	key := inflightKey(resp.ID)
	r.mu.Lock()
	_, known := r.inflight[key]
	delete(r.inflight, key)
	client := r.cdp.holder()
	r.mu.Unlock()
	if !known || client == nil {
		return
	}
	_ = client.send(resp.Raw)
}

func (r *Relay) forwardCDPEvent(ev protocol.CDPEvent) {
	r.mu.Lock()
	client := r.cdp.holder()
	r.mu.Unlock()
	if client == nil {
		return
	}
	_ = client.send(protocol.CDPEventFrame(ev))
}

// attachTargetTab maps an attach target id ("tab-<n>" or "<n>") to a tab id.
func attachTargetTab(params json.RawMessage) (int64, bool) {
	var p target.AttachToTargetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return 0, false
	}
	id := strings.TrimPrefix(string(p.TargetID), "tab-")
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func inflightKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}
