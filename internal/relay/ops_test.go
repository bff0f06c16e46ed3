package relay

import (
	"strings"
	"testing"
	"time"
)

// opsHello sends ops_hello and returns the client id the extension saw.
func opsHello(t *testing.T, ops, ext *testClient) string {
	t.Helper()
	ops.send(`{"type":"ops_hello","requestId":"h"}`)
	fwd := ext.readJSON()
	if fwd["type"] != "ops_hello" {
		t.Fatalf("forwarded = %v; want ops_hello", fwd)
	}
	id, _ := fwd["clientId"].(string)
	if id == "" {
		t.Fatalf("forwarded hello has no clientId: %v", fwd)
	}
	return id
}

func TestOpsRequestsAreTaggedAndRepliesRouted(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")
	a := dial(t, r, "/ops", "")
	b := dial(t, r, "/ops", "")

	idA := opsHello(t, a, ext)
	idB := opsHello(t, b, ext)
	if idA == idB {
		t.Fatalf("ops clients share id %s", idA)
	}

	ext.send(`{"type":"ops_response","clientId":"` + idB + `","requestId":"q","ok":true}`)
	resp := b.readJSON()
	if resp["requestId"] != "q" {
		t.Fatalf("routed = %v", resp)
	}
	if _, tagged := resp["clientId"]; tagged {
		t.Fatalf("clientId leaked to ops client: %v", resp)
	}
	a.expectSilence(100 * time.Millisecond)
}

func TestOpsInvalidType(t *testing.T) {
	r := startTestRelay(t, Options{})
	connectExtension(t, r, "")
	ops := dial(t, r, "/ops", "")

	ops.send(`{"type":"ops_response","requestId":"x"}`)
	resp := ops.readJSON()
	if resp["type"] != "ops_error" || errorField(resp, "code") != "invalid_request" || resp["requestId"] != "x" {
		t.Fatalf("response = %v", resp)
	}
}

func TestOpsPayloadTooLarge(t *testing.T) {
	r := startTestRelay(t, Options{MaxPayloadBytes: 128})
	connectExtension(t, r, "")
	ops := dial(t, r, "/ops", "")

	ops.send(`{"type":"ops_request","requestId":"big","data":"` + strings.Repeat("y", 256) + `"}`)
	resp := ops.readJSON()
	if errorField(resp, "code") != "payload_too_large" {
		t.Fatalf("response = %v; want payload_too_large", resp)
	}
}

func TestOpsWithoutExtension(t *testing.T) {
	r := startTestRelay(t, Options{})
	ops := dial(t, r, "/ops", "")
	ops.send(`{"type":"ops_request","requestId":"r"}`)
	if resp := ops.readJSON(); errorField(resp, "code") != "ops_unavailable" {
		t.Fatalf("response = %v; want ops_unavailable", resp)
	}
}

func TestOpsDisconnectNotifiesExtension(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")
	ops := dial(t, r, "/ops", "")
	id := opsHello(t, ops, ext)

	_ = ops.conn.Close()
	notice := ext.readJSON()
	if notice["type"] != "ops_event" || notice["event"] != "ops_client_disconnected" || notice["clientId"] != id {
		t.Fatalf("notice = %v", notice)
	}
}

func TestOpsOwnershipBlocksCDPAttach(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")
	ops := dial(t, r, "/ops", "")
	cdp := dial(t, r, "/cdp", "")
	id := opsHello(t, ops, ext)

	ext.send(`{"type":"ops_event","clientId":"` + id + `","event":"session_created","opsSessionId":"s1","payload":{"tabId":123}}`)
	ops.readJSON()

	cdp.send(`{"id":1,"method":"Target.attachToTarget","params":{"targetId":"tab-123","flatten":true}}`)
	resp := cdp.readJSON()
	if resp["id"] != float64(1) || errorField(resp, "code") != "cdp_attach_blocked" {
		t.Fatalf("response = %v; want cdp_attach_blocked", resp)
	}

	ext.send(`{"type":"ops_event","clientId":"` + id + `","event":"session_closed","opsSessionId":"s1","payload":{"tabId":"123"}}`)
	ops.readJSON()

	cdp.send(`{"id":2,"method":"Target.attachToTarget","params":{"targetId":"tab-123","flatten":true}}`)
	fwd := ext.readJSON()
	if fwd["method"] != "forwardCDPCommand" || fwd["id"] != float64(2) {
		t.Fatalf("forwarded = %v; want attach id 2", fwd)
	}
}

func TestOpsEventOwnershipWithoutClients(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")

	ext.send(`{"type":"ops_event","clientId":"nobody","event":"session_created","payload":{"tabId":5}}`)
	waitFor(t, "owned tab", func() bool { return r.OwnedTabs() == 1 })
	ext.send(`{"type":"ops_event","clientId":"nobody","event":"tab_closed","payload":{"tabId":5}}`)
	waitFor(t, "released tab", func() bool { return r.OwnedTabs() == 0 })
}
