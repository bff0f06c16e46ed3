package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
)

func annotationErrorCode(t *testing.T, msg map[string]any) string {
	t.Helper()
	payload, ok := msg["payload"].(map[string]any)
	if !ok {
		t.Fatalf("message has no payload: %v", msg)
	}
	return errorField(payload, "code")
}

func TestAnnotationValidationRejectsWithoutForwarding(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")
	ann := dial(t, r, "/annotation", "")

	invalid := []struct {
		frame  string
		wantID string
	}{
		{frame: `{"type":"annotationCommand","payload":{"version":2,"requestId":"a","command":"start"}}`, wantID: "a"},
		{frame: `{"type":"annotationCommand","payload":{"version":1,"requestId":7,"command":"start"}}`, wantID: "unknown"},
		{frame: `{"type":"annotationCommand","payload":{"version":1,"requestId":"b","command":"pause"}}`, wantID: "b"},
		{frame: `{"type":"annotationCommand","payload":{"version":1,"requestId":"c","command":"start","options":[1]}}`, wantID: "c"},
	}
	for _, tt := range invalid {
		ann.send(tt.frame)
		resp := ann.readJSON()
		if got := payloadField(resp, "requestId"); got != tt.wantID {
			t.Fatalf("requestId = %v; want %s", got, tt.wantID)
		}
		if code := annotationErrorCode(t, resp); code != "invalid_request" {
			t.Fatalf("code = %q; want invalid_request", code)
		}
	}

	ann.send(`{"type":"annotationCommand","payload":{"version":1,"requestId":"ok","command":"start"}}`)
	fwd := ext.readJSON()
	if payloadField(fwd, "requestId") != "ok" {
		t.Fatalf("first forwarded frame = %v; want the valid command", fwd)
	}
}

func TestAnnotationRoundTrip(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")
	ann := dial(t, r, "/annotation", "")

	ann.send(`{"type":"annotationCommand","payload":{"version":1,"requestId":"r1","command":"start","url":"https://a.test"}}`)
	ext.readJSON()

	ext.send(`{"type":"annotationEvent","payload":{"version":1,"requestId":"r1","event":"progress","message":"working"}}`)
	ev := ann.readJSON()
	if ev["type"] != "annotationEvent" || payloadField(ev, "event") != "progress" {
		t.Fatalf("event = %v", ev)
	}

	ext.send(`{"type":"annotationResponse","payload":{"version":1,"requestId":"r1","status":"ok","payload":{"n":1}}}`)
	resp := ann.readJSON()
	if payloadField(resp, "status") != "ok" {
		t.Fatalf("response = %v", resp)
	}

	// Late duplicates and unknown ids are dropped.
	ext.send(`{"type":"annotationResponse","payload":{"version":1,"requestId":"r1","status":"ok"}}`)
	ext.send(`{"type":"annotationEvent","payload":{"version":1,"requestId":"zzz","event":"ready"}}`)
	ann.expectSilence(200 * time.Millisecond)
}

func TestAnnotationCancelCreatesNoPendingState(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")
	ann := dial(t, r, "/annotation", "")

	ann.send(`{"type":"annotationCommand","payload":{"version":1,"requestId":"c1","command":"cancel"}}`)
	fwd := ext.readJSON()
	if payloadField(fwd, "command") != "cancel" {
		t.Fatalf("forwarded = %v", fwd)
	}
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending = %d; want 0", n)
	}
}

func TestAnnotationDuplicateStartRejected(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")
	ann := dial(t, r, "/annotation", "")

	start := `{"type":"annotationCommand","payload":{"version":1,"requestId":"d1","command":"start"}}`
	ann.send(start)
	ext.readJSON()
	ann.send(start)
	resp := ann.readJSON()
	if code := annotationErrorCode(t, resp); code != "invalid_request" {
		t.Fatalf("code = %q; want invalid_request", code)
	}
}

func TestAnnotationTimeoutFiresOnce(t *testing.T) {
	r := startTestRelay(t, Options{AnnotationTimeout: 100 * time.Millisecond})
	ext := connectExtension(t, r, "")
	ann := dial(t, r, "/annotation", "")

	ann.send(`{"type":"annotationCommand","payload":{"version":1,"requestId":"t1","command":"start"}}`)
	ext.readJSON()

	resp := ann.readJSON()
	if payloadField(resp, "requestId") != "t1" || payloadField(resp, "status") != "error" {
		t.Fatalf("response = %v", resp)
	}
	if code := annotationErrorCode(t, resp); code != "timeout" {
		t.Fatalf("code = %q; want timeout", code)
	}

	ext.send(`{"type":"annotationResponse","payload":{"version":1,"requestId":"t1","status":"ok"}}`)
	ann.send(`{"type":"ping","id":1}`)
	if next := ann.readJSON(); next["type"] != "pong" {
		t.Fatalf("next frame = %v; want pong", next)
	}
	ann.expectSilence(250 * time.Millisecond)
}

func TestAnnotationOversizedResponse(t *testing.T) {
	r := startTestRelay(t, Options{MaxPayloadBytes: 256})
	ext := connectExtension(t, r, "")
	ann := dial(t, r, "/annotation", "")

	ann.send(`{"type":"annotationCommand","payload":{"version":1,"requestId":"big","command":"start"}}`)
	ext.readJSON()

	blob := strings.Repeat("x", 512)
	ext.send(`{"type":"annotationResponse","payload":{"version":1,"requestId":"big","status":"ok","payload":{"blob":"` + blob + `"}}}`)
	resp := ann.readJSON()
	if code := annotationErrorCode(t, resp); code != "payload_too_large" {
		t.Fatalf("code = %q; want payload_too_large", code)
	}
	r.mu.Lock()
	_, still := r.pending["big"]
	r.mu.Unlock()
	if still {
		t.Fatalf("oversized response left pending state behind")
	}
}

func TestAnnotationClientDepartureCancelsPending(t *testing.T) {
	r := startTestRelay(t, Options{})
	ext := connectExtension(t, r, "")
	ann := dial(t, r, "/annotation", "")

	ann.send(`{"type":"annotationCommand","payload":{"version":1,"requestId":"gone","command":"start"}}`)
	ext.readJSON()
	_ = ann.conn.Close()

	cancel := ext.readJSON()
	if payloadField(cancel, "command") != "cancel" || payloadField(cancel, "requestId") != "gone" {
		t.Fatalf("extension frame = %v; want cancel for gone", cancel)
	}
}

func TestSecondAnnotationClientRejected(t *testing.T) {
	r := startTestRelay(t, Options{})
	dial(t, r, "/annotation", "")
	waitFor(t, "first annotation client", func() bool { return r.Health().AnnotationConnected })

	second := dial(t, r, "/annotation", "")
	second.expectClose(ws.StatusPolicyViolation)
}

func TestAnnotationWithoutExtension(t *testing.T) {
	r := startTestRelay(t, Options{})
	ann := dial(t, r, "/annotation", "")
	ann.send(`{"type":"annotationCommand","payload":{"version":1,"requestId":"n1","command":"start"}}`)
	if code := annotationErrorCode(t, ann.readJSON()); code != "relay_unavailable" {
		t.Fatalf("code = %q; want relay_unavailable", code)
	}
}
