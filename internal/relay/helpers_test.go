package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const testExtensionOrigin = "chrome-extension://testext"

func startTestRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	r := New(opts, nil)
	if err := r.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, r *Relay, path, origin string) *testClient {
	t.Helper()
	c, err := tryDial(r, path, origin)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	c.t = t
	t.Cleanup(func() { _ = c.conn.Close() })
	return c
}

func tryDial(r *Relay, path, origin string) (*testClient, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	d := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header), Timeout: 2 * time.Second}
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", r.Port(), path)
	conn, br, _, err := d.Dial(context.Background(), url)
	if err != nil {
		return nil, err
	}
	var reader io.Reader = conn
	if br != nil {
		reader = io.MultiReader(br, conn)
	}
	return &testClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{reader, conn}}, nil
}

// connectExtension dials /extension and completes the handshake.
func connectExtension(t *testing.T, r *Relay, token string) *testClient {
	t.Helper()
	ext := dial(t, r, "/extension", testExtensionOrigin)
	payload := map[string]any{"tabId": 7, "url": "https://example.test", "title": "Example"}
	if token != "" {
		payload["pairingToken"] = token
	}
	ext.sendJSON(map[string]any{"type": "handshake", "payload": payload})
	ack := ext.readJSON()
	if ack["type"] != "handshakeAck" {
		t.Fatalf("first extension frame = %v; want handshakeAck", ack)
	}
	return ext
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) sendJSON(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	c.send(string(data))
}

func (c *testClient) readFrame(timeout time.Duration) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			return nil, err
		}
		if op == ws.OpText || op == ws.OpBinary {
			return data, nil
		}
	}
}

func (c *testClient) read() []byte {
	c.t.Helper()
	data, err := c.readFrame(3 * time.Second)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return data
}

func (c *testClient) readJSON() map[string]any {
	c.t.Helper()
	var out map[string]any
	data := c.read()
	if err := json.Unmarshal(data, &out); err != nil {
		c.t.Fatalf("unmarshal %s: %v", data, err)
	}
	return out
}

// expectClose reads until the server closes and checks the close code.
func (c *testClient) expectClose(code ws.StatusCode) {
	c.t.Helper()
	for {
		_, err := c.readFrame(3 * time.Second)
		if err == nil {
			continue
		}
		var closed wsutil.ClosedError
		if !errors.As(err, &closed) {
			c.t.Fatalf("read error = %v; want close frame %d", err, code)
		}
		if closed.Code != code {
			c.t.Fatalf("close code = %d (%s); want %d", closed.Code, closed.Reason, code)
		}
		return
	}
}

// expectSilence asserts nothing arrives within d.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	data, err := c.readFrame(d)
	if err == nil {
		c.t.Fatalf("unexpected frame: %s", data)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("read error = %v; want timeout", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func errorField(msg map[string]any, key string) string {
	e, _ := msg["error"].(map[string]any)
	s, _ := e[key].(string)
	return s
}

func payloadField(msg map[string]any, key string) any {
	p, _ := msg["payload"].(map[string]any)
	return p[key]
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// logBuffer collects slog output written from relay goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs routes the default logger to a buffer at debug level until the
// test ends.
func captureLogs(t *testing.T) *logBuffer {
	t.Helper()
	buf := &logBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}
