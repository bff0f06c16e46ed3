package relay

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

const closeGrace = time.Second

var errConnClosed = errors.New("relay: connection closed")

type channelKind string

const (
	kindExtension  channelKind = "extension"
	kindCDP        channelKind = "cdp"
	kindAnnotation channelKind = "annotation"
	kindOps        channelKind = "ops"
)

// wsConn is one upgraded WebSocket. Writes are serialized by writeMu; reads
// happen only on the goroutine running readLoop.
type wsConn struct {
	id           string
	kind         channelKind
	remote       string
	conn         net.Conn
	reader       io.Reader
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func newWSConn(kind channelKind, remote string, conn net.Conn, rw *bufio.ReadWriter, writeTimeout time.Duration) *wsConn {
	c := &wsConn{
		id:           uuid.NewString(),
		kind:         kind,
		remote:       remote,
		conn:         conn,
		reader:       conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	if rw != nil && rw.Reader.Buffered() > 0 {
		c.reader = io.MultiReader(rw.Reader, conn)
	}
	return c
}

// send writes one text frame if the connection is still open.
func (c *wsConn) send(data []byte) error {
	if c == nil || c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerText(c.conn, data)
}

func (c *wsConn) ping() error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpPing, nil)
}

// closeWith sends a close frame and gives the peer closeGrace to answer
// before the read loop gives up and drops the socket.
func (c *wsConn) closeWith(code ws.StatusCode, reason string) {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeGrace))
	err := ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	c.writeMu.Unlock()
	if err != nil {
		slog.Debug("relay: close frame write failed", "channel", c.kind, "conn_id", c.id, "error", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

// abort drops the socket without a close handshake.
func (c *wsConn) abort() {
	c.closed.Store(true)
	_ = c.conn.Close()
}

// readLoop delivers data frames to onMessage until the peer goes away, then
// runs onClose exactly once. A panic in onMessage closes only this socket.
func (c *wsConn) readLoop(onMessage func([]byte), onClose func()) {
	defer func() {
		c.closed.Store(true)
		_ = c.conn.Close()
		close(c.done)
		onClose()
	}()

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	for {
		data, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				slog.Debug("relay: peer closed", "channel", c.kind, "conn_id", c.id, "code", closed.Code)
			} else if !errors.Is(err, io.EOF) && !c.closed.Load() {
				slog.Debug("relay: read failed", "channel", c.kind, "conn_id", c.id, "error", err)
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if !c.dispatch(data, onMessage) {
			return
		}
	}
}

func (c *wsConn) dispatch(data []byte, onMessage func([]byte)) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("relay: message handler panic", "channel", c.kind, "conn_id", c.id, "panic", p)
			c.closeWith(ws.StatusInternalServerError, "internal error")
			ok = false
		}
	}()
	onMessage(data)
	return true
}

// lockedWriter lets wsutil answer control frames without racing send.
type lockedWriter struct{ c *wsConn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
