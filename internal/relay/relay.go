package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/dgnsrekt/tabrelay/internal/netutil"
	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/security"
)

// Options configures a Relay. Zero values fall back to the defaults below.
type Options struct {
	PairingToken      string
	ExtensionIDs      []string
	CDPAllowlist      []string
	HandshakeRateMax  int
	HTTPRateMax       int
	RateWindow        time.Duration
	AnnotationTimeout time.Duration
	MaxPayloadBytes   int
	KeepaliveInterval time.Duration
	DiscoveryPort     int
	WriteTimeout      time.Duration
}

const (
	defaultHandshakeRateMax  = 20
	defaultHTTPRateMax       = 120
	defaultRateWindow        = time.Minute
	defaultAnnotationTimeout = 120 * time.Second
	defaultMaxPayloadBytes   = 12 * 1024 * 1024
	defaultWriteTimeout      = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.HandshakeRateMax <= 0 {
		o.HandshakeRateMax = defaultHandshakeRateMax
	}
	if o.HTTPRateMax <= 0 {
		o.HTTPRateMax = defaultHTTPRateMax
	}
	if o.RateWindow <= 0 {
		o.RateWindow = defaultRateWindow
	}
	if o.AnnotationTimeout <= 0 {
		o.AnnotationTimeout = defaultAnnotationTimeout
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// Identity lets clients detect a relay restart.
type Identity struct {
	InstanceID string `json:"instanceId"`
	Epoch      int64  `json:"epoch"`
}

// TabInfo is the tab metadata reported by the extension handshake.
type TabInfo struct {
	TabID   int64  `json:"tabId"`
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	GroupID *int64 `json:"groupId,omitempty"`
}

// HandshakeError is the last extension handshake failure.
type HandshakeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	At      int64  `json:"at"`
}

type pendingAnnotation struct {
	requestID string
	createdAt time.Time
	timer     *time.Timer
}

// Relay multiplexes the extension, raw-forward, annotation and ops channels.
// All tables below mu are mutated under the lock; socket writes happen after
// it is released.
type Relay struct {
	opts      Options
	identity  Identity
	origins   *security.OriginPolicy
	wsLimit   *security.RateLimiter
	httpLimit *security.RateLimiter
	allowlist map[string]struct{}
	broker    *Broker
	router    http.Handler

	mu            sync.Mutex
	running       bool
	port          int
	extension     *slot
	cdp           *slot
	annotation    *slot
	handshakeDone bool
	tab           *TabInfo
	lastHandshake *HandshakeError
	ops           map[string]*wsConn
	owned         map[int64]struct{}
	inflight      map[string]struct{}
	pending       map[string]*pendingAnnotation

	server    *http.Server
	discovery *http.Server
	loops     sync.WaitGroup
	quit      chan struct{}
}

// New builds a relay. A nil broker gets a private one.
func New(opts Options, broker *Broker) *Relay {
	opts = opts.withDefaults()
	if broker == nil {
		broker = NewBroker()
	}
	r := &Relay{
		opts: opts,
		identity: Identity{
			InstanceID: uuid.NewString(),
			Epoch:      time.Now().UnixMilli(),
		},
		origins:    security.NewOriginPolicy(opts.ExtensionIDs),
		wsLimit:    security.NewRateLimiter(opts.HandshakeRateMax, opts.RateWindow),
		httpLimit:  security.NewRateLimiter(opts.HTTPRateMax, opts.RateWindow),
		broker:     broker,
		extension:  newSlot(ReplaceOld),
		cdp:        newSlot(RejectNew),
		annotation: newSlot(RejectNew),
		ops:        make(map[string]*wsConn),
		owned:      make(map[int64]struct{}),
		inflight:   make(map[string]struct{}),
		pending:    make(map[string]*pendingAnnotation),
		quit:       make(chan struct{}),
	}
	if len(opts.CDPAllowlist) > 0 {
		r.allowlist = make(map[string]struct{}, len(opts.CDPAllowlist))
		for _, m := range opts.CDPAllowlist {
			r.allowlist[m] = struct{}{}
		}
	}
	r.router = r.newRouter(false)
	return r
}

// Identity returns the relay's instance id and start epoch.
func (r *Relay) Identity() Identity { return r.identity }

// Port returns the port the relay listens on, or 0 before Start.
func (r *Relay) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

// PairingRequired reports whether a pairing token is configured.
func (r *Relay) PairingRequired() bool { return r.opts.PairingToken != "" }

// Start binds addr and serves the relay on it.
func (r *Relay) Start(addr string) error {
	ln, err := netutil.Listen(addr, nil, false)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return r.StartListener(ln)
}

// StartListener serves the relay on an already bound listener, plus the
// discovery server when a distinct discovery port is configured. The relay
// owns ln from here on and closes it on Stop.
func (r *Relay) StartListener(ln net.Listener) error {
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("relay: unexpected listener address %T", ln.Addr())
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	r.mu.Lock()
	r.running = true
	r.port = tcpAddr.Port
	r.server = srv
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("relay server failed", "error", err)
		}
	}()
	slog.Info("relay listening", "addr", ln.Addr().String(), "instance_id", r.identity.InstanceID,
		"pairing_required", r.PairingRequired())

	r.startDiscovery(tcpAddr.IP.String(), tcpAddr.Port)
	return nil
}

// startDiscovery never fails the relay: a busy discovery port is logged and skipped.
func (r *Relay) startDiscovery(host string, relayPort int) {
	port := r.opts.DiscoveryPort
	if port <= 0 || port == relayPort {
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := netutil.Listen(addr, nil, false)
	if err != nil {
		slog.Warn("discovery server unavailable", "addr", addr, "error", err)
		return
	}
	srv := &http.Server{Handler: r.newRouter(true), ReadHeaderTimeout: 10 * time.Second}
	r.mu.Lock()
	r.discovery = srv
	r.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("discovery server stopped", "addr", addr, "error", err)
		}
	}()
	slog.Info("discovery server listening", "addr", addr)
}

// Stop closes every channel with 1000, resolves pending annotation requests
// as relay_unavailable and shuts down both HTTP servers.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.quit)
	ann := r.annotation.holder()
	pendingIDs := r.drainPendingLocked()
	conns := make([]*wsConn, 0, len(r.ops)+3)
	for _, s := range []*slot{r.extension, r.cdp, r.annotation} {
		if c := s.holder(); c != nil {
			conns = append(conns, c)
			s.release(c)
		}
	}
	for id, c := range r.ops {
		conns = append(conns, c)
		delete(r.ops, id)
	}
	r.handshakeDone = false
	r.tab = nil
	clear(r.owned)
	clear(r.inflight)
	srv, disc := r.server, r.discovery
	r.mu.Unlock()

	for _, id := range pendingIDs {
		_ = ann.send(protocol.AnnotationError(id, protocol.CodeRelayUnavailable, "Relay shutting down"))
	}
	for _, c := range conns {
		c.closeWith(ws.StatusNormalClosure, "relay shutting down")
	}

	var errs []error
	if disc != nil {
		errs = append(errs, disc.Shutdown(ctx))
	}
	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}

	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	slog.Info("relay stopped")
	return errors.Join(errs...)
}

// activeExtensionLocked returns the extension connection once it has paired.
func (r *Relay) activeExtensionLocked() *wsConn {
	if !r.handshakeDone {
		return nil
	}
	return r.extension.holder()
}

func (r *Relay) publish(typ string, c *wsConn, detail string) {
	evt := Event{Type: typ, Detail: detail}
	if c != nil {
		evt.Channel = string(c.kind)
		evt.Remote = c.remote
	}
	r.broker.Publish(evt)
}

func (r *Relay) answerProbe(c *wsConn, p protocol.Probe) {
	if err := c.send(protocol.ProbeReply(p, r.Health())); err != nil {
		slog.Debug("relay: probe reply failed", "channel", c.kind, "error", err)
	}
}
