package relay

import "github.com/dgnsrekt/tabrelay/internal/protocol"

// Health reason codes in priority order.
const (
	ReasonRelayDown             = "relay_down"
	ReasonPairingInvalid        = "pairing_invalid"
	ReasonPairingRequired       = "pairing_required"
	ReasonExtensionDisconnected = "extension_disconnected"
	ReasonHandshakeIncomplete   = "handshake_incomplete"
	ReasonOK                    = "ok"
)

// Health is the single status view shared by /status and channel probes.
type Health struct {
	OK                         bool            `json:"ok"`
	Reason                     string          `json:"reason"`
	ExtensionConnected         bool            `json:"extensionConnected"`
	ExtensionHandshakeComplete bool            `json:"extensionHandshakeComplete"`
	CDPConnected               bool            `json:"cdpConnected"`
	AnnotationConnected        bool            `json:"annotationConnected"`
	OpsConnected               bool            `json:"opsConnected"`
	PairingRequired            bool            `json:"pairingRequired"`
	LastHandshakeError         *HandshakeError `json:"lastHandshakeError,omitempty"`
}

type healthState struct {
	running             bool
	extensionConnected  bool
	handshakeDone       bool
	cdpConnected        bool
	annotationConnected bool
	opsConnected        bool
	pairingRequired     bool
	lastHandshake       *HandshakeError
}

func evaluate(s healthState) Health {
	h := Health{
		ExtensionConnected:         s.extensionConnected,
		ExtensionHandshakeComplete: s.extensionConnected && s.handshakeDone,
		CDPConnected:               s.cdpConnected,
		AnnotationConnected:        s.annotationConnected,
		OpsConnected:               s.opsConnected,
		PairingRequired:            s.pairingRequired,
		LastHandshakeError:         s.lastHandshake,
	}
	var lastCode string
	if s.lastHandshake != nil {
		lastCode = s.lastHandshake.Code
	}
	switch {
	case !s.running:
		h.Reason = ReasonRelayDown
	case lastCode == protocol.CodePairingInvalid:
		h.Reason = ReasonPairingInvalid
	case lastCode == protocol.CodePairingMissing:
		h.Reason = ReasonPairingRequired
	case !s.extensionConnected:
		h.Reason = ReasonExtensionDisconnected
	case !s.handshakeDone:
		h.Reason = ReasonHandshakeIncomplete
	default:
		h.Reason = ReasonOK
		h.OK = true
	}
	return h
}

// Health reports the relay's current status.
func (r *Relay) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthLocked()
}

func (r *Relay) healthLocked() Health {
	var last *HandshakeError
	if r.lastHandshake != nil {
		copied := *r.lastHandshake
		last = &copied
	}
	return evaluate(healthState{
		running:             r.running,
		extensionConnected:  r.extension.occupied(),
		handshakeDone:       r.handshakeDone,
		cdpConnected:        r.cdp.occupied(),
		annotationConnected: r.annotation.occupied(),
		opsConnected:        len(r.ops) > 0,
		pairingRequired:     r.PairingRequired(),
		lastHandshake:       last,
	})
}
