package protocol

import (
	"encoding/json"
	"log/slog"
)

// Message type discriminators.
const (
	TypeHandshake          = "handshake"
	TypeHandshakeAck       = "handshakeAck"
	TypeHealthCheck        = "healthCheck"
	TypeHealthCheckResult  = "healthCheckResult"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeAnnotationCommand  = "annotationCommand"
	TypeAnnotationResponse = "annotationResponse"
	TypeAnnotationEvent    = "annotationEvent"

	TypeOpsHello    = "ops_hello"
	TypeOpsPing     = "ops_ping"
	TypeOpsRequest  = "ops_request"
	TypeOpsHelloAck = "ops_hello_ack"
	TypeOpsResponse = "ops_response"
	TypeOpsError    = "ops_error"
	TypeOpsEvent    = "ops_event"
	TypeOpsPong     = "ops_pong"

	MethodForwardCDPCommand = "forwardCDPCommand"
	MethodForwardCDPEvent   = "forwardCDPEvent"

	AnnotationVersion = 1
)

// Ops event names the relay reacts to.
const (
	OpsEventSessionCreated     = "session_created"
	OpsEventSessionClosed      = "session_closed"
	OpsEventSessionExpired     = "session_expired"
	OpsEventTabClosed          = "tab_closed"
	OpsEventClientDisconnected = "ops_client_disconnected"
)

const (
	AnnotationCommandStart  = "start"
	AnnotationCommandCancel = "cancel"
	annotationStatusError   = "error"
)

// ExtensionNotConnectedMessage is the raw-forward error text used while no
// extension holds the slot.
const ExtensionNotConnectedMessage = "Extension not connected to relay"

// HandshakeAckPayload is the relay identity sent to the extension after a
// successful pairing.
type HandshakeAckPayload struct {
	InstanceID      string `json:"instanceId"`
	RelayPort       int    `json:"relayPort"`
	PairingRequired bool   `json:"pairingRequired"`
	Epoch           int64  `json:"epoch"`
}

type typedEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type probeReply struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id,omitempty"`
	Payload any             `json:"payload"`
}

type errorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type cdpErrorReply struct {
	ID    json.RawMessage `json:"id"`
	Error errorBody       `json:"error"`
}

type forwardCommand struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params forwardParams   `json:"params"`
}

type forwardParams struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type annotationErrorPayload struct {
	Version   int       `json:"version"`
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	Error     errorBody `json:"error"`
}

type annotationCommandPayload struct {
	Version   int    `json:"version"`
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
}

type opsErrorReply struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Error     errorBody `json:"error"`
}

type opsNotice struct {
	Type     string `json:"type"`
	Event    string `json:"event"`
	ClientID string `json:"clientId"`
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("protocol: encode failed", "error", err)
		return nil
	}
	return data
}

// HandshakeAck encodes the acknowledgement for a successful handshake.
func HandshakeAck(p HandshakeAckPayload) []byte {
	return encode(typedEnvelope{Type: TypeHandshakeAck, Payload: p})
}

// ProbeReply answers a healthCheck with healthCheckResult and a ping with pong.
func ProbeReply(p Probe, health any) []byte {
	replyType := TypePong
	if p.Type == TypeHealthCheck {
		replyType = TypeHealthCheckResult
	}
	return encode(probeReply{Type: replyType, ID: p.ID, Payload: health})
}

// CDPError is a synthesized raw-forward error correlated by id. code may be empty.
func CDPError(id json.RawMessage, code, message string) []byte {
	return encode(cdpErrorReply{ID: id, Error: errorBody{Code: code, Message: message}})
}

// ForwardCDPCommand wraps a raw-forward command for the extension.
func ForwardCDPCommand(cmd CDPCommand) []byte {
	return encode(forwardCommand{
		ID:     cmd.ID,
		Method: MethodForwardCDPCommand,
		Params: forwardParams{Method: cmd.Method, Params: cmd.Params, SessionID: cmd.SessionID},
	})
}

// CDPEventFrame is the client-facing form of an extension event.
func CDPEventFrame(ev CDPEvent) []byte {
	return encode(forwardParams{Method: ev.Method, Params: ev.Params, SessionID: ev.SessionID})
}

// AnnotationError is a synthesized annotationResponse with status "error".
func AnnotationError(requestID, code, message string) []byte {
	return encode(typedEnvelope{
		Type: TypeAnnotationResponse,
		Payload: annotationErrorPayload{
			Version:   AnnotationVersion,
			RequestID: requestID,
			Status:    annotationStatusError,
			Error:     errorBody{Code: code, Message: message},
		},
	})
}

// AnnotationCancel asks the extension to stop work for requestID.
func AnnotationCancel(requestID string) []byte {
	return encode(typedEnvelope{
		Type: TypeAnnotationCommand,
		Payload: annotationCommandPayload{
			Version:   AnnotationVersion,
			RequestID: requestID,
			Command:   AnnotationCommandCancel,
		},
	})
}

// OpsError is a typed error delivered to one ops client.
func OpsError(requestID, code, message string) []byte {
	return encode(opsErrorReply{Type: TypeOpsError, RequestID: requestID, Error: errorBody{Code: code, Message: message}})
}

// OpsClientDisconnected tells the extension that an ops client went away.
func OpsClientDisconnected(clientID string) []byte {
	return encode(opsNotice{Type: TypeOpsEvent, Event: OpsEventClientDisconnected, ClientID: clientID})
}
