package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ExtensionMessage is one validated message from the extension channel.
type ExtensionMessage interface{ isExtensionMessage() }

// CDPClientMessage is one validated message from the raw-forward client.
type CDPClientMessage interface{ isCDPClientMessage() }

// AnnotationClientMessage is one validated message from the annotation client.
type AnnotationClientMessage interface{ isAnnotationClientMessage() }

// OpsClientMessage is one validated message from an ops client.
type OpsClientMessage interface{ isOpsClientMessage() }

// Probe is a healthCheck or ping, accepted on every channel.
type Probe struct {
	Type string
	ID   json.RawMessage
}

// Handshake is the first message of an extension connection.
type Handshake struct {
	TabID        int64
	URL          string
	Title        string
	GroupID      *int64
	PairingToken string
}

// HandshakeInvalid is a handshake whose payload cannot identify a tab.
type HandshakeInvalid struct {
	Reason string
}

// CDPEvent is an event notification from the extension for the raw-forward client.
type CDPEvent struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// CDPResponse is a correlated response from the extension; Raw is forwarded verbatim.
type CDPResponse struct {
	ID  json.RawMessage
	Raw []byte
}

// AnnotationReply is an annotationResponse or annotationEvent from the extension.
type AnnotationReply struct {
	Type      string
	RequestID string
	Raw       []byte
}

// Terminal reports whether the reply ends the request.
func (a AnnotationReply) Terminal() bool { return a.Type == TypeAnnotationResponse }

// OpsReply is an ops envelope from the extension addressed to one ops client.
type OpsReply struct {
	Type     string
	ClientID string
	Event    string
	TabID    int64
	HasTab   bool
	Fields   map[string]json.RawMessage
}

// ClientFrame encodes the reply without its clientId routing tag.
func (o OpsReply) ClientFrame() []byte {
	fields := make(map[string]json.RawMessage, len(o.Fields))
	for k, v := range o.Fields {
		if k == "clientId" {
			continue
		}
		fields[k] = v
	}
	return encode(fields)
}

// CDPCommand is a raw-forward command from the client.
type CDPCommand struct {
	ID        json.RawMessage
	Method    string
	Params    json.RawMessage
	SessionID string
}

// AnnotationCommand is a structurally valid start or cancel command.
type AnnotationCommand struct {
	RequestID string
	Command   string
	Raw       []byte
}

// AnnotationInvalid is an annotationCommand that failed validation.
type AnnotationInvalid struct {
	RequestID string
	Reason    string
}

// OpsRequest is an ops_hello, ops_ping or ops_request from an ops client.
type OpsRequest struct {
	Type      string
	RequestID string
	Fields    map[string]json.RawMessage
}

// Tagged encodes the request stamped with clientID.
func (o OpsRequest) Tagged(clientID string) []byte {
	fields := make(map[string]json.RawMessage, len(o.Fields)+1)
	for k, v := range o.Fields {
		fields[k] = v
	}
	fields["clientId"] = encode(clientID)
	return encode(fields)
}

// OpsInvalid is an ops client envelope with a type the relay does not route.
type OpsInvalid struct {
	Type      string
	RequestID string
}

func (Probe) isExtensionMessage()        {}
func (Probe) isCDPClientMessage()        {}
func (Probe) isAnnotationClientMessage() {}
func (Probe) isOpsClientMessage()        {}

func (Handshake) isExtensionMessage()        {}
func (HandshakeInvalid) isExtensionMessage() {}
func (CDPEvent) isExtensionMessage()         {}
func (CDPResponse) isExtensionMessage()      {}
func (AnnotationReply) isExtensionMessage()  {}
func (OpsReply) isExtensionMessage()         {}

func (CDPCommand) isCDPClientMessage() {}

func (AnnotationCommand) isAnnotationClientMessage() {}
func (AnnotationInvalid) isAnnotationClientMessage() {}

func (OpsRequest) isOpsClientMessage() {}
func (OpsInvalid) isOpsClientMessage() {}

type envelope struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Payload json.RawMessage `json:"payload"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, ErrNoise
	}
	return env, nil
}

func isProbe(t string) bool { return t == TypeHealthCheck || t == TypePing }

// ParseExtension classifies a frame from the extension channel.
func ParseExtension(data []byte) (ExtensionMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch {
	case isProbe(env.Type):
		return Probe{Type: env.Type, ID: env.ID}, nil
	case env.Type == TypeHandshake:
		return parseHandshake(env.Payload)
	case env.Type == TypeAnnotationResponse || env.Type == TypeAnnotationEvent:
		var p struct {
			RequestID *string `json:"requestId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RequestID == nil {
			return nil, ErrNoise
		}
		return AnnotationReply{Type: env.Type, RequestID: *p.RequestID, Raw: data}, nil
	case isOpsReplyType(env.Type):
		return parseOpsReply(env.Type, data)
	case env.Type != "":
		return nil, ErrNoise
	case env.Method == MethodForwardCDPEvent:
		var p forwardParams
		if err := json.Unmarshal(env.Params, &p); err != nil || p.Method == "" {
			return nil, ErrNoise
		}
		return CDPEvent(p), nil
	case present(env.ID) && (present(env.Result) || present(env.Error)):
		return CDPResponse{ID: env.ID, Raw: data}, nil
	}
	return nil, ErrNoise
}

func parseHandshake(payload json.RawMessage) (ExtensionMessage, error) {
	var p struct {
		TabID        json.RawMessage `json:"tabId"`
		URL          string          `json:"url"`
		Title        string          `json:"title"`
		GroupID      *int64          `json:"groupId"`
		PairingToken string          `json:"pairingToken"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return HandshakeInvalid{Reason: "Handshake payload must be an object with valid fields"}, nil
	}
	tabID, ok := TabIDFrom(p.TabID)
	if !ok {
		return HandshakeInvalid{Reason: "Handshake requires a numeric tabId"}, nil
	}
	return Handshake{TabID: tabID, URL: p.URL, Title: p.Title, GroupID: p.GroupID, PairingToken: p.PairingToken}, nil
}

func isOpsReplyType(t string) bool {
	switch t {
	case TypeOpsHelloAck, TypeOpsResponse, TypeOpsError, TypeOpsEvent, TypeOpsPong:
		return true
	}
	return false
}

func parseOpsReply(typ string, data []byte) (ExtensionMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, ErrNoise
	}
	reply := OpsReply{Type: typ, Fields: fields}
	if raw, ok := fields["clientId"]; ok {
		_ = json.Unmarshal(raw, &reply.ClientID)
	}
	if typ == TypeOpsEvent {
		if raw, ok := fields["event"]; ok {
			_ = json.Unmarshal(raw, &reply.Event)
		}
		var p struct {
			TabID json.RawMessage `json:"tabId"`
		}
		if raw, ok := fields["payload"]; ok && json.Unmarshal(raw, &p) == nil {
			reply.TabID, reply.HasTab = TabIDFrom(p.TabID)
		}
	}
	return reply, nil
}

// ParseCDPClient classifies a frame from the raw-forward client.
func ParseCDPClient(data []byte) (CDPClientMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if isProbe(env.Type) {
		return Probe{Type: env.Type, ID: env.ID}, nil
	}
	if !present(env.ID) || env.Method == "" {
		return nil, ErrNoise
	}
	var sess struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(data, &sess)
	return CDPCommand{ID: env.ID, Method: env.Method, Params: env.Params, SessionID: sess.SessionID}, nil
}

// ParseAnnotationClient classifies a frame from the annotation client.
// Structural problems in an annotationCommand come back as AnnotationInvalid.
func ParseAnnotationClient(data []byte) (AnnotationClientMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch {
	case isProbe(env.Type):
		return Probe{Type: env.Type, ID: env.ID}, nil
	case env.Type == TypeAnnotationCommand:
		cmd, invalid := ValidateAnnotationCommand(env.Payload)
		if invalid != nil {
			return *invalid, nil
		}
		cmd.Raw = data
		return cmd, nil
	}
	return nil, ErrNoise
}

// ParseOpsClient classifies a frame from an ops client.
func ParseOpsClient(data []byte) (OpsClientMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, ErrNoise
	}
	var typ, requestID string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return nil, ErrNoise
		}
	}
	if raw, ok := fields["requestId"]; ok {
		_ = json.Unmarshal(raw, &requestID)
	}
	switch typ {
	case TypeHealthCheck, TypePing:
		return Probe{Type: typ, ID: fields["id"]}, nil
	case TypeOpsHello, TypeOpsPing, TypeOpsRequest:
		return OpsRequest{Type: typ, RequestID: requestID, Fields: fields}, nil
	}
	return OpsInvalid{Type: typ, RequestID: requestID}, nil
}

// TabIDFrom accepts a JSON number or numeric string.
func TabIDFrom(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
