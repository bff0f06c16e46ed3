package protocol

import (
	"bytes"
	"encoding/json"
)

// UnknownRequestID addresses an error when the command's own requestId is unusable.
const UnknownRequestID = "unknown"

// ValidateAnnotationCommand checks an annotationCommand payload. On failure the
// returned AnnotationInvalid carries the best-known request id.
func ValidateAnnotationCommand(payload json.RawMessage) (AnnotationCommand, *AnnotationInvalid) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return AnnotationCommand{}, &AnnotationInvalid{RequestID: UnknownRequestID, Reason: "payload must be an object"}
	}

	requestID, idOK := "", false
	if raw, ok := fields["requestId"]; ok {
		idOK = json.Unmarshal(raw, &requestID) == nil && firstByte(raw) == '"'
	}
	invalid := func(reason string) (AnnotationCommand, *AnnotationInvalid) {
		id := UnknownRequestID
		if idOK {
			id = requestID
		}
		return AnnotationCommand{}, &AnnotationInvalid{RequestID: id, Reason: reason}
	}

	var version float64
	if raw, ok := fields["version"]; !ok || json.Unmarshal(raw, &version) != nil || version != AnnotationVersion {
		return invalid("unsupported protocol version")
	}
	if !idOK {
		return invalid("requestId must be a string")
	}
	var command string
	if raw, ok := fields["command"]; !ok || json.Unmarshal(raw, &command) != nil || firstByte(raw) != '"' {
		return invalid("command must be start or cancel")
	}
	if command != AnnotationCommandStart && command != AnnotationCommandCancel {
		return invalid("command must be start or cancel")
	}
	if raw, ok := fields["options"]; ok && firstByte(raw) != '{' {
		return invalid("options must be an object")
	}
	return AnnotationCommand{RequestID: requestID, Command: command}, nil
}

func firstByte(raw json.RawMessage) byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}
