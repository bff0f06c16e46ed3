package protocol

import (
	"encoding/json"
	"testing"
)

func TestValidateAnnotationCommand(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantValid bool
		wantID    string
	}{
		{name: "start", payload: `{"version":1,"requestId":"r1","command":"start","url":"https://a.test","options":{}}`, wantValid: true, wantID: "r1"},
		{name: "cancel", payload: `{"version":1,"requestId":"r2","command":"cancel"}`, wantValid: true, wantID: "r2"},
		{name: "wrong version", payload: `{"version":2,"requestId":"r3","command":"start"}`, wantID: "r3"},
		{name: "string version", payload: `{"version":"1","requestId":"r4","command":"start"}`, wantID: "r4"},
		{name: "missing version", payload: `{"requestId":"r5","command":"start"}`, wantID: "r5"},
		{name: "numeric request id", payload: `{"version":1,"requestId":5,"command":"start"}`, wantID: UnknownRequestID},
		{name: "unknown command", payload: `{"version":1,"requestId":"r6","command":"pause"}`, wantID: "r6"},
		{name: "array options", payload: `{"version":1,"requestId":"r7","command":"start","options":[]}`, wantID: "r7"},
		{name: "string options", payload: `{"version":1,"requestId":"r8","command":"start","options":"x"}`, wantID: "r8"},
		{name: "payload not object", payload: `"nope"`, wantID: UnknownRequestID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, invalid := ValidateAnnotationCommand(json.RawMessage(tt.payload))
			if tt.wantValid {
				if invalid != nil {
					t.Fatalf("ValidateAnnotationCommand() invalid = %+v; want valid", invalid)
				}
				if cmd.RequestID != tt.wantID {
					t.Fatalf("requestId = %q; want %q", cmd.RequestID, tt.wantID)
				}
				return
			}
			if invalid == nil {
				t.Fatalf("ValidateAnnotationCommand() = valid; want invalid")
			}
			if invalid.RequestID != tt.wantID {
				t.Fatalf("invalid requestId = %q; want %q", invalid.RequestID, tt.wantID)
			}
		})
	}
}

func TestParseAnnotationClientKeepsRawForForwarding(t *testing.T) {
	in := `{"type":"annotationCommand","payload":{"version":1,"requestId":"r1","command":"start"}}`
	msg, err := ParseAnnotationClient([]byte(in))
	if err != nil {
		t.Fatalf("ParseAnnotationClient() error = %v", err)
	}
	cmd, ok := msg.(AnnotationCommand)
	if !ok {
		t.Fatalf("ParseAnnotationClient() = %#v; want AnnotationCommand", msg)
	}
	if string(cmd.Raw) != in {
		t.Fatalf("raw = %s; want %s", cmd.Raw, in)
	}
}

func TestAnnotationErrorShape(t *testing.T) {
	var got struct {
		Type    string `json:"type"`
		Payload struct {
			Version   int    `json:"version"`
			RequestID string `json:"requestId"`
			Status    string `json:"status"`
			Error     struct {
				Code string `json:"code"`
			} `json:"error"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(AnnotationError("r1", CodeTimeout, "timed out"), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeAnnotationResponse || got.Payload.Version != 1 || got.Payload.RequestID != "r1" ||
		got.Payload.Status != "error" || got.Payload.Error.Code != CodeTimeout {
		t.Fatalf("annotation error = %+v", got)
	}
}
