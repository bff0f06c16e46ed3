package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried in typed error responses and handshake failure records.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeRelayUnavailable = "relay_unavailable"
	CodeOpsUnavailable   = "ops_unavailable"
	CodeCDPAttachBlocked = "cdp_attach_blocked"
	CodePayloadTooLarge  = "payload_too_large"
	CodeTimeout          = "timeout"
	CodePairingMissing   = "pairing_missing"
	CodePairingInvalid   = "pairing_invalid"
	CodeHandshakeInvalid = "handshake_invalid"
	CodeRateLimited      = "rate_limited"
	CodeOriginBlocked    = "origin_blocked"
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeInternal         = "internal"
)

// ErrNoise marks input that is not a recognizable message: malformed JSON or
// an envelope without a usable discriminator. Callers drop it silently.
var ErrNoise = errors.New("protocol: unrecognized message")

// CodedError is a typed error used for stable wire mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of a CodedError anywhere in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// MessageOf returns the message of a CodedError in err's chain, or err.Error().
func MessageOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}
