package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorCode identifies a protocol-level error condition. Codes are stable and
// safe to surface to clients.
type ErrorCode string

const (
	CodeMalformedPayload      ErrorCode = "malformed_payload"
	CodeUnknownMessageType    ErrorCode = "unknown_message_type"
	CodeSchemaMismatch        ErrorCode = "schema_mismatch"
	CodeHandlerFailure        ErrorCode = "handler_failure"
	CodeDownstreamUnavailable ErrorCode = "downstream_unavailable"
	CodeNotFound              ErrorCode = "not_found"
)

// ProtocolError describes a rejected inbound frame. The connection stays open;
// the caller reports the error back to the sender and continues.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

func protoErr(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Decode parses and validates an inbound wire frame. It never panics on
// client input: every recoverable shape problem comes back as *ProtocolError.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, protoErr(CodeMalformedPayload, "invalid JSON: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, protoErr(CodeSchemaMismatch, "missing type field")
	}
	if !InboundTypes[env.Type] {
		return Envelope{}, protoErr(CodeUnknownMessageType, "unrecognized message type %q", env.Type)
	}
	if env.MessageID == "" {
		return Envelope{}, protoErr(CodeSchemaMismatch, "missing message_id field")
	}
	if _, err := DecodePayload(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode renders an envelope as a wire frame. For envelopes constructed with
// New this is total: the payload is already raw JSON.
func Encode(env Envelope) []byte {
	data, _ := json.Marshal(env)
	return data
}

// DecodePayload unmarshals and validates the typed payload for an inbound
// envelope. The returned value is one of the *Payload structs.
func DecodePayload(env Envelope) (any, error) {
	switch env.Type {
	case TypeInit:
		p, err := unmarshalPayload[InitPayload](env)
		if err != nil {
			return nil, err
		}
		if p.ClientType == "" {
			return nil, protoErr(CodeSchemaMismatch, "init: missing client_type")
		}
		return p, nil

	case TypeStartVoiceCommand:
		return unmarshalPayload[StartVoiceCommandPayload](env)

	case TypeStopVoiceCommand:
		return unmarshalPayload[StopVoiceCommandPayload](env)

	case TypeToggleVisualDebug:
		return unmarshalPayload[ToggleVisualDebugPayload](env)

	case TypeUserInteraction:
		p, err := unmarshalPayload[UserInteractionPayload](env)
		if err != nil {
			return nil, err
		}
		if p.InteractionType == "" {
			return nil, protoErr(CodeSchemaMismatch, "user_interaction: missing interaction_type")
		}
		if p.Action == "" {
			return nil, protoErr(CodeSchemaMismatch, "user_interaction: missing action")
		}
		return p, nil

	case TypeApplySuggestion:
		p, err := unmarshalPayload[ApplySuggestionPayload](env)
		if err != nil {
			return nil, err
		}
		if p.SuggestionID == "" {
			return nil, protoErr(CodeSchemaMismatch, "apply_suggestion: missing suggestion_id")
		}
		return p, nil
	}
	return nil, protoErr(CodeUnknownMessageType, "unrecognized message type %q", env.Type)
}

func unmarshalPayload[T any](env Envelope) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, protoErr(CodeSchemaMismatch, "%s: %v", env.Type, err)
	}
	return p, nil
}
