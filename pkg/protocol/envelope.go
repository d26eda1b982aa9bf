// Package protocol defines the wire protocol exchanged between FusionHub and
// its UI-layer clients (web frontend, VS Code extension, Electron app, Android
// service) over WebSocket.
//
// Every frame is a single JSON object sharing a common envelope with a "type"
// field that fully determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	MessageID string          `json:"message_id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`        // ms since epoch, server-stamped for outbound
	Source    string          `json:"source,omitempty"` // connection id, server-stamped
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// --- Message type constants ---

const (
	// Client → hub
	TypeInit              = "init"
	TypeStartVoiceCommand = "start_voice_command"
	TypeStopVoiceCommand  = "stop_voice_command"
	TypeToggleVisualDebug = "toggle_visual_debug"
	TypeUserInteraction   = "user_interaction"
	TypeApplySuggestion   = "apply_suggestion"

	// Hub → client
	TypeUserProfileUpdate  = "user_profile_update"
	TypeVoiceCommandResult = "voice_command_result"
	TypeVisualDebugData    = "visual_debug_data"
	TypeSmartSuggestion    = "smart_suggestion"
	TypeRealtimeAnalysis   = "realtime_analysis"
	TypeError              = "error"
)

// InboundTypes lists every message type the hub accepts from clients.
var InboundTypes = map[string]bool{
	TypeInit:              true,
	TypeStartVoiceCommand: true,
	TypeStopVoiceCommand:  true,
	TypeToggleVisualDebug: true,
	TypeUserInteraction:   true,
	TypeApplySuggestion:   true,
}

// CoalescibleTypes lists outbound types where a newer queued envelope may
// replace an older undelivered one for the same connection.
var CoalescibleTypes = map[string]bool{
	TypeVisualDebugData:  true,
	TypeRealtimeAnalysis: true,
}

// New creates a server-stamped outbound envelope with a fresh message ID.
// All internal payload types are plain structs that always marshal.
func New(msgType, source string, payload any) Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Envelope{
		MessageID: uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
		Payload:   raw,
	}
}
