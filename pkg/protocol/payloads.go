package protocol

// --- Client → hub payloads ---

// InitPayload registers the client kind and user hint for a connection.
// The user ID is a client-supplied display hint, never trusted for
// authorization.
type InitPayload struct {
	ClientType string `json:"client_type"` // "web", "vscode_extension", "desktop", "mobile"
	UserID     string `json:"user_id,omitempty"`
}

// StartVoiceCommandPayload begins a listening session on the connection.
type StartVoiceCommandPayload struct {
	Language string `json:"language,omitempty"`
}

// StopVoiceCommandPayload ends a listening session and carries what the
// client transcribed while listening.
type StopVoiceCommandPayload struct {
	Transcript string  `json:"transcript,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
}

// ToggleVisualDebugPayload enables or disables visual debug streaming.
// A nil Enabled flips the current state.
type ToggleVisualDebugPayload struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	ElementID string `json:"element_id,omitempty"`
}

// UserInteractionPayload reports one user interaction for telemetry.
type UserInteractionPayload struct {
	InteractionType string         `json:"interaction_type"` // "voice", "visual", "touch", "keyboard", "mouse"
	ElementID       string         `json:"element_id,omitempty"`
	ElementType     string         `json:"element_type,omitempty"`
	Action          string         `json:"action"`
	DurationMs      int64          `json:"duration_ms,omitempty"`
	Success         *bool          `json:"success,omitempty"` // nil means success
	ErrorMessage    string         `json:"error_message,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// ApplySuggestionPayload applies a previously issued suggestion.
type ApplySuggestionPayload struct {
	SuggestionID string `json:"suggestion_id"`
}

// --- Hub → client payloads ---

// UserProfile is the profile body carried in user_profile_update envelopes.
type UserProfile struct {
	UserID            string   `json:"user_id"`
	UserType          string   `json:"user_type"` // "new_user", "power_user", "novice_user", ...
	SuccessRate       float64  `json:"success_rate"`
	AvgTaskDurationMs float64  `json:"avg_task_duration_ms"`
	ErrorRate         float64  `json:"error_rate"`
	PreferredInputs   []string `json:"preferred_inputs,omitempty"`
	Recommendations   []string `json:"recommendations,omitempty"`
	InteractionCount  int      `json:"interaction_count"`
	UpdatedAt         int64    `json:"updated_at"` // ms since epoch
}

// CommandIntent is a parsed voice command.
type CommandIntent struct {
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Voice command result statuses.
const (
	VoiceStatusListening        = "listening"
	VoiceStatusAlreadyListening = "already_listening"
	VoiceStatusNotListening     = "not_listening"
	VoiceStatusExecuted         = "executed"
	VoiceStatusClarify          = "clarify"
	VoiceStatusTimeout          = "timeout" // listening window elapsed before a stop
)

// VoiceCommandResultPayload reports the outcome of a voice command phase.
type VoiceCommandResultPayload struct {
	Status     string         `json:"status"`
	Command    *CommandIntent `json:"command,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// VisualDebugDataPayload streams the current visual debug state. Marked
// coalescible: a newer frame supersedes an older undelivered one.
type VisualDebugDataPayload struct {
	Enabled     bool         `json:"enabled"`
	ElementID   string       `json:"element_id,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	CapturedAt  int64        `json:"captured_at"` // ms since epoch
}

// Suggestion is one recommended UI action.
type Suggestion struct {
	ID         string  `json:"id"`
	Action     string  `json:"action"`
	Target     string  `json:"target,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
}

// SmartSuggestionPayload carries newly issued suggestions, or confirms an
// applied one via AppliedID.
type SmartSuggestionPayload struct {
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	AppliedID   string       `json:"applied_id,omitempty"`
}

// AnalysisResult is the body of realtime_analysis envelopes.
type AnalysisResult struct {
	UserID            string   `json:"user_id"`
	UserType          string   `json:"user_type"`
	OverallConfidence float64  `json:"overall_confidence"`
	SuccessRate       float64  `json:"success_rate"`
	AvgTaskDurationMs float64  `json:"avg_task_duration_ms"`
	ErrorRate         float64  `json:"error_rate"`
	PrimaryInput      string   `json:"primary_input,omitempty"`
	Recommendations   []string `json:"recommendations,omitempty"`
	GeneratedAt       int64    `json:"generated_at"` // ms since epoch
}

// ErrorPayload carries a routed error back to the originating connection.
type ErrorPayload struct {
	Code         ErrorCode `json:"code"`
	Message      string    `json:"message"`
	CorrelatesTo string    `json:"correlates_to,omitempty"` // message_id of the offending inbound envelope
}
