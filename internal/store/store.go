// Package store defines the persistence interface for FusionHub and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for FusionHub.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, username string) (*Account, error)
	GetAccountByID(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// Profiles
	UpsertProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]Profile, error)

	// Interactions
	AppendInteraction(ctx context.Context, it *Interaction) error
	ListInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error)
	CountInteractions(ctx context.Context, userID string) (int, error)

	// Suggestions
	SaveSuggestion(ctx context.Context, sg *Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*Suggestion, error)
	MarkSuggestionApplied(ctx context.Context, id string) error
	ListSuggestionsByUser(ctx context.Context, userID string, limit int) ([]Suggestion, error)

	// Voice commands
	AppendVoiceCommand(ctx context.Context, vc *VoiceCommand) error
	ListVoiceCommands(ctx context.Context, userID string, limit int) ([]VoiceCommand, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldInteractions(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Account is an API user that can authenticate against the HTTP surface.
type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is the persisted behavioral profile of one end user.
type Profile struct {
	UserID           string          `json:"user_id"`
	UserType         string          `json:"user_type"` // classification, e.g. "power_user"
	InteractionCount int             `json:"interaction_count"`
	AvgSessionMs     int64           `json:"avg_session_ms"`
	ErrorRate        float64         `json:"error_rate"`
	VoiceUsageRate   float64         `json:"voice_usage_rate"`
	PreferredHours   string          `json:"preferred_hours,omitempty"` // JSON-encoded hour histogram
	TopElements      json.RawMessage `json:"top_elements,omitempty"`    // JSON-encoded element counts
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Interaction is one recorded UI interaction event.
type Interaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	ConnID          string          `json:"conn_id"`
	InteractionType string          `json:"interaction_type"`
	ElementID       string          `json:"element_id,omitempty"`
	ElementType     string          `json:"element_type,omitempty"`
	Action          string          `json:"action"`
	DurationMs      int64           `json:"duration_ms"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Suggestion is a generated recommendation offered to a user.
type Suggestion struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Kind       string          `json:"kind"` // "shortcut", "layout", "workflow"
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Confidence float64         `json:"confidence"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Applied    bool            `json:"applied"`
	CreatedAt  time.Time       `json:"created_at"`
}

// VoiceCommand is a recognized voice command and its outcome.
type VoiceCommand struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ConnID     string    `json:"conn_id"`
	Transcript string    `json:"transcript"`
	Language   string    `json:"language,omitempty"`
	Intent     string    `json:"intent"`
	Confidence float64   `json:"confidence"`
	Status     string    `json:"status"` // "executed", "clarify", "failed"
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	ConnID    string          `json:"conn_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
