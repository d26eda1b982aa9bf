package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			user_type TEXT NOT NULL DEFAULT 'unknown',
			interaction_count INTEGER NOT NULL DEFAULT 0,
			avg_session_ms INTEGER NOT NULL DEFAULT 0,
			error_rate REAL NOT NULL DEFAULT 0,
			voice_usage_rate REAL NOT NULL DEFAULT 0,
			preferred_hours TEXT NOT NULL DEFAULT '',
			top_elements TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conn_id TEXT NOT NULL DEFAULT '',
			interaction_type TEXT NOT NULL,
			element_id TEXT NOT NULL DEFAULT '',
			element_type TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error_message TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_user_id ON interactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_created_at ON interactions(created_at)`,
		`CREATE TABLE IF NOT EXISTS suggestions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			applied INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_user_id ON suggestions(user_id)`,
		`CREATE TABLE IF NOT EXISTS voice_commands (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conn_id TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_voice_commands_user_id ON voice_commands(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			conn_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)",
		a.ID, a.Username, a.PasswordHash, a.Role, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, username string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM accounts WHERE username = ?", username,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *SQLiteStore) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM accounts WHERE id = ?", id,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM accounts ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Profiles ---

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, user_type, interaction_count, avg_session_ms, error_rate, voice_usage_rate, preferred_hours, top_elements, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			user_type = excluded.user_type,
			interaction_count = excluded.interaction_count,
			avg_session_ms = excluded.avg_session_ms,
			error_rate = excluded.error_rate,
			voice_usage_rate = excluded.voice_usage_rate,
			preferred_hours = excluded.preferred_hours,
			top_elements = excluded.top_elements,
			updated_at = excluded.updated_at`,
		p.UserID, p.UserType, p.InteractionCount, p.AvgSessionMs, p.ErrorRate,
		p.VoiceUsageRate, p.PreferredHours, string(p.TopElements), p.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	var topElements string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, user_type, interaction_count, avg_session_ms, error_rate, voice_usage_rate, preferred_hours, top_elements, updated_at
		FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.UserType, &p.InteractionCount, &p.AvgSessionMs, &p.ErrorRate,
		&p.VoiceUsageRate, &p.PreferredHours, &topElements, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if topElements != "" {
		p.TopElements = []byte(topElements)
	}
	return &p, nil
}

func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, user_type, interaction_count, avg_session_ms, error_rate, voice_usage_rate, preferred_hours, top_elements, updated_at
		FROM profiles ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var p Profile
		var topElements string
		if err := rows.Scan(&p.UserID, &p.UserType, &p.InteractionCount, &p.AvgSessionMs,
			&p.ErrorRate, &p.VoiceUsageRate, &p.PreferredHours, &topElements, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if topElements != "" {
			p.TopElements = []byte(topElements)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Interactions ---

func (s *SQLiteStore) AppendInteraction(ctx context.Context, it *Interaction) error {
	contextJSON := "{}"
	if len(it.Context) > 0 {
		contextJSON = string(it.Context)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, conn_id, interaction_type, element_id, element_type, action, duration_ms, success, error_message, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.UserID, it.ConnID, it.InteractionType, it.ElementID, it.ElementType,
		it.Action, it.DurationMs, it.Success, it.ErrorMessage, contextJSON, it.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conn_id, interaction_type, element_id, element_type, action, duration_ms, success, error_message, context, created_at
		FROM interactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var it Interaction
		var contextJSON string
		if err := rows.Scan(&it.ID, &it.UserID, &it.ConnID, &it.InteractionType, &it.ElementID,
			&it.ElementType, &it.Action, &it.DurationMs, &it.Success, &it.ErrorMessage,
			&contextJSON, &it.CreatedAt); err != nil {
			return nil, err
		}
		if contextJSON != "" && contextJSON != "{}" {
			it.Context = []byte(contextJSON)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountInteractions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM interactions WHERE user_id = ?", userID).Scan(&n)
	return n, err
}

// --- Suggestions ---

func (s *SQLiteStore) SaveSuggestion(ctx context.Context, sg *Suggestion) error {
	payloadJSON := "{}"
	if len(sg.Payload) > 0 {
		payloadJSON = string(sg.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, user_id, kind, title, body, confidence, payload, applied, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.UserID, sg.Kind, sg.Title, sg.Body, sg.Confidence, payloadJSON, sg.Applied, sg.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetSuggestion(ctx context.Context, id string) (*Suggestion, error) {
	var sg Suggestion
	var payloadJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, title, body, confidence, payload, applied, created_at
		FROM suggestions WHERE id = ?`, id,
	).Scan(&sg.ID, &sg.UserID, &sg.Kind, &sg.Title, &sg.Body, &sg.Confidence,
		&payloadJSON, &sg.Applied, &sg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payloadJSON != "" && payloadJSON != "{}" {
		sg.Payload = []byte(payloadJSON)
	}
	return &sg, nil
}

func (s *SQLiteStore) MarkSuggestionApplied(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE suggestions SET applied = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) ListSuggestionsByUser(ctx context.Context, userID string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, title, body, confidence, payload, applied, created_at
		FROM suggestions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		var sg Suggestion
		var payloadJSON string
		if err := rows.Scan(&sg.ID, &sg.UserID, &sg.Kind, &sg.Title, &sg.Body, &sg.Confidence,
			&payloadJSON, &sg.Applied, &sg.CreatedAt); err != nil {
			return nil, err
		}
		if payloadJSON != "" && payloadJSON != "{}" {
			sg.Payload = []byte(payloadJSON)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// --- Voice commands ---

func (s *SQLiteStore) AppendVoiceCommand(ctx context.Context, vc *VoiceCommand) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_commands (id, user_id, conn_id, transcript, language, intent, confidence, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vc.ID, vc.UserID, vc.ConnID, vc.Transcript, vc.Language, vc.Intent, vc.Confidence, vc.Status, vc.DurationMs, vc.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListVoiceCommands(ctx context.Context, userID string, limit int) ([]VoiceCommand, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conn_id, transcript, language, intent, confidence, status, duration_ms, created_at
		FROM voice_commands WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoiceCommand
	for rows.Next() {
		var vc VoiceCommand
		if err := rows.Scan(&vc.ID, &vc.UserID, &vc.ConnID, &vc.Transcript, &vc.Language,
			&vc.Intent, &vc.Confidence, &vc.Status, &vc.DurationMs, &vc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, vc)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, action, user_id, conn_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.UserID, event.ConnID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, user_id, conn_id, detail, created_at
		FROM audit_events ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var detail string
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.UserID, &ev.ConnID, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			ev.Detail = []byte(detail)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Data retention ---

func (s *SQLiteStore) PurgeOldInteractions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM interactions WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
