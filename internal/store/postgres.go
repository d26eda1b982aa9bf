package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			user_type TEXT NOT NULL DEFAULT 'unknown',
			interaction_count INTEGER NOT NULL DEFAULT 0,
			avg_session_ms BIGINT NOT NULL DEFAULT 0,
			error_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			voice_usage_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			preferred_hours TEXT NOT NULL DEFAULT '',
			top_elements JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conn_id TEXT NOT NULL DEFAULT '',
			interaction_type TEXT NOT NULL,
			element_id TEXT NOT NULL DEFAULT '',
			element_type TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT NOT NULL DEFAULT '',
			context JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_user_id ON interactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_created_at ON interactions(created_at)`,
		`CREATE TABLE IF NOT EXISTS suggestions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			payload JSONB NOT NULL DEFAULT '{}',
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_user_id ON suggestions(user_id)`,
		`CREATE TABLE IF NOT EXISTS voice_commands (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conn_id TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_voice_commands_user_id ON voice_commands(user_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			conn_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, username, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)",
		a.ID, a.Username, a.PasswordHash, a.Role, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, username string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM accounts WHERE username = $1", username,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, created_at FROM accounts WHERE id = $1", id,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Role, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
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

func (s *PostgresStore) UpsertProfile(ctx context.Context, p *Profile) error {
	topElements := "{}"
	if len(p.TopElements) > 0 {
		topElements = string(p.TopElements)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, user_type, interaction_count, avg_session_ms, error_rate, voice_usage_rate, preferred_hours, top_elements, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(user_id) DO UPDATE SET
			user_type = EXCLUDED.user_type,
			interaction_count = EXCLUDED.interaction_count,
			avg_session_ms = EXCLUDED.avg_session_ms,
			error_rate = EXCLUDED.error_rate,
			voice_usage_rate = EXCLUDED.voice_usage_rate,
			preferred_hours = EXCLUDED.preferred_hours,
			top_elements = EXCLUDED.top_elements,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.UserType, p.InteractionCount, p.AvgSessionMs, p.ErrorRate,
		p.VoiceUsageRate, p.PreferredHours, topElements, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	var topElements string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, user_type, interaction_count, avg_session_ms, error_rate, voice_usage_rate, preferred_hours, top_elements, updated_at
		FROM profiles WHERE user_id = $1`, userID,
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

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]Profile, error) {
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

func (s *PostgresStore) AppendInteraction(ctx context.Context, it *Interaction) error {
	contextJSON := "{}"
	if len(it.Context) > 0 {
		contextJSON = string(it.Context)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, conn_id, interaction_type, element_id, element_type, action, duration_ms, success, error_message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		it.ID, it.UserID, it.ConnID, it.InteractionType, it.ElementID, it.ElementType,
		it.Action, it.DurationMs, it.Success, it.ErrorMessage, contextJSON, it.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conn_id, interaction_type, element_id, element_type, action, duration_ms, success, error_message, context, created_at
		FROM interactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
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

func (s *PostgresStore) CountInteractions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM interactions WHERE user_id = $1", userID).Scan(&n)
	return n, err
}

// --- Suggestions ---

func (s *PostgresStore) SaveSuggestion(ctx context.Context, sg *Suggestion) error {
	payloadJSON := "{}"
	if len(sg.Payload) > 0 {
		payloadJSON = string(sg.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, user_id, kind, title, body, confidence, payload, applied, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sg.ID, sg.UserID, sg.Kind, sg.Title, sg.Body, sg.Confidence, payloadJSON, sg.Applied, sg.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, id string) (*Suggestion, error) {
	var sg Suggestion
	var payloadJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, title, body, confidence, payload, applied, created_at
		FROM suggestions WHERE id = $1`, id,
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

func (s *PostgresStore) MarkSuggestionApplied(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE suggestions SET applied = TRUE WHERE id = $1", id)
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

func (s *PostgresStore) ListSuggestionsByUser(ctx context.Context, userID string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, title, body, confidence, payload, applied, created_at
		FROM suggestions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
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

func (s *PostgresStore) AppendVoiceCommand(ctx context.Context, vc *VoiceCommand) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_commands (id, user_id, conn_id, transcript, language, intent, confidence, status, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		vc.ID, vc.UserID, vc.ConnID, vc.Transcript, vc.Language, vc.Intent, vc.Confidence, vc.Status, vc.DurationMs, vc.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListVoiceCommands(ctx context.Context, userID string, limit int) ([]VoiceCommand, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conn_id, transcript, language, intent, confidence, status, duration_ms, created_at
		FROM voice_commands WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, action, user_id, conn_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.UserID, event.ConnID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, user_id, conn_id, detail, created_at
		FROM audit_events ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
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

func (s *PostgresStore) PurgeOldInteractions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM interactions WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
