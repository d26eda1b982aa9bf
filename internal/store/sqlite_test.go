package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestAccount is a helper that inserts an account and returns it.
func createTestAccount(t *testing.T, s *SQLiteStore, username, role string) *Account {
	t.Helper()
	a := &Account{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: "hash-" + username,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("createTestAccount(%s): %v", username, err)
	}
	return a
}

// createTestInteraction is a helper that inserts an interaction and returns it.
func createTestInteraction(t *testing.T, s *SQLiteStore, userID, action string, success bool) *Interaction {
	t.Helper()
	it := &Interaction{
		ID:              uuid.New().String(),
		UserID:          userID,
		ConnID:          "conn-1",
		InteractionType: "click",
		ElementID:       "save-button",
		ElementType:     "button",
		Action:          action,
		DurationMs:      120,
		Success:         success,
		Context:         json.RawMessage(`{"page":"editor"}`),
		CreatedAt:       time.Now(),
	}
	if err := s.AppendInteraction(context.Background(), it); err != nil {
		t.Fatalf("createTestInteraction: %v", err)
	}
	return it
}

func TestAccountCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTestAccount(t, s, "alice", "admin")

	got, err := s.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got == nil || got.ID != a.ID || got.Role != "admin" {
		t.Fatalf("GetAccount: got %+v", got)
	}

	byID, err := s.GetAccountByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccountByID: %v", err)
	}
	if byID == nil || byID.Username != "alice" {
		t.Fatalf("GetAccountByID: got %+v", byID)
	}

	missing, err := s.GetAccount(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetAccount(missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing account, got %+v", missing)
	}

	createTestAccount(t, s, "bob", "user")
	all, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAccounts: got %d, want 2", len(all))
	}
}

func TestProfileUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Profile{
		UserID:           "user-1",
		UserType:         "casual_user",
		InteractionCount: 5,
		AvgSessionMs:     40_000,
		ErrorRate:        0.1,
		VoiceUsageRate:   0.05,
		TopElements:      json.RawMessage(`{"save-button":3}`),
		UpdatedAt:        time.Now(),
	}
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	got, err := s.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got == nil || got.UserType != "casual_user" || got.InteractionCount != 5 {
		t.Fatalf("GetProfile: got %+v", got)
	}

	// Upsert with new classification must replace, not duplicate.
	p.UserType = "power_user"
	p.InteractionCount = 120
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile(update): %v", err)
	}
	got, err = s.GetProfile(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.UserType != "power_user" || got.InteractionCount != 120 {
		t.Fatalf("profile not updated: %+v", got)
	}

	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("ListProfiles: got %d, want 1", len(profiles))
	}
}

func TestInteractionsAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createTestInteraction(t, s, "user-1", "press", i%2 == 0)
	}
	createTestInteraction(t, s, "user-2", "press", true)

	list, err := s.ListInteractions(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("ListInteractions: got %d, want 5", len(list))
	}
	if list[0].InteractionType != "click" || list[0].ElementID != "save-button" {
		t.Fatalf("interaction fields lost: %+v", list[0])
	}
	if string(list[0].Context) != `{"page":"editor"}` {
		t.Fatalf("context not round-tripped: %s", list[0].Context)
	}

	limited, err := s.ListInteractions(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListInteractions(limit): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored: got %d", len(limited))
	}

	n, err := s.CountInteractions(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountInteractions: %v", err)
	}
	if n != 5 {
		t.Fatalf("CountInteractions: got %d, want 5", n)
	}
}

func TestSuggestionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sg := &Suggestion{
		ID:         uuid.New().String(),
		UserID:     "user-1",
		Kind:       "shortcut",
		Title:      "Try Ctrl+S",
		Body:       "You click save a lot.",
		Confidence: 0.82,
		Payload:    json.RawMessage(`{"shortcut":"ctrl+s"}`),
		CreatedAt:  time.Now(),
	}
	if err := s.SaveSuggestion(ctx, sg); err != nil {
		t.Fatalf("SaveSuggestion: %v", err)
	}

	got, err := s.GetSuggestion(ctx, sg.ID)
	if err != nil {
		t.Fatalf("GetSuggestion: %v", err)
	}
	if got == nil || got.Applied || got.Confidence != 0.82 {
		t.Fatalf("GetSuggestion: got %+v", got)
	}

	if err := s.MarkSuggestionApplied(ctx, sg.ID); err != nil {
		t.Fatalf("MarkSuggestionApplied: %v", err)
	}
	got, err = s.GetSuggestion(ctx, sg.ID)
	if err != nil {
		t.Fatalf("GetSuggestion: %v", err)
	}
	if !got.Applied {
		t.Fatal("suggestion not marked applied")
	}

	if err := s.MarkSuggestionApplied(ctx, "no-such-id"); err == nil {
		t.Fatal("expected error applying unknown suggestion")
	}

	list, err := s.ListSuggestionsByUser(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListSuggestionsByUser: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSuggestionsByUser: got %d, want 1", len(list))
	}
}

func TestVoiceCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	vc := &VoiceCommand{
		ID:         uuid.New().String(),
		UserID:     "user-1",
		ConnID:     "conn-1",
		Transcript: "open settings",
		Language:   "en-US",
		Intent:     "open_settings",
		Confidence: 0.93,
		Status:     "executed",
		DurationMs: 1800,
		CreatedAt:  time.Now(),
	}
	if err := s.AppendVoiceCommand(ctx, vc); err != nil {
		t.Fatalf("AppendVoiceCommand: %v", err)
	}

	list, err := s.ListVoiceCommands(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListVoiceCommands: %v", err)
	}
	if len(list) != 1 || list[0].Intent != "open_settings" || list[0].Status != "executed" {
		t.Fatalf("ListVoiceCommands: got %+v", list)
	}
	if list[0].Language != "en-US" {
		t.Fatalf("Language = %q, want en-US", list[0].Language)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &AuditEvent{
			ID:        uuid.New().String(),
			Action:    "client.connect",
			UserID:    "user-1",
			ConnID:    "conn-1",
			Detail:    json.RawMessage(`{"client_type":"web"}`),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.LogAuditEvent(ctx, ev); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	events, err := s.ListAuditEvents(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListAuditEvents: got %d, want 2", len(events))
	}
	if events[0].Action != "client.connect" {
		t.Fatalf("event fields lost: %+v", events[0])
	}
}

func TestPurgeOldData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &Interaction{
		ID: uuid.New().String(), UserID: "user-1", InteractionType: "click",
		Action: "press", CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := s.AppendInteraction(ctx, old); err != nil {
		t.Fatalf("AppendInteraction: %v", err)
	}
	createTestInteraction(t, s, "user-1", "press", true)

	n, err := s.PurgeOldInteractions(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldInteractions: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d interactions, want 1", n)
	}

	remaining, err := s.ListInteractions(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining interaction, got %d", len(remaining))
	}

	oldEv := &AuditEvent{
		ID: uuid.New().String(), Action: "client.connect",
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := s.LogAuditEvent(ctx, oldEv); err != nil {
		t.Fatalf("LogAuditEvent: %v", err)
	}
	n, err = s.PurgeOldAuditEvents(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d audit events, want 1", n)
	}
}
