// Package handlers implements the business logic behind each inbound message
// type: session init, voice command lifecycle, visual debug toggling,
// interaction telemetry, and suggestion application.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smartui-fusion/fusionhub/internal/analyzer"
	"github.com/smartui-fusion/fusionhub/internal/dispatch"
	"github.com/smartui-fusion/fusionhub/internal/engine"
	"github.com/smartui-fusion/fusionhub/internal/fanout"
	"github.com/smartui-fusion/fusionhub/internal/registry"
	"github.com/smartui-fusion/fusionhub/internal/store"
	"github.com/smartui-fusion/fusionhub/pkg/protocol"
)

// SourceServer marks envelopes originated by the hub itself.
const SourceServer = "server"

// Options tunes voice session handling.
type Options struct {
	ListenWindow    time.Duration // cap on one listening session; 0 disables the cap
	DefaultLanguage string        // used when the client does not name a language
}

// Set owns the handlers for all inbound message types.
type Set struct {
	logger   *slog.Logger
	store    store.Store
	analyzer *analyzer.Analyzer
	engine   *engine.Engine
	fanout   *fanout.Engine

	listenWindow time.Duration
	language     string
}

// New creates the handler set.
func New(logger *slog.Logger, st store.Store, an *analyzer.Analyzer, en *engine.Engine, fo *fanout.Engine, opts Options) *Set {
	return &Set{
		logger:       logger.With("component", "handlers"),
		store:        st,
		analyzer:     an,
		engine:       en,
		fanout:       fo,
		listenWindow: opts.ListenWindow,
		language:     opts.DefaultLanguage,
	}
}

// Register installs every handler on the router.
func (s *Set) Register(r *dispatch.Router) {
	r.RegisterFunc(protocol.TypeInit, s.handleInit)
	r.RegisterFunc(protocol.TypeStartVoiceCommand, s.handleStartVoiceCommand)
	r.RegisterFunc(protocol.TypeStopVoiceCommand, s.handleStopVoiceCommand)
	r.RegisterFunc(protocol.TypeToggleVisualDebug, s.handleToggleVisualDebug)
	r.RegisterFunc(protocol.TypeUserInteraction, s.handleUserInteraction)
	r.RegisterFunc(protocol.TypeApplySuggestion, s.handleApplySuggestion)
}

// handleInit records client identity and answers with the user's current
// profile. The reply's source field carries the server-assigned connection
// id, which is how the client learns it.
func (s *Set) handleInit(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error {
	p := payload.(protocol.InitPayload)

	conn.SetIdentity(registry.KindFromClientType(p.ClientType), p.UserID)
	s.logger.Info("client initialized",
		"conn_id", conn.ID, "client_type", p.ClientType, "user_id", p.UserID)

	s.audit(ctx, "client.init", p.UserID, conn.ID, map[string]any{
		"client_type": p.ClientType,
	})

	profile := s.profileFor(ctx, p.UserID)
	out := protocol.New(protocol.TypeUserProfileUpdate, conn.ID, profile)
	return conn.Enqueue(out)
}

// profileFor loads the stored profile, falling back to a fresh analysis, and
// finally to an empty new_user profile.
func (s *Set) profileFor(ctx context.Context, userID string) protocol.UserProfile {
	if userID == "" {
		return protocol.UserProfile{
			UserType:  analyzer.TypeNewUser,
			UpdatedAt: time.Now().UnixMilli(),
		}
	}

	if stored, err := s.store.GetProfile(ctx, userID); err == nil && stored != nil {
		return protocol.UserProfile{
			UserID:            stored.UserID,
			UserType:          stored.UserType,
			SuccessRate:       1 - stored.ErrorRate,
			ErrorRate:         stored.ErrorRate,
			AvgTaskDurationMs: float64(stored.AvgSessionMs),
			InteractionCount:  stored.InteractionCount,
			UpdatedAt:         stored.UpdatedAt.UnixMilli(),
		}
	}

	res := s.analyzer.Analyze(userID)
	return protocol.UserProfile{
		UserID:            userID,
		UserType:          res.UserType,
		SuccessRate:       res.SuccessRate,
		ErrorRate:         res.ErrorRate,
		AvgTaskDurationMs: res.AvgDurationMs,
		Recommendations:   res.Recommendations,
		InteractionCount:  res.SampleSize,
		UpdatedAt:         time.Now().UnixMilli(),
	}
}

// handleStartVoiceCommand opens a listening session capped at the configured
// window. A second start while already listening reports already_listening
// and leaves the session open.
func (s *Set) handleStartVoiceCommand(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error {
	p := payload.(protocol.StartVoiceCommandPayload)
	lang := p.Language
	if lang == "" {
		lang = s.language
	}

	opened := conn.BeginListening(lang, s.listenWindow, func() {
		s.logger.Debug("voice session timed out", "conn_id", conn.ID, "window", s.listenWindow)
		_ = conn.Enqueue(protocol.New(protocol.TypeVoiceCommandResult, SourceServer,
			protocol.VoiceCommandResultPayload{Status: protocol.VoiceStatusTimeout}))
	})
	if !opened {
		return conn.Enqueue(protocol.New(protocol.TypeVoiceCommandResult, SourceServer,
			protocol.VoiceCommandResultPayload{Status: protocol.VoiceStatusAlreadyListening}))
	}

	s.logger.Debug("voice session started", "conn_id", conn.ID, "language", lang)
	return conn.Enqueue(protocol.New(protocol.TypeVoiceCommandResult, SourceServer,
		protocol.VoiceCommandResultPayload{Status: protocol.VoiceStatusListening}))
}

// handleStopVoiceCommand closes the listening window and interprets the
// transcript the client collected.
func (s *Set) handleStopVoiceCommand(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error {
	p := payload.(protocol.StopVoiceCommandPayload)

	lang, open := conn.EndListening()
	if !open {
		return conn.Enqueue(protocol.New(protocol.TypeVoiceCommandResult, SourceServer,
			protocol.VoiceCommandResultPayload{Status: protocol.VoiceStatusNotListening}))
	}

	rec, err := s.engine.Recognize(ctx, p.Transcript, p.Confidence)
	if err != nil {
		return &protocol.ProtocolError{
			Code:    protocol.CodeDownstreamUnavailable,
			Message: "voice recognition unavailable",
		}
	}

	result := protocol.VoiceCommandResultPayload{
		Transcript: p.Transcript,
		Confidence: rec.Confidence,
	}
	status := protocol.VoiceStatusExecuted
	if rec.Clarify {
		status = protocol.VoiceStatusClarify
	} else {
		result.Command = &rec.Intent
	}
	result.Status = status

	s.recordVoiceCommand(ctx, conn, p, rec, status, lang)

	return conn.Enqueue(protocol.New(protocol.TypeVoiceCommandResult, SourceServer, result))
}

func (s *Set) recordVoiceCommand(ctx context.Context, conn *registry.Conn, p protocol.StopVoiceCommandPayload, rec engine.Recognition, status, lang string) {
	userID := conn.UserID()
	if userID == "" {
		return
	}
	vc := &store.VoiceCommand{
		ID:         uuid.New().String(),
		UserID:     userID,
		ConnID:     conn.ID,
		Transcript: p.Transcript,
		Language:   lang,
		Intent:     rec.Intent.Action,
		Confidence: rec.Confidence,
		Status:     status,
		DurationMs: p.DurationMs,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AppendVoiceCommand(ctx, vc); err != nil {
		s.logger.Warn("failed to persist voice command", "conn_id", conn.ID, "error", err)
	}

	// Voice commands count as interactions for behavior analysis.
	s.analyzer.Record(store.Interaction{
		ID:              uuid.New().String(),
		UserID:          userID,
		ConnID:          conn.ID,
		InteractionType: "voice",
		Action:          rec.Intent.Action,
		DurationMs:      p.DurationMs,
		Success:         status == protocol.VoiceStatusExecuted,
		CreatedAt:       time.Now(),
	})
}

// handleToggleVisualDebug flips (or sets) debug streaming for the connection
// and answers with the resulting state plus element suggestions.
func (s *Set) handleToggleVisualDebug(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error {
	p := payload.(protocol.ToggleVisualDebugPayload)

	enabled := conn.ToggleVisualDebug(p.Enabled)
	s.logger.Debug("visual debug toggled", "conn_id", conn.ID, "enabled", enabled)

	out := protocol.VisualDebugDataPayload{
		Enabled:    enabled,
		ElementID:  p.ElementID,
		CapturedAt: time.Now().UnixMilli(),
	}
	if enabled {
		if userID := conn.UserID(); userID != "" {
			out.Suggestions = s.engine.Suggest(s.analyzer.Analyze(userID))
		}
	}

	return conn.Enqueue(protocol.New(protocol.TypeVisualDebugData, SourceServer, out))
}

// handleUserInteraction persists the interaction, feeds the analyzer, and
// streams a refreshed analysis back. The analysis frame is coalescible, so a
// burst of interactions converges to the latest state.
func (s *Set) handleUserInteraction(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error {
	p := payload.(protocol.UserInteractionPayload)

	success := p.Success == nil || *p.Success
	var contextJSON json.RawMessage
	if len(p.Context) > 0 {
		contextJSON, _ = json.Marshal(p.Context)
	}

	it := store.Interaction{
		ID:              uuid.New().String(),
		UserID:          conn.UserID(),
		ConnID:          conn.ID,
		InteractionType: p.InteractionType,
		ElementID:       p.ElementID,
		ElementType:     p.ElementType,
		Action:          p.Action,
		DurationMs:      p.DurationMs,
		Success:         success,
		ErrorMessage:    p.ErrorMessage,
		Context:         contextJSON,
		CreatedAt:       time.Now(),
	}

	if it.UserID != "" {
		if err := s.store.AppendInteraction(ctx, &it); err != nil {
			return fmt.Errorf("persist interaction: %w", err)
		}
	}
	s.analyzer.Record(it)

	if it.UserID == "" {
		return nil
	}

	res := s.analyzer.Analyze(it.UserID)
	s.persistProfile(ctx, res)

	return conn.Enqueue(protocol.New(protocol.TypeRealtimeAnalysis, SourceServer, engine.AnalysisPayload(res)))
}

func (s *Set) persistProfile(ctx context.Context, res analyzer.Analysis) {
	if res.UserType == analyzer.TypeNewUser {
		return
	}
	topElements, _ := json.Marshal(res.TopElements)
	p := &store.Profile{
		UserID:           res.UserID,
		UserType:         res.UserType,
		InteractionCount: res.SampleSize,
		AvgSessionMs:     int64(res.AvgDurationMs),
		ErrorRate:        res.ErrorRate,
		VoiceUsageRate:   res.VoiceRatio,
		TopElements:      topElements,
		UpdatedAt:        time.Now(),
	}
	if err := s.store.UpsertProfile(ctx, p); err != nil {
		s.logger.Warn("failed to persist profile", "user_id", res.UserID, "error", err)
	}
}

// handleApplySuggestion marks a previously issued suggestion applied and
// confirms via smart_suggestion.
func (s *Set) handleApplySuggestion(ctx context.Context, conn *registry.Conn, env protocol.Envelope, payload any) error {
	p := payload.(protocol.ApplySuggestionPayload)

	sg, err := s.store.GetSuggestion(ctx, p.SuggestionID)
	if err != nil {
		return fmt.Errorf("lookup suggestion: %w", err)
	}
	if sg == nil {
		return &protocol.ProtocolError{
			Code:    protocol.CodeNotFound,
			Message: fmt.Sprintf("suggestion %q not found", p.SuggestionID),
		}
	}

	if err := s.store.MarkSuggestionApplied(ctx, sg.ID); err != nil {
		return fmt.Errorf("apply suggestion: %w", err)
	}

	s.audit(ctx, "suggestion.applied", conn.UserID(), conn.ID, map[string]any{
		"suggestion_id": sg.ID,
		"kind":          sg.Kind,
	})

	return conn.Enqueue(protocol.New(protocol.TypeSmartSuggestion, SourceServer,
		protocol.SmartSuggestionPayload{AppliedID: sg.ID}))
}

// PushSuggestions generates and stores suggestions for a user, then fans them
// out to all of the user's connections. Used by the periodic analysis loop.
func (s *Set) PushSuggestions(ctx context.Context, userID string) int {
	res := s.analyzer.Analyze(userID)
	sugs := s.engine.Suggest(res)
	if len(sugs) == 0 {
		return 0
	}

	for _, sg := range sugs {
		rec := &store.Suggestion{
			ID:         sg.ID,
			UserID:     userID,
			Kind:       sg.Action,
			Title:      sg.Action,
			Body:       sg.Reason,
			Confidence: sg.Confidence,
			CreatedAt:  time.Now(),
		}
		if err := s.store.SaveSuggestion(ctx, rec); err != nil {
			s.logger.Warn("failed to persist suggestion", "user_id", userID, "error", err)
		}
	}

	env := protocol.New(protocol.TypeSmartSuggestion, SourceServer,
		protocol.SmartSuggestionPayload{Suggestions: sugs})
	return s.fanout.ToUser(userID, env)
}

func (s *Set) audit(ctx context.Context, action, userID, connID string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		ConnID:    connID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}
	if err := s.store.LogAuditEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
