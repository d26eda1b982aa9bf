// Package api provides the HTTP and WebSocket surface for the hub.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/smartui-fusion/fusionhub/internal/auth"
	"github.com/smartui-fusion/fusionhub/internal/config"
	"github.com/smartui-fusion/fusionhub/internal/dispatch"
	"github.com/smartui-fusion/fusionhub/internal/engine"
	"github.com/smartui-fusion/fusionhub/internal/registry"
	"github.com/smartui-fusion/fusionhub/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store      store.Store
	auth       *auth.Service
	registry   *registry.Registry
	dispatcher *dispatch.Router
	engine     *engine.Engine
	logger     *slog.Logger
	mux        *chi.Mux
	upgrader   websocket.Upgrader

	startTime       time.Time
	maxBodyBytes    int64
	maxMessageBytes int64
	pingInterval    time.Duration

	loginRL *rateLimiter
	rl      *rateLimiter
}

// NewServer creates the API server. metricsHandler may be nil to disable the
// /metrics endpoint.
func NewServer(s store.Store, as *auth.Service, reg *registry.Registry, dr *dispatch.Router, en *engine.Engine, cfg *config.Config, metricsHandler http.Handler, logger *slog.Logger) *Server {
	srv := &Server{
		store:           s,
		auth:            as,
		registry:        reg,
		dispatcher:      dr,
		engine:          en,
		logger:          logger.With("component", "api"),
		upgrader:        makeUpgrader(cfg.Server.AllowedOrigins),
		startTime:       time.Now(),
		maxBodyBytes:    cfg.Server.MaxBodyBytes,
		maxMessageBytes: cfg.Router.MaxMessageBytes,
		pingInterval:    cfg.Router.PingInterval.Duration,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(newCORSPolicy(cfg.Server.AllowedOrigins).middleware)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	srv.loginRL = newRateLimiter(5, 10)
	mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)

	// WebSocket route. Clients identify via the init message.
	mux.Get("/ws", srv.handleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/stats", srv.handleStats)
		r.Get("/api/users/{userID}/profile", srv.handleGetProfile)
		r.Get("/api/users/{userID}/interactions", srv.handleListInteractions)
		r.Get("/api/users/{userID}/suggestions", srv.handleListSuggestions)
		r.Get("/api/users/{userID}/voice-commands", srv.handleListVoiceCommands)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(requireRole("admin"))
			r.Post("/api/accounts", srv.handleCreateAccount)
			r.Get("/api/accounts", srv.handleListAccounts)
			r.Get("/api/admin/connections", srv.handleListConnections)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
		})
	})

	// Serve built UI assets if configured, falling back to index.html for
	// SPA routes.
	if dir := cfg.Server.UIStaticDir; dir != "" {
		fileServer := http.FileServer(http.Dir(dir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" && !strings.Contains(r.URL.Path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
			ID: uuid.New().String(), Action: "login.failed",
			Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)), CreatedAt: time.Now(),
		}); err != nil {
			s.logger.Warn("failed to log audit event", "action", "login.failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	acct, _ := s.store.GetAccount(r.Context(), req.Username)
	acctID := ""
	if acct != nil {
		acctID = acct.ID
	}
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "login.success", UserID: acctID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "login.success", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if req.Role != "" && req.Role != "admin" && req.Role != "user" {
		writeError(w, http.StatusBadRequest, "role must be admin or user")
		return
	}

	acct, err := s.auth.Register(r.Context(), req.Username, req.Password, req.Role)
	if err == auth.ErrAccountExists {
		writeError(w, http.StatusConflict, "account already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accts == nil {
		accts = []store.Account{}
	}
	writeJSON(w, http.StatusOK, accts)
}

// --- User data handlers ---

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	profile, err := s.store.GetProfile(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if profile == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryLimit(r, 50, 500)

	interactions, err := s.store.ListInteractions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list interactions")
		return
	}
	if interactions == nil {
		interactions = []store.Interaction{}
	}
	writeJSON(w, http.StatusOK, interactions)
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryLimit(r, 50, 500)

	suggestions, err := s.store.ListSuggestionsByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list suggestions")
		return
	}
	if suggestions == nil {
		suggestions = []store.Suggestion{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) handleListVoiceCommands(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := queryLimit(r, 50, 500)

	cmds, err := s.store.ListVoiceCommands(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list voice commands")
		return
	}
	if cmds == nil {
		cmds = []store.VoiceCommand{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

// --- Admin handlers ---

type connectionInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	UserID  string `json:"user_id,omitempty"`
	Voice   bool   `json:"listening"`
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.List()
	out := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionInfo{
			ID:     c.ID,
			Kind:   string(c.Kind()),
			UserID: c.UserID(),
			Voice:  c.Listening(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	byKind := map[string]int{}
	for _, c := range s.registry.List() {
		byKind[string(c.Kind())]++
	}

	processed, clarified, avgConfidence := s.engine.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":               time.Since(s.startTime).Truncate(time.Second).String(),
		"connections":          s.registry.Count(),
		"connections_by_kind":  byKind,
		"voice_processed":      processed,
		"voice_clarified":      clarified,
		"voice_avg_confidence": avgConfidence,
	})
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
