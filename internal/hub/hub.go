// Package hub is the main orchestrator that ties all components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/smartui-fusion/fusionhub/internal/analyzer"
	"github.com/smartui-fusion/fusionhub/internal/api"
	"github.com/smartui-fusion/fusionhub/internal/auth"
	"github.com/smartui-fusion/fusionhub/internal/config"
	"github.com/smartui-fusion/fusionhub/internal/dispatch"
	"github.com/smartui-fusion/fusionhub/internal/engine"
	"github.com/smartui-fusion/fusionhub/internal/fanout"
	"github.com/smartui-fusion/fusionhub/internal/handlers"
	"github.com/smartui-fusion/fusionhub/internal/metrics"
	"github.com/smartui-fusion/fusionhub/internal/registry"
	"github.com/smartui-fusion/fusionhub/internal/store"
	"github.com/smartui-fusion/fusionhub/pkg/protocol"
)

// Hub is the main hub process.
type Hub struct {
	cfg        *config.Config
	store      store.Store
	auth       *auth.Service
	registry   *registry.Registry
	dispatcher *dispatch.Router
	analyzer   *analyzer.Analyzer
	engine     *engine.Engine
	fanout     *fanout.Engine
	handlers   *handlers.Set
	metrics    *metrics.Metrics
	api        *api.Server
	logger     *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	m := metrics.New()

	reg := registry.New(logger, registry.Options{
		SendQueueSize: cfg.Router.SendQueueSize,
		IdleTimeout:   cfg.Router.IdleTimeout.Duration,
		SweepInterval: cfg.Router.SweepInterval.Duration,
	}, registry.Hooks{
		OnAdd: func(c *registry.Conn) {
			m.ConnectionsTotal.Inc()
			m.ConnectionsActive.Inc()
			auditConn(db, logger, "connection.open", c)
		},
		OnRemove: func(c *registry.Conn) {
			m.ConnectionsActive.Dec()
			auditConn(db, logger, "connection.close", c)
		},
		OnCoalesce: func(msgType string) {
			m.MessagesCoalesced.WithLabelValues(msgType).Inc()
		},
	})

	an := analyzer.New(logger, analyzer.Options{
		MinInteractions: cfg.Analyzer.MinInteractions,
	})

	en := engine.New(logger, engine.Options{
		MinConfidence:  cfg.Voice.MinConfidence,
		MaxSuggestions: cfg.Analyzer.MaxSuggestions,
	})

	fo := fanout.New(logger, reg, fanout.Options{
		OnRouted: func(msgType string) {
			m.MessagesRouted.WithLabelValues(msgType).Inc()
		},
		OnDropped: func(msgType string) {
			m.MessagesDropped.Inc()
		},
	})

	dr := dispatch.New(logger, dispatch.Options{
		OnDispatch: func(msgType string) {
			m.MessagesInbound.WithLabelValues(msgType).Inc()
		},
		OnHandlerFailure: func(msgType string) {
			m.HandlerFailures.WithLabelValues(msgType).Inc()
		},
		OnProtocolError: func(code protocol.ErrorCode) {
			m.ProtocolErrors.WithLabelValues(string(code)).Inc()
		},
		OnHandled: func(msgType string, seconds float64) {
			m.DispatchDuration.WithLabelValues(msgType).Observe(seconds)
		},
	})

	hs := handlers.New(logger, db, an, en, fo, handlers.Options{
		ListenWindow:    cfg.Voice.CommandTimeout.Duration,
		DefaultLanguage: cfg.Voice.DefaultLanguage,
	})
	hs.Register(dr)

	apiSrv := api.NewServer(db, authSvc, reg, dr, en, cfg, m.Handler(), logger)

	h := &Hub{
		cfg:        cfg,
		store:      db,
		auth:       authSvc,
		registry:   reg,
		dispatcher: dr,
		analyzer:   an,
		engine:     en,
		fanout:     fo,
		handlers:   hs,
		metrics:    m,
		api:        apiSrv,
		logger:     logger.With("component", "hub"),
	}

	if len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if dir := cfg.Server.UIStaticDir; dir != "" {
		if _, err := os.Stat(dir); err != nil {
			logger.Warn("UI static directory is not accessible", "dir", dir, "error", err)
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	h.registry.StartSweeper(ctx)
	h.api.StartBackgroundTasks(ctx)

	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration)
	}
	if h.cfg.Analyzer.AnalysisInterval.Duration > 0 {
		go h.runAnalysisPusher(ctx, h.cfg.Analyzer.AnalysisInterval.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		// Drop remaining connections and wait for in-flight handlers.
		for _, c := range h.registry.List() {
			h.registry.Remove(c.ID)
		}
		h.dispatcher.Wait()

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func auditConn(db store.Store, logger *slog.Logger, action string, c *registry.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    c.UserID(),
		ConnID:    c.ID,
		CreatedAt: time.Now(),
	}
	if err := db.LogAuditEvent(ctx, ev); err != nil {
		logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldInteractions(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: interactions failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old interactions", "count", n)
			}
			if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}

// runAnalysisPusher periodically regenerates suggestions for users with live
// connections and fans them out.
func (h *Hub) runAnalysisPusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seen := map[string]bool{}
			for _, c := range h.registry.List() {
				userID := c.UserID()
				if userID == "" || seen[userID] {
					continue
				}
				seen[userID] = true
				if n := h.handlers.PushSuggestions(ctx, userID); n > 0 {
					h.logger.Debug("pushed suggestions", "user_id", userID, "connections", n)
				}
			}
		}
	}
}
