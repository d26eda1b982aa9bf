package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8085",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"retention": "72h"
		},
		"router": {
			"send_queue_size": 64,
			"idle_timeout": "2m",
			"sweep_interval": "20s",
			"max_message_bytes": 32768,
			"ping_interval": "15s"
		},
		"voice": {
			"min_confidence": 0.75,
			"default_language": "de-DE",
			"command_timeout": "20s"
		},
		"analyzer": {
			"min_interactions": 25,
			"analysis_interval": "10m",
			"max_suggestions": 5
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Server
	if cfg.Server.Addr != ":8085" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8085")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}

	// Auth
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("Auth.InitialAdmin: got %+v", cfg.Auth.InitialAdmin)
	}

	// Storage
	if cfg.Storage.Retention.Duration != 72*time.Hour {
		t.Errorf("Storage.Retention: got %v, want 72h", cfg.Storage.Retention.Duration)
	}

	// Router
	if cfg.Router.SendQueueSize != 64 {
		t.Errorf("Router.SendQueueSize: got %d, want 64", cfg.Router.SendQueueSize)
	}
	if cfg.Router.IdleTimeout.Duration != 2*time.Minute {
		t.Errorf("Router.IdleTimeout: got %v, want 2m", cfg.Router.IdleTimeout.Duration)
	}
	if cfg.Router.PingInterval.Duration != 15*time.Second {
		t.Errorf("Router.PingInterval: got %v, want 15s", cfg.Router.PingInterval.Duration)
	}

	// Voice
	if cfg.Voice.MinConfidence != 0.75 {
		t.Errorf("Voice.MinConfidence: got %v, want 0.75", cfg.Voice.MinConfidence)
	}
	if cfg.Voice.DefaultLanguage != "de-DE" {
		t.Errorf("Voice.DefaultLanguage: got %q", cfg.Voice.DefaultLanguage)
	}

	// Analyzer
	if cfg.Analyzer.MinInteractions != 25 {
		t.Errorf("Analyzer.MinInteractions: got %d, want 25", cfg.Analyzer.MinInteractions)
	}

	// Logging
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8085"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver default: got %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "fusionhub.db" {
		t.Errorf("Storage.DSN default: got %q", cfg.Storage.DSN)
	}
	if cfg.Router.SendQueueSize != 256 {
		t.Errorf("Router.SendQueueSize default: got %d, want 256", cfg.Router.SendQueueSize)
	}
	if cfg.Router.IdleTimeout.Duration != 90*time.Second {
		t.Errorf("Router.IdleTimeout default: got %v, want 90s", cfg.Router.IdleTimeout.Duration)
	}
	if cfg.Router.SweepInterval.Duration != 30*time.Second {
		t.Errorf("Router.SweepInterval default: got %v, want 30s", cfg.Router.SweepInterval.Duration)
	}
	if cfg.Voice.MinConfidence != 0.6 {
		t.Errorf("Voice.MinConfidence default: got %v, want 0.6", cfg.Voice.MinConfidence)
	}
	if cfg.Voice.DefaultLanguage != "en-US" {
		t.Errorf("Voice.DefaultLanguage default: got %q", cfg.Voice.DefaultLanguage)
	}
	if cfg.Analyzer.MinInteractions != 10 {
		t.Errorf("Analyzer.MinInteractions default: got %d, want 10", cfg.Analyzer.MinInteractions)
	}
	if cfg.Analyzer.MaxSuggestions != 3 {
		t.Errorf("Analyzer.MaxSuggestions default: got %d, want 3", cfg.Analyzer.MaxSuggestions)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("RateLimit defaults: got %+v", cfg.RateLimit)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("Auth.JWTExpiry default: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("Server.MaxBodyBytes default: got %d", cfg.Server.MaxBodyBytes)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			"missing addr",
			`{"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}}`,
			"server.addr is required",
		},
		{
			"missing jwt secret",
			`{"server": {"addr": ":8085"}}`,
			"auth.jwt_secret is required",
		},
		{
			"short jwt secret",
			`{"server": {"addr": ":8085"}, "auth": {"jwt_secret": "short"}}`,
			"at least 32 characters",
		},
		{
			"weak jwt secret",
			`{"server": {"addr": ":8085"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
			"weak secret",
		},
		{
			"bad driver",
			`{"server": {"addr": ":8085"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}, "storage": {"driver": "oracle"}}`,
			"storage.driver",
		},
		{
			"bad confidence",
			`{"server": {"addr": ":8085"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}, "voice": {"min_confidence": 1.5}}`,
			"min_confidence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.json)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8085"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"router": {"idle_timeout": 120}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Router.IdleTimeout.Duration != 120*time.Second {
		t.Errorf("numeric duration: got %v, want 2m", cfg.Router.IdleTimeout.Duration)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("secret length: got %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
