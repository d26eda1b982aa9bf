// Package config handles FusionHub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level FusionHub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Router    RouterConfig    `json:"router,omitempty"`
	Voice     VoiceConfig     `json:"voice,omitempty"`
	Analyzer  AnalyzerConfig  `json:"analyzer,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8085"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	UIStaticDir    string   `json:"ui_static_dir,omitempty"`   // path to built UI files
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings for the HTTP API.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "fusionhub.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // interaction and audit retention
}

// RouterConfig defines message routing behavior.
type RouterConfig struct {
	SendQueueSize   int      `json:"send_queue_size,omitempty"`   // per-connection outbound queue; default 256
	IdleTimeout     Duration `json:"idle_timeout,omitempty"`      // drop silent connections; default 90s
	SweepInterval   Duration `json:"sweep_interval,omitempty"`    // liveness sweep period; default 30s
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket message from client; default 64KB
	PingInterval    Duration `json:"ping_interval,omitempty"`     // WebSocket keepalive ping period; default 30s
}

// VoiceConfig defines voice command recognition settings.
type VoiceConfig struct {
	MinConfidence   float64  `json:"min_confidence,omitempty"`   // below this, ask for clarification; default 0.6
	DefaultLanguage string   `json:"default_language,omitempty"` // default "en-US"
	CommandTimeout  Duration `json:"command_timeout,omitempty"`  // max listening window; default 30s
}

// AnalyzerConfig defines behavior analysis settings.
type AnalyzerConfig struct {
	MinInteractions  int      `json:"min_interactions,omitempty"`  // interactions needed before classification; default 10
	AnalysisInterval Duration `json:"analysis_interval,omitempty"` // periodic re-analysis; default 5m
	MaxSuggestions   int      `json:"max_suggestions,omitempty"`   // suggestions per push; default 3
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if d := c.Storage.Driver; d != "" && d != "sqlite" && d != "postgres" {
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", d)
	}
	if v := c.Voice.MinConfidence; v < 0 || v > 1 {
		return fmt.Errorf("voice.min_confidence must be between 0 and 1, got %v", v)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fusionhub.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Router.SendQueueSize == 0 {
		c.Router.SendQueueSize = 256
	}
	if c.Router.IdleTimeout.Duration == 0 {
		c.Router.IdleTimeout.Duration = 90 * time.Second
	}
	if c.Router.SweepInterval.Duration == 0 {
		c.Router.SweepInterval.Duration = 30 * time.Second
	}
	if c.Router.MaxMessageBytes == 0 {
		c.Router.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Router.PingInterval.Duration == 0 {
		c.Router.PingInterval.Duration = 30 * time.Second
	}
	if c.Voice.MinConfidence == 0 {
		c.Voice.MinConfidence = 0.6
	}
	if c.Voice.DefaultLanguage == "" {
		c.Voice.DefaultLanguage = "en-US"
	}
	if c.Voice.CommandTimeout.Duration == 0 {
		c.Voice.CommandTimeout.Duration = 30 * time.Second
	}
	if c.Analyzer.MinInteractions == 0 {
		c.Analyzer.MinInteractions = 10
	}
	if c.Analyzer.AnalysisInterval.Duration == 0 {
		c.Analyzer.AnalysisInterval.Duration = 5 * time.Minute
	}
	if c.Analyzer.MaxSuggestions == 0 {
		c.Analyzer.MaxSuggestions = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
