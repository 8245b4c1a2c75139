// Package config handles relay configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets must never be used outside tests.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a random 64-character hex string suitable as
// a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener.
type ServerConfig struct {
	Addr         string `json:"addr"` // e.g. ":8000"
	TLSCert      string `json:"tls_cert,omitempty"`
	TLSKey       string `json:"tls_key,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"` // default 1MB
}

// AuthConfig defines mailbox token settings.
type AuthConfig struct {
	JWTSecret     string   `json:"jwt_secret"`
	TokenLifetime Duration `json:"token_lifetime,omitempty"` // default 1h
	ChallengeTTL  Duration `json:"challenge_ttl,omitempty"`  // default 5m
}

// StorageConfig defines the database and retention.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`
	// Retention bounds how long envelopes without an expiry are held.
	Retention     Duration `json:"retention,omitempty"`
	PurgeInterval Duration `json:"purge_interval,omitempty"`
	// RegistrationTTL is how long an almanac registration stays valid.
	RegistrationTTL Duration `json:"registration_ttl,omitempty"`
	MaxPerMailbox   int      `json:"max_per_mailbox,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 20
	Burst             int     `json:"burst,omitempty"`               // default 40
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
		d.Duration = time.Duration(val * float64(time.Second))
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
	return Parse(data)
}

// Parse validates a config document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.ApplyDefaults()
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
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Auth.TokenLifetime.Duration == 0 {
		c.Auth.TokenLifetime.Duration = time.Hour
	}
	if c.Auth.ChallengeTTL.Duration == 0 {
		c.Auth.ChallengeTTL.Duration = 5 * time.Minute
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "agentwire-relay.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 7 * 24 * time.Hour
	}
	if c.Storage.PurgeInterval.Duration == 0 {
		c.Storage.PurgeInterval.Duration = time.Minute
	}
	if c.Storage.RegistrationTTL.Duration == 0 {
		c.Storage.RegistrationTTL.Duration = time.Hour
	}
	if c.Storage.MaxPerMailbox == 0 {
		c.Storage.MaxPerMailbox = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
}
