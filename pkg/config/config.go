// Package config loads the broker's runtime configuration from the
// environment through viper. Every knob has a default; Load never touches
// the filesystem.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nangohq/nango/pkg/secrets"
	"github.com/nangohq/nango/pkg/session"
)

// Environment keys.
const (
	KeyEncryptionKey  = "NANGO_ENCRYPTION_KEY"
	KeyServerURL      = "NANGO_SERVER_URL"
	KeyCallbackURL    = "NANGO_CALLBACK_URL"
	KeyDBPath         = "NANGO_DB_PATH"
	KeyRedisURL       = "NANGO_DB_REDIS_URL"
	KeyServerPort     = "SERVER_PORT"
	KeyLogLevel       = "LOG_LEVEL"
	KeyWebsocketsPath = "NANGO_SERVER_WEBSOCKETS_PATH"
	KeyTelemetry      = "TELEMETRY"
	KeyRequestTimeout = "NANGO_AUTH_REQUEST_TIMEOUT"
	KeySessionTTL     = "NANGO_SESSION_TTL"
	KeyScriptCap      = "CONNECTIONS_WITH_SCRIPTS_CAP_LIMIT"
)

// Defaults.
const (
	DefaultPort           = 3003
	DefaultDBPath         = "nango.db"
	DefaultWebsocketsPath = "/ws"
	DefaultRequestTimeout = 30 * time.Second
	DefaultScriptCap      = 3
)

// Config is the resolved runtime configuration.
type Config struct {
	// EncryptionKey is the base64-encoded AES-256 key sealing credentials
	// at rest. Empty means plaintext storage.
	EncryptionKey string
	// ServerURL is the externally visible base URL of this broker.
	ServerURL string
	// CallbackURL is where providers redirect back to; defaults to
	// ServerURL + /oauth/callback.
	CallbackURL string
	// DBPath is the SQLite database file.
	DBPath string
	// RedisURL, when set, moves the session store to Redis.
	RedisURL string
	Port     int
	LogLevel string
	// WebsocketsPath is where the notification hub is mounted.
	WebsocketsPath string
	Telemetry      bool
	// RequestTimeout bounds every outbound provider call.
	RequestTimeout time.Duration
	// SessionTTL bounds how long a started handshake may wait for its
	// callback.
	SessionTTL time.Duration
	// ScriptCap limits initial syncs per integration; zero or negative
	// disables the cap.
	ScriptCap int
}

var allKeys = []string{
	KeyEncryptionKey,
	KeyServerURL,
	KeyCallbackURL,
	KeyDBPath,
	KeyRedisURL,
	KeyServerPort,
	KeyLogLevel,
	KeyWebsocketsPath,
	KeyTelemetry,
	KeyRequestTimeout,
	KeySessionTTL,
	KeyScriptCap,
}

// Load reads the environment and returns a validated configuration.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault(KeyServerPort, DefaultPort)
	v.SetDefault(KeyDBPath, DefaultDBPath)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyWebsocketsPath, DefaultWebsocketsPath)
	v.SetDefault(KeyTelemetry, true)
	v.SetDefault(KeyRequestTimeout, int(DefaultRequestTimeout/time.Second))
	v.SetDefault(KeySessionTTL, int(session.DefaultTTL/time.Minute))
	v.SetDefault(KeyScriptCap, DefaultScriptCap)

	for _, key := range allKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	cfg := &Config{
		EncryptionKey:  v.GetString(KeyEncryptionKey),
		ServerURL:      strings.TrimRight(v.GetString(KeyServerURL), "/"),
		CallbackURL:    v.GetString(KeyCallbackURL),
		DBPath:         v.GetString(KeyDBPath),
		RedisURL:       v.GetString(KeyRedisURL),
		Port:           v.GetInt(KeyServerPort),
		LogLevel:       v.GetString(KeyLogLevel),
		WebsocketsPath: v.GetString(KeyWebsocketsPath),
		Telemetry:      v.GetBool(KeyTelemetry),
		RequestTimeout: time.Duration(v.GetInt(KeyRequestTimeout)) * time.Second,
		SessionTTL:     time.Duration(v.GetInt(KeySessionTTL)) * time.Minute,
		ScriptCap:      v.GetInt(KeyScriptCap),
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = cfg.ServerURL + "/oauth/callback"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	cfg.SessionTTL = session.ClampTTL(cfg.SessionTTL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validLogLevels = map[string]bool{
	"":        true,
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", KeyServerPort, c.Port)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("%s must be one of debug, info, warn, error; got %q", KeyLogLevel, c.LogLevel)
	}
	if !strings.HasPrefix(c.WebsocketsPath, "/") {
		return fmt.Errorf("%s must start with /, got %q", KeyWebsocketsPath, c.WebsocketsPath)
	}
	if _, err := secrets.FromBase64Key(c.EncryptionKey); err != nil {
		return fmt.Errorf("%s: %w", KeyEncryptionKey, err)
	}
	return nil
}

// Cipher builds the at-rest credential cipher from the configured key.
func (c *Config) Cipher() (secrets.Cipher, error) {
	return secrets.FromBase64Key(c.EncryptionKey)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
