// Package session holds the transient, single-use record that binds a
// redirect-based handshake to its originating request. The session id doubles
// as the OAuth state parameter; atomic delete-on-read is the replay guard.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nangohq/nango/pkg/auth"
)

// TTL bounds for pending sessions.
const (
	DefaultTTL = 10 * time.Minute
	MaxTTL     = time.Hour
)

// Session is one pending handshake. Created by start, consumed exactly once
// by finish, or reaped by the sweeper.
type Session struct {
	// ID is the opaque session id and the OAuth state parameter.
	ID                string               `json:"id"`
	EnvironmentID     int64                `json:"environment_id"`
	ProviderConfigKey string               `json:"provider_config_key"`
	Provider          string               `json:"provider"`
	AuthMode          auth.AuthMode        `json:"auth_mode"`
	ConnectionID      string               `json:"connection_id"`
	CallbackURL       string               `json:"callback_url"`
	CodeVerifier      string               `json:"code_verifier"`
	ConnectionConfig  map[string]any       `json:"connection_config,omitempty"`
	WebSocketClientID string               `json:"web_socket_client_id,omitempty"`
	ActivityLogID     string               `json:"activity_log_id"`
	ConfigOverride    *auth.ConfigOverride `json:"config_override,omitempty"`
	// RequestTokenSecret holds the OAuth1 request-token secret between the
	// two legs of that flow.
	RequestTokenSecret string    `json:"request_token_secret,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Expired reports whether the session passed its deadline.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store is the durable session contract. FindAndDelete is a single atomic
// operation: concurrent calls for the same id see at most one non-nil
// result. Missing ids return (nil, nil).
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindAndDelete(ctx context.Context, id string) (*Session, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// NewID mints a session id (and therefore an OAuth state value).
func NewID() string {
	return uuid.NewString()
}

// NewCodeVerifier returns the PKCE code verifier: 24 random bytes, hex
// encoded to 48 characters.
func NewCodeVerifier() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ClampTTL bounds a configured TTL to the allowed range, substituting the
// default for non-positive values.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}
