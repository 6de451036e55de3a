// Package webhooks delivers signed auth-event notifications to the tenant's
// webhook endpoint. Every terminal handshake outcome (and every refresh
// failure) produces one event; delivery is retried a bounded number of times
// and failures stay best-effort.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/httpclient"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/tenant"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the tenant's secret key. Receivers verify it before trusting the payload.
const SignatureHeader = "X-Nango-Signature"

// EventTypeAuth marks handshake and refresh outcome events.
const EventTypeAuth = "auth"

// DefaultMaxAttempts bounds delivery retries, the initial attempt included.
const DefaultMaxAttempts = 3

const (
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
)

// EventError mirrors the stable error surface into the outbound payload.
type EventError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// AuthEvent is the payload delivered after a handshake finishes or a refresh
// fails. Success events omit Error.
type AuthEvent struct {
	Type              string               `json:"type"`
	ConnectionID      string               `json:"connectionId"`
	ProviderConfigKey string               `json:"providerConfigKey"`
	AuthMode          auth.AuthMode        `json:"authMode"`
	Provider          string               `json:"provider"`
	Environment       string               `json:"environment"`
	Operation         connection.Operation `json:"operation"`
	Success           bool                 `json:"success"`
	Error             *EventError          `json:"error,omitempty"`
}

// Sender posts signed events to tenant webhook endpoints.
type Sender struct {
	client          *http.Client
	maxAttempts     uint
	initialInterval time.Duration
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient sets the client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) { s.client = client }
}

// WithMaxAttempts bounds delivery retries (initial attempt included).
func WithMaxAttempts(n uint) Option {
	return func(s *Sender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryInterval sets the initial backoff interval between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.initialInterval = d
		}
	}
}

// NewSender builds a webhook sender with the default retry policy.
func NewSender(opts ...Option) *Sender {
	s := &Sender{
		client:          httpclient.NewBuilder().Build(),
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: defaultInitialInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendAuthEvent signs and delivers one auth event to the environment's
// webhook endpoint. Environments without one configured are skipped. The
// last delivery error is returned after retries are exhausted; callers treat
// it as best-effort.
func (s *Sender) SendAuthEvent(ctx context.Context, env *tenant.Environment, event *AuthEvent) error {
	if env.WebhookURL == "" {
		return nil
	}
	event.Type = EventTypeAuth
	if event.Environment == "" {
		event.Environment = env.Name
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}
	signature := Sign([]byte(env.SecretKey), body)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.initialInterval
	expBackoff.MaxInterval = defaultMaxInterval

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		if err := s.deliver(ctx, env.WebhookURL, signature, body); err != nil {
			logger.Debugw("webhook delivery attempt failed",
				"url", env.WebhookURL, "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.maxAttempts),
	)
	if err != nil {
		return fmt.Errorf("delivering webhook to %s: %w", env.WebhookURL, err)
	}
	return nil
}

// deliver runs a single POST. Any non-2xx answer is a failed attempt.
func (s *Sender) deliver(ctx context.Context, url, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, httpclient.MaxResponseSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex-encoded HMAC-SHA256 of the payload under the
// tenant's secret key.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(secret, payload []byte, signature string) bool {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), sigBytes)
}
