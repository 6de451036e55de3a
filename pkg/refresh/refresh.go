// Package refresh keeps stored OAuth2 credentials usable for downstream
// calls: it decides when a connection's tokens are stale, replays the
// provider's refresh exchange, and collapses concurrent refreshers for the
// same connection into a single upstream call.
package refresh

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/flows"
	"github.com/nangohq/nango/pkg/httpclient"
	"github.com/nangohq/nango/pkg/interpolate"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/telemetry"
	"github.com/nangohq/nango/pkg/tenant"
)

const (
	// DefaultSkew is how far before expiry a token counts as stale.
	DefaultSkew = 15 * time.Minute
	// DefaultLeaseTTL bounds how long a crashed broker instance can hold
	// the cross-process refresh lock on a connection row.
	DefaultLeaseTTL = 30 * time.Second
)

// Request identifies the connection to freshen along with its resolved
// integration config and provider descriptor. The caller resolves both, the
// same way it does for the flow engine.
type Request struct {
	Connection *connection.Connection
	Config     *tenant.IntegrationConfig
	Provider   *providers.Provider
	// Force refreshes refreshable credentials even when they still look
	// fresh.
	Force bool
}

// Coordinator serializes credential refreshes per connection. A
// process-local singleflight group makes concurrent callers share one
// exchange, and a short-lived row lease keeps multiple broker instances from
// racing the same refresh.
type Coordinator struct {
	connections connection.Store
	client      *http.Client
	skew        time.Duration
	leaseTTL    time.Duration
	metrics     *telemetry.Metrics
	now         func() time.Time

	group singleflight.Group
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient sets the client used for refresh exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) { c.client = client }
}

// WithSkew sets how far before expiry credentials count as stale.
func WithSkew(skew time.Duration) Option {
	return func(c *Coordinator) { c.skew = skew }
}

// WithLeaseTTL sets the duration of the cross-process row lease.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.leaseTTL = ttl }
}

// WithMetrics wires refresh outcome counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator builds a refresh coordinator over the connection store.
func NewCoordinator(connections connection.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		connections: connections,
		client:      httpclient.NewBuilder().Build(),
		skew:        DefaultSkew,
		leaseTTL:    DefaultLeaseTTL,
		metrics:     telemetry.NoopMetrics(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetFreshCredentials returns credentials safe to hand to a downstream call,
// refreshing them first when they are stale. Non-refreshable modes and
// tokens without a refresh token come back as stored. Concurrent callers for
// the same connection share one refresh result.
func (c *Coordinator) GetFreshCredentials(ctx context.Context, req *Request) (auth.Credentials, error) {
	creds := req.Connection.Credentials
	if creds == nil {
		return nil, auth.NewError(auth.CodeMissingConnection, "connection has no stored credentials")
	}
	if !creds.Mode().Refreshable() {
		return creds, nil
	}
	stored, ok := creds.(*auth.OAuth2Credentials)
	if !ok || stored.RefreshToken == "" {
		// Nothing to exchange; serve what is stored.
		return creds, nil
	}
	if !req.Force && !c.stale(stored) {
		return creds, nil
	}

	fresh, err, _ := c.group.Do(strconv.FormatInt(req.Connection.ID, 10), func() (any, error) {
		return c.refresh(ctx, req, stored)
	})
	if err != nil {
		return nil, err
	}
	return fresh.(auth.Credentials), nil
}

// stale applies the staleness policy: tokens without a recorded expiry
// refresh opportunistically, tokens with one refresh inside the skew window.
func (c *Coordinator) stale(creds *auth.OAuth2Credentials) bool {
	if creds.ExpiresAt == nil {
		return creds.RefreshToken != ""
	}
	return creds.ExpiresAt.Sub(c.now()) < c.skew
}

// refresh runs one exchange under the row lease. Losing the lease means
// another broker instance is mid-refresh, so the row is re-read to pick up
// its result instead of stacking a second exchange behind it.
func (c *Coordinator) refresh(ctx context.Context, req *Request, stored *auth.OAuth2Credentials) (auth.Credentials, error) {
	conn := req.Connection

	acquired, err := c.connections.AcquireRefreshLease(ctx, conn.ID, c.leaseTTL)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to acquire refresh lease", err)
	}
	if !acquired {
		current, err := c.connections.GetByID(ctx, conn.ID)
		if err != nil {
			return nil, auth.WrapError(auth.CodeUnknownError, "failed to re-read connection after lost lease", err)
		}
		return current.Credentials, nil
	}
	defer func() {
		if err := c.connections.ReleaseRefreshLease(context.WithoutCancel(ctx), conn.ID); err != nil {
			logger.Warnw("failed to release refresh lease", "connection_id", conn.ID, "error", err)
		}
	}()

	resp, err := c.exchange(ctx, req, stored)
	if err != nil {
		c.recordFailure(ctx, conn.ID, err)
		c.metrics.RecordRefresh(ctx, false)
		return nil, err
	}

	fresh := flows.CredentialsFromToken(resp, c.now())
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stored.RefreshToken
	}
	fresh.ConfigOverride = stored.ConfigOverride

	if err := c.connections.UpdateCredentials(ctx, conn.ID, fresh); err != nil {
		c.metrics.RecordRefresh(ctx, false)
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to persist refreshed credentials", err)
	}
	if err := c.connections.ClearLastAuthError(ctx, conn.ID); err != nil {
		logger.Warnw("failed to clear auth error after refresh", "connection_id", conn.ID, "error", err)
	}
	c.metrics.RecordRefresh(ctx, true)
	return fresh, nil
}

// exchange POSTs the refresh grant to the provider. refresh_url overrides
// the token endpoint and refresh_params override token_params; auth method
// and body format stay the same as the original exchange.
func (c *Coordinator) exchange(ctx context.Context, req *Request, stored *auth.OAuth2Credentials) (*flows.TokenResponse, error) {
	provider := req.Provider
	endpoint := provider.RefreshURL
	if endpoint == "" {
		endpoint = provider.TokenURL.ForMode(auth.ModeOAuth2)
	}
	if endpoint == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "provider declares no token endpoint to refresh against")
	}

	var opts []interpolate.Option
	if provider.TokenURLEncode {
		opts = append(opts, interpolate.WithURLEncoding())
	}
	endpoint, err := interpolate.Interpolate(endpoint, req.Connection.ConnectionConfig, opts...)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "refresh URL template failed to interpolate", err)
	}

	source := provider.RefreshParams
	if len(source) == 0 {
		source = provider.TokenParams
	}
	params, err := interpolate.InterpolateStringMap(source, req.Connection.ConnectionConfig)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "refresh params failed to interpolate", err)
	}
	if params == nil {
		params = map[string]string{}
	}
	params["grant_type"] = "refresh_token"
	params["refresh_token"] = stored.RefreshToken

	clientID, clientSecret := clientPair(req.Config, stored.ConfigOverride)

	return flows.ExchangeToken(ctx, c.client, &flows.TokenRequest{
		URL:          endpoint,
		Params:       params,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthMethod:   provider.AuthMethod(),
		BodyFormat:   provider.RequestBodyFormat(),
		ExternalCode: auth.CodeRefreshTokenExternalError,
		ParseCode:    auth.CodeRefreshTokenParsingError,
	})
}

// recordFailure raises the persistent auth-failure record on the connection.
// The stored credentials stay untouched.
func (c *Coordinator) recordFailure(ctx context.Context, id int64, refreshErr error) {
	code := string(auth.CodeOf(refreshErr))
	message := refreshErr.Error()
	var authErr *auth.Error
	if errors.As(refreshErr, &authErr) {
		message = authErr.Message
	}
	if err := c.connections.SetLastAuthError(context.WithoutCancel(ctx), id, code, message); err != nil {
		logger.Warnw("failed to record refresh failure", "connection_id", id, "error", err)
	}
}

// clientPair resolves the client id and secret for the refresh, honoring the
// per-connection override captured at authorization time.
func clientPair(cfg *tenant.IntegrationConfig, override *auth.ConfigOverride) (string, string) {
	id, secret := cfg.OAuthClientID, cfg.OAuthClientSecret
	if override.Empty() {
		return id, secret
	}
	if override.ClientID != "" {
		id = override.ClientID
	}
	if override.ClientSecret != "" {
		secret = override.ClientSecret
	}
	return id, secret
}
