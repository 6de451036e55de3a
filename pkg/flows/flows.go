// Package flows implements the authorization handshake for every supported
// auth mode. One driver per mode sits behind a common Start/Finish contract;
// the engine dispatches on the provider's auth_mode, owns the single
// consumption of the session on finish, and upserts the resulting
// connection. Hooks, webhooks, and WS notification stay with the caller.
package flows

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/tidwall/gjson"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/httpclient"
	"github.com/nangohq/nango/pkg/interpolate"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/session"
	"github.com/nangohq/nango/pkg/tenant"
)

// StartRequest carries everything a driver needs to begin a handshake.
// Redirect modes require Session; synchronous modes require Credentials and
// complete inline.
type StartRequest struct {
	Session     *session.Session
	Provider    *providers.Provider
	Config      *tenant.IntegrationConfig
	Environment *tenant.Environment

	// ConnectionID names the connection for synchronous modes (redirect
	// modes carry it in the session).
	ConnectionID string
	// ConnectionConfig is the caller-supplied per-connection config for
	// synchronous modes.
	ConnectionConfig map[string]any
	// Credentials is the caller-supplied credential for synchronous
	// modes, pre-parsed into the mode's variant.
	Credentials auth.Credentials

	// AuthParams are caller-supplied authorization params merged over the
	// provider's (caller wins; empty values delete).
	AuthParams map[string]string
	// UserScope is the Slack-specific user_scope passthrough.
	UserScope string
}

// StartResult is either a redirect to the provider or an inline completion
// for synchronous modes.
type StartResult struct {
	RedirectURI string
	Completion  *Completion
}

// FinishRequest carries the consumed session and the raw callback
// parameters into a driver's finish half.
type FinishRequest struct {
	Session     *session.Session
	Provider    *providers.Provider
	Config      *tenant.IntegrationConfig
	Environment *tenant.Environment
	// Params is the callback query string (code, oauth_token,
	// installation_id, setup_action, referer, ...).
	Params url.Values
}

// Completion reports a finished handshake: the stored connection, whether
// the upsert created or overrode it, and flow-specific follow-ups.
type Completion struct {
	Connection *connection.Connection
	Operation  connection.Operation
	// Pending marks an app installation awaiting provider approval; hooks
	// skip the initial sync until it clears.
	Pending bool
	// RedirectURI, when set, sends the browser somewhere other than the
	// default completion page (GitHub App setup_action=update returns to
	// the referer).
	RedirectURI string
}

// Prober verifies freshly minted credentials against the provider's declared
// verification endpoint.
type Prober interface {
	Verify(ctx context.Context, provider *providers.Provider, creds auth.Credentials, connConfig map[string]any) error
}

// Driver is one auth mode's handshake implementation.
type Driver interface {
	Start(ctx context.Context, req *StartRequest) (*StartResult, error)
	Finish(ctx context.Context, req *FinishRequest) (*Completion, error)
}

// Engine owns driver dispatch and the at-most-once consumption of sessions.
type Engine struct {
	registry    *providers.Registry
	sessions    session.Store
	connections connection.Store
	tenants     tenant.Store
	client      *http.Client
	prober      Prober
	now         func() time.Time

	drivers map[auth.AuthMode]Driver
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for outbound provider calls.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.client = client }
}

// WithProber wires the verification prober for non-OAuth modes.
func WithProber(p Prober) Option {
	return func(e *Engine) { e.prober = p }
}

func withClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds the flow engine with one driver per auth mode.
func NewEngine(registry *providers.Registry, sessions session.Store, connections connection.Store, tenants tenant.Store, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		sessions:    sessions,
		connections: connections,
		tenants:     tenants,
		client:      httpclient.NewBuilder().Build(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	oauth2 := &oauth2Driver{e: e}
	app := &appDriver{e: e}
	e.drivers = map[auth.AuthMode]Driver{
		auth.ModeOAuth2:    oauth2,
		auth.ModeOAuth1:    &oauth1Driver{e: e},
		auth.ModeOAuth2CC:  &clientCredentialsDriver{e: e},
		auth.ModeApp:       app,
		auth.ModeCustom:    &customDriver{e: e, oauth2: oauth2, app: app},
		auth.ModeAppStore:  &appStoreDriver{e: e, app: app},
		auth.ModeAPIKey:    &apiKeyDriver{e: e},
		auth.ModeBasic:     &basicDriver{e: e},
		auth.ModeJWT:       &jwtDriver{e: e},
		auth.ModeSignature: &signatureDriver{e: e},
		auth.ModeTableau:   &tableauDriver{e: e},
		auth.ModeTwoStep:   &twoStepDriver{e: e},
		auth.ModeBill:      &billDriver{e: e},
		auth.ModeTBA:       &tbaDriver{e: e},
	}
	return e
}

// Start begins a handshake for the provider's auth mode.
func (e *Engine) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	driver, err := e.driverFor(req.Provider.AuthMode)
	if err != nil {
		return nil, err
	}
	return driver.Start(ctx, req)
}

// Finish consumes the session identified by state and completes the
// handshake. The FindAndDelete is the at-most-once anchor: a replayed or
// unknown state observes invalid_state, and so does an expired session. The
// consumed session comes back whenever one matched, error or not, so the
// caller can notify the originating client and send the failure webhook.
func (e *Engine) Finish(ctx context.Context, state string, params url.Values) (*Completion, *session.Session, error) {
	sess, err := e.sessions.FindAndDelete(ctx, state)
	if err != nil {
		return nil, nil, auth.WrapError(auth.CodeUnknownError, "failed to look up session", err)
	}
	if sess == nil {
		return nil, nil, auth.NewError(auth.CodeInvalidState, "no pending session matches the state parameter")
	}
	if sess.Expired(e.now()) {
		return nil, sess, auth.NewError(auth.CodeInvalidState, "session expired before the callback arrived")
	}

	env, err := e.tenants.GetEnvironment(ctx, sess.EnvironmentID)
	if err != nil {
		return nil, sess, auth.WrapError(auth.CodeUnknownError, "failed to load environment", err)
	}
	cfg, err := e.tenants.GetIntegration(ctx, sess.EnvironmentID, sess.ProviderConfigKey)
	if err != nil {
		return nil, sess, auth.WrapError(auth.CodeUnknownProviderConfig, "integration config disappeared mid-handshake", err)
	}
	provider, err := e.registry.Get(sess.Provider)
	if err != nil {
		return nil, sess, err
	}

	driver, err := e.driverFor(provider.AuthMode)
	if err != nil {
		return nil, sess, err
	}
	completion, err := driver.Finish(ctx, &FinishRequest{
		Session:     sess,
		Provider:    provider,
		Config:      cfg,
		Environment: env,
		Params:      params,
	})
	return completion, sess, err
}

func (e *Engine) driverFor(mode auth.AuthMode) (Driver, error) {
	driver, ok := e.drivers[mode]
	if !ok {
		return nil, auth.NewErrorf(auth.CodeInvalidAuthMode, "unsupported auth mode %q", mode)
	}
	return driver, nil
}

// upsert stores the finished connection and maps storage failures onto the
// stable error surface.
func (e *Engine) upsert(ctx context.Context, conn *connection.Connection) (*Completion, error) {
	result, err := e.connections.Upsert(ctx, conn)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to persist connection", err)
	}
	return &Completion{Connection: result.Connection, Operation: result.Operation}, nil
}

// completeSynchronous probes freshly validated credentials of a synchronous
// mode and stores the connection inline.
func (e *Engine) completeSynchronous(ctx context.Context, req *StartRequest, creds auth.Credentials) (*StartResult, error) {
	if err := e.probe(ctx, req.Provider, creds, req.ConnectionConfig); err != nil {
		return nil, err
	}
	completion, err := e.upsert(ctx, &connection.Connection{
		EnvironmentID:     req.Environment.ID,
		ProviderConfigKey: req.Config.ProviderConfigKey,
		ConnectionID:      req.ConnectionID,
		Provider:          req.Provider.Name,
		Credentials:       creds,
		ConnectionConfig:  req.ConnectionConfig,
	})
	if err != nil {
		return nil, err
	}
	return &StartResult{Completion: completion}, nil
}

// finishUnsupported is the Finish half of every synchronous driver; no
// session is ever created for these modes, so a callback can never match.
func finishUnsupported(mode auth.AuthMode) (*Completion, error) {
	return nil, auth.NewErrorf(auth.CodeInvalidAuthMode, "%s connections complete synchronously, not by callback", mode)
}

// probe runs the provider's verification request when one is declared and a
// prober is wired. Probe failures abort the flow before anything persists.
func (e *Engine) probe(ctx context.Context, provider *providers.Provider, creds auth.Credentials, connConfig map[string]any) error {
	if e.prober == nil || provider.Proxy == nil || provider.Proxy.Verification == nil {
		return nil
	}
	return e.prober.Verify(ctx, provider, creds, connConfig)
}

// effectiveClientConfig resolves the client id, secret, and scopes for a
// handshake, applying any per-session override on top of the integration
// config.
func effectiveClientConfig(cfg *tenant.IntegrationConfig, override *auth.ConfigOverride) (clientID, clientSecret, scopes string) {
	clientID, clientSecret, scopes = cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthScopes
	if override.Empty() {
		return clientID, clientSecret, scopes
	}
	if override.ClientID != "" {
		clientID = override.ClientID
	}
	if override.ClientSecret != "" {
		clientSecret = override.ClientSecret
	}
	if override.Scopes != "" {
		scopes = override.Scopes
	}
	return clientID, clientSecret, scopes
}

// joinScopes splits the comma-separated stored scopes and re-joins them with
// the provider's separator.
func joinScopes(scopes, separator string) string {
	if scopes == "" {
		return ""
	}
	parts := strings.Split(scopes, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, separator)
}

// validateTemplates checks that every template fully interpolates against
// the connection config, failing with invalid_connection_config naming the
// first offending template and its missing keys.
func validateTemplates(connConfig map[string]any, templates ...string) error {
	for _, tmpl := range templates {
		if tmpl == "" {
			continue
		}
		if missing := interpolate.MissingKeys(tmpl, connConfig); len(missing) > 0 {
			return auth.NewErrorf(auth.CodeInvalidConnectionConfig,
				"template %q requires connection config keys: %s", tmpl, strings.Join(missing, ", "))
		}
	}
	return nil
}

// validateParamTemplates is validateTemplates over a param map's values.
func validateParamTemplates(connConfig map[string]any, params map[string]string) error {
	for _, v := range params {
		if err := validateTemplates(connConfig, v); err != nil {
			return err
		}
	}
	return nil
}

// mergeConnectionConfig layers token metadata and callback metadata over the
// session's connection config; later sources win.
func mergeConnectionConfig(base map[string]any, layers ...map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	if err := mergo.Merge(&merged, base); err != nil {
		return nil, fmt.Errorf("merging connection config: %w", err)
	}
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if err := mergo.Merge(&merged, layer, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging connection config: %w", err)
		}
	}
	return merged, nil
}

// tokenMetadata lifts the provider's declared token_response_metadata paths
// out of the raw token response.
func tokenMetadata(provider *providers.Provider, rawBody []byte) map[string]any {
	if len(provider.TokenResponseMetadata) == 0 || len(rawBody) == 0 {
		return nil
	}
	meta := map[string]any{}
	for _, path := range provider.TokenResponseMetadata {
		if res := gjson.GetBytes(rawBody, path); res.Exists() {
			meta[path] = res.Value()
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// callbackMetadata lifts the provider's declared redirect_uri_metadata
// params out of the callback query.
func callbackMetadata(provider *providers.Provider, params url.Values) map[string]any {
	if len(provider.RedirectURIMetadata) == 0 {
		return nil
	}
	meta := map[string]any{}
	for _, key := range provider.RedirectURIMetadata {
		if v := params.Get(key); v != "" {
			meta[key] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// interpolationContext clones the connection config for template resolution,
// layering any extra values on top.
func interpolationContext(connConfig map[string]any, extra map[string]any) map[string]any {
	ctx := make(map[string]any, len(connConfig)+len(extra))
	for k, v := range connConfig {
		ctx[k] = v
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}
