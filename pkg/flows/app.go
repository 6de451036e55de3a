package flows

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/httpclient"
	"github.com/nangohq/nango/pkg/interpolate"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/tenant"
)

// appDriver implements app-installation handshakes (GitHub-App style): the
// user installs the app on the provider, the callback carries an
// installation id, and the broker mints short-lived installation tokens from
// the app's private key.
type appDriver struct {
	e *Engine
}

// Start composes the installation URL from the provider template, the
// connection config, and the integration's app link, then redirects with the
// session id as state.
func (d *appDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	sess := req.Session
	ictx := interpolationContext(sess.ConnectionConfig, map[string]any{
		"appPublicLink": req.Config.AppLink,
	})

	if err := validateTemplates(ictx, req.Provider.AuthorizationURL); err != nil {
		return nil, err
	}
	base, err := interpolate.Interpolate(req.Provider.AuthorizationURL, ictx)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "authorization URL failed to interpolate", err)
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "authorization URL is not a valid URL", err)
	}

	if err := d.e.sessions.Create(ctx, sess); err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to persist session", err)
	}

	q := u.Query()
	q.Set("state", sess.ID)
	u.RawQuery = q.Encode()
	return &StartResult{RedirectURI: u.String()}, nil
}

// Finish requires the installation id postback and mints the first
// installation token.
func (d *appDriver) Finish(ctx context.Context, req *FinishRequest) (*Completion, error) {
	installationID := req.Params.Get("installation_id")
	if installationID == "" {
		return nil, auth.NewError(auth.CodeInvalidCallbackOAuth2, "callback is missing installation_id")
	}

	sess := req.Session
	connConfig, err := mergeConnectionConfig(sess.ConnectionConfig,
		callbackMetadata(req.Provider, req.Params),
		map[string]any{"installation_id": installationID},
	)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to assemble connection config", err)
	}

	creds, err := d.mintInstallationToken(ctx, req.Provider, req.Config, connConfig)
	if err != nil {
		return nil, err
	}

	return d.e.upsert(ctx, &connection.Connection{
		EnvironmentID:     sess.EnvironmentID,
		ProviderConfigKey: sess.ProviderConfigKey,
		ConnectionID:      sess.ConnectionID,
		Provider:          req.Provider.Name,
		Credentials:       creds,
		ConnectionConfig:  connConfig,
	})
}

// mintInstallationToken signs a short-lived RS256 app JWT from the
// integration's private key and trades it for an installation token at the
// provider's APP token endpoint.
func (d *appDriver) mintInstallationToken(ctx context.Context, provider *providers.Provider, cfg *tenant.IntegrationConfig, connConfig map[string]any) (*auth.AppCredentials, error) {
	appID := cfg.Custom["app_id"]
	privateKey := cfg.Custom["private_key"]
	if appID == "" || privateKey == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "integration config is missing app_id or private_key")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKey))
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "private_key is not a valid RSA PEM key", err)
	}

	now := d.e.now()
	claims := jwt.MapClaims{
		// Backdate iat to absorb clock drift between us and the provider.
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": appID,
	}
	appJWT, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "failed to sign app JWT", err)
	}

	endpoint, err := interpolateURL(provider.TokenURL.ForMode(auth.ModeApp), connConfig, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to build installation token request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+appJWT)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := d.e.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err, auth.CodeTokenExternalError)
	}
	defer resp.Body.Close()

	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return nil, auth.WrapError(auth.CodeTokenParsingError, "failed to read installation token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, auth.NewErrorf(auth.CodeTokenExternalError, "installation token endpoint returned %d", resp.StatusCode).
			WithDetail(string(body))
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Token == "" {
		return nil, auth.NewError(auth.CodeTokenParsingError, "installation token response is missing token").
			WithDetail(string(body))
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		raw = nil
	}

	creds := &auth.AppCredentials{AccessToken: payload.Token, Raw: raw}
	if payload.ExpiresAt != "" {
		if expiresAt, err := time.Parse(time.RFC3339, payload.ExpiresAt); err == nil {
			expiresAt = expiresAt.UTC()
			creds.ExpiresAt = &expiresAt
		}
	}
	return creds, nil
}

// customDriver implements the hybrid GitHub-App-with-OAuth handshake: the
// OAuth2 half authorizes the user, and the app half activates once the
// installation id arrives. Connections can sit pending until then.
type customDriver struct {
	e      *Engine
	oauth2 *oauth2Driver
	app    *appDriver
}

// Start reuses the OAuth2 validations and redirect; the provider carries
// per-mode token endpoints for the two halves.
func (d *customDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	return d.oauth2.Start(ctx, req)
}

// Finish handles the three callback shapes: an installation update that only
// refreshes the stored installation id, a user authorization without an
// installation yet (pending), and the full install with both halves.
func (d *customDriver) Finish(ctx context.Context, req *FinishRequest) (*Completion, error) {
	installationID := req.Params.Get("installation_id")

	if req.Params.Get("setup_action") == "update" && installationID != "" {
		return d.updateInstallation(ctx, req, installationID)
	}

	if errParam := req.Params.Get("error"); errParam != "" {
		return nil, auth.NewErrorf(auth.CodeInvalidCallbackOAuth2, "provider returned error %q", errParam).
			WithDetail(req.Params.Get("error_description"))
	}
	code := req.Params.Get("code")
	if code == "" {
		return nil, auth.NewError(auth.CodeInvalidCallbackOAuth2, "callback is missing the authorization code")
	}

	sess := req.Session
	resp, err := d.oauth2.exchangeCode(ctx, sess, req.Provider, req.Config, code)
	if err != nil {
		return nil, err
	}

	userCreds := CredentialsFromToken(resp, d.e.now())
	connConfig, err := mergeConnectionConfig(sess.ConnectionConfig,
		tokenMetadata(req.Provider, resp.Body),
		callbackMetadata(req.Provider, req.Params),
	)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to assemble connection config", err)
	}

	if installationID == "" {
		// The user authorized before installing the app; park the
		// connection until the installation postback arrives.
		connConfig["pending"] = true
		completion, err := d.e.upsert(ctx, &connection.Connection{
			EnvironmentID:     sess.EnvironmentID,
			ProviderConfigKey: sess.ProviderConfigKey,
			ConnectionID:      sess.ConnectionID,
			Provider:          req.Provider.Name,
			Credentials: auth.NewCustomAppCredentials(auth.AppCredentials{
				AccessToken: userCreds.AccessToken,
				ExpiresAt:   userCreds.ExpiresAt,
				Raw:         userCreds.Raw,
			}),
			ConnectionConfig: connConfig,
		})
		if err != nil {
			return nil, err
		}
		completion.Pending = true
		return completion, nil
	}

	connConfig["installation_id"] = installationID
	delete(connConfig, "pending")

	appCreds, err := d.app.mintInstallationToken(ctx, req.Provider, req.Config, connConfig)
	if err != nil {
		return nil, err
	}

	return d.e.upsert(ctx, &connection.Connection{
		EnvironmentID:     sess.EnvironmentID,
		ProviderConfigKey: sess.ProviderConfigKey,
		ConnectionID:      sess.ConnectionID,
		Provider:          req.Provider.Name,
		Credentials:       auth.NewCustomAppCredentials(*appCreds),
		ConnectionConfig:  connConfig,
	})
}

// updateInstallation refreshes the installation id on an existing connection
// and sends the browser back where it came from instead of the completion
// page.
func (d *customDriver) updateInstallation(ctx context.Context, req *FinishRequest, installationID string) (*Completion, error) {
	sess := req.Session
	referer := req.Params.Get("referer")

	conn, err := d.e.connections.Get(ctx, sess.EnvironmentID, sess.ProviderConfigKey, sess.ConnectionID)
	if err != nil {
		// Nothing stored to update; the redirect alone is the outcome.
		return &Completion{RedirectURI: referer}, nil
	}

	connConfig, err := mergeConnectionConfig(conn.ConnectionConfig,
		map[string]any{"installation_id": installationID},
	)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to assemble connection config", err)
	}
	delete(connConfig, "pending")

	appCreds, err := d.app.mintInstallationToken(ctx, req.Provider, req.Config, connConfig)
	if err != nil {
		return nil, err
	}

	completion, err := d.e.upsert(ctx, &connection.Connection{
		EnvironmentID:     sess.EnvironmentID,
		ProviderConfigKey: sess.ProviderConfigKey,
		ConnectionID:      sess.ConnectionID,
		Provider:          req.Provider.Name,
		Credentials:       auth.NewCustomAppCredentials(*appCreds),
		ConnectionConfig:  connConfig,
	})
	if err != nil {
		return nil, err
	}
	completion.RedirectURI = referer
	return completion, nil
}

// appStoreDriver implements App Store Connect auth. Without caller
// credentials the start is informational (an install redirect); with them it
// mints the ES256 API token synchronously.
type appStoreDriver struct {
	e   *Engine
	app *appDriver
}

// Start redirects like an app installation when no credentials accompany the
// request, and completes inline when they do.
func (d *appStoreDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	if req.Credentials == nil {
		return d.app.Start(ctx, req)
	}

	creds, ok := req.Credentials.(*auth.AppStoreCredentials)
	if !ok {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials are not App Store credentials")
	}
	if creds.PrivateKeyID == "" || creds.IssuerID == "" || creds.PrivateKey == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require private_key_id, issuer_id and private_key")
	}

	token, expiresAt, err := mintAppStoreToken(creds, d.e.now())
	if err != nil {
		return nil, err
	}
	creds.AccessToken = token
	creds.ExpiresAt = &expiresAt

	return d.e.completeSynchronous(ctx, req, creds)
}

// Finish completes the informational redirect variant; there is no token to
// exchange, the caller supplies credentials afterwards.
func (d *appStoreDriver) Finish(ctx context.Context, req *FinishRequest) (*Completion, error) {
	_ = ctx
	_ = req
	return nil, auth.NewError(auth.CodeInvalidAuthMode, "App Store connections are completed by posting credentials, not by callback")
}

// mintAppStoreToken signs the App Store Connect ES256 API token: kid header
// from the private key id, issuer claim, 15 minute lifetime.
func mintAppStoreToken(creds *auth.AppStoreCredentials, now time.Time) (string, time.Time, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return "", time.Time{}, auth.WrapError(auth.CodeInvalidConnectionConfig, "private_key is not a valid EC PEM key", err)
	}

	expiresAt := now.Add(15 * time.Minute).UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": creds.IssuerID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
		"aud": "appstoreconnect-v1",
	})
	token.Header["kid"] = creds.PrivateKeyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, auth.WrapError(auth.CodeInvalidConnectionConfig, "failed to sign App Store token", err)
	}
	return signed, expiresAt, nil
}
