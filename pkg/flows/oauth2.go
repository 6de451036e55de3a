package flows

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/interpolate"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/session"
	"github.com/nangohq/nango/pkg/tenant"
)

// oauth2Driver implements the authorization-code handshake with optional
// PKCE.
type oauth2Driver struct {
	e *Engine
}

// Start validates the provider templates against the connection config,
// persists the session, and composes the authorize redirect. Nothing is
// persisted when validation fails.
func (d *oauth2Driver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	sess := req.Session
	provider := req.Provider
	connConfig := sess.ConnectionConfig

	if err := validateTemplates(connConfig, provider.AuthorizationURL, provider.TokenURL.ForMode(auth.ModeOAuth2)); err != nil {
		return nil, err
	}
	if err := validateParamTemplates(connConfig, provider.AuthorizationParams); err != nil {
		return nil, err
	}
	if err := validateParamTemplates(connConfig, provider.TokenParams); err != nil {
		return nil, err
	}

	if grantType, ok := provider.TokenParams["grant_type"]; ok && grantType != "authorization_code" {
		return nil, auth.NewErrorf(auth.CodeUnknownGrantType, "unsupported grant_type %q", grantType)
	}

	authParams, err := composeAuthParams(provider, sess, req)
	if err != nil {
		return nil, err
	}

	if err := d.e.sessions.Create(ctx, sess); err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to persist session", err)
	}

	redirectURI, err := buildAuthorizeURL(provider, req.Config, sess, authParams)
	if err != nil {
		return nil, err
	}
	return &StartResult{RedirectURI: redirectURI}, nil
}

// Finish exchanges the callback code for tokens and stores the connection.
func (d *oauth2Driver) Finish(ctx context.Context, req *FinishRequest) (*Completion, error) {
	sess := req.Session
	provider := req.Provider

	if errParam := req.Params.Get("error"); errParam != "" {
		return nil, auth.NewErrorf(auth.CodeInvalidCallbackOAuth2, "provider returned error %q", errParam).
			WithDetail(req.Params.Get("error_description"))
	}
	code := req.Params.Get("code")
	if code == "" {
		return nil, auth.NewError(auth.CodeInvalidCallbackOAuth2, "callback is missing the authorization code")
	}

	resp, err := d.exchangeCode(ctx, sess, provider, req.Config, code)
	if err != nil {
		return nil, err
	}

	creds := CredentialsFromToken(resp, d.e.now())
	creds.ConfigOverride = sess.ConfigOverride

	connConfig, err := mergeConnectionConfig(sess.ConnectionConfig,
		tokenMetadata(provider, resp.Body),
		callbackMetadata(provider, req.Params),
	)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to assemble connection config", err)
	}

	return d.e.upsert(ctx, &connection.Connection{
		EnvironmentID:     sess.EnvironmentID,
		ProviderConfigKey: sess.ProviderConfigKey,
		ConnectionID:      sess.ConnectionID,
		Provider:          provider.Name,
		Credentials:       creds,
		ConnectionConfig:  connConfig,
	})
}

// exchangeCode POSTs the authorization code to the provider's token
// endpoint.
func (d *oauth2Driver) exchangeCode(ctx context.Context, sess *session.Session, provider *providers.Provider, cfg *tenant.IntegrationConfig, code string) (*TokenResponse, error) {
	endpoint, err := interpolateURL(provider.TokenURL.ForMode(auth.ModeOAuth2), sess.ConnectionConfig, provider.TokenURLEncode)
	if err != nil {
		return nil, err
	}

	params, err := interpolate.InterpolateStringMap(provider.TokenParams, sess.ConnectionConfig)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "token params failed to interpolate", err)
	}
	if params == nil {
		params = map[string]string{}
	}
	params["grant_type"] = "authorization_code"
	params["code"] = code
	params["redirect_uri"] = sess.CallbackURL
	if !provider.DisablePKCE {
		params["code_verifier"] = sess.CodeVerifier
	}

	clientID, clientSecret, _ := effectiveClientConfig(cfg, sess.ConfigOverride)

	return ExchangeToken(ctx, d.e.client, &TokenRequest{
		URL:          endpoint,
		Params:       params,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthMethod:   provider.AuthMethod(),
		BodyFormat:   provider.RequestBodyFormat(),
	})
}

// composeAuthParams merges the provider's interpolated authorization params
// with the caller's (caller wins, empty caller values delete), then layers
// the PKCE challenge and the Slack user_scope passthrough.
func composeAuthParams(provider *providers.Provider, sess *session.Session, req *StartRequest) (map[string]string, error) {
	params, err := interpolate.InterpolateStringMap(provider.AuthorizationParams, sess.ConnectionConfig)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "authorization params failed to interpolate", err)
	}
	if params == nil {
		params = map[string]string{}
	}

	for k, v := range req.AuthParams {
		if v == "" {
			delete(params, k)
			continue
		}
		params[k] = v
	}

	if !provider.DisablePKCE {
		params["code_challenge"] = codeChallenge(sess.CodeVerifier)
		params["code_challenge_method"] = "S256"
	}
	if provider.Name == "slack" && req.UserScope != "" {
		params["user_scope"] = req.UserScope
	}
	return params, nil
}

// buildAuthorizeURL assembles the provider redirect: endpoint template,
// standard OAuth2 query, extra params, then the provider's fragment and
// literal-replacement quirks.
func buildAuthorizeURL(provider *providers.Provider, cfg *tenant.IntegrationConfig, sess *session.Session, extraParams map[string]string) (string, error) {
	base, err := interpolateURL(provider.AuthorizationURL, sess.ConnectionConfig, provider.AuthorizationURLEncode)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", auth.WrapError(auth.CodeInvalidConnectionConfig, "authorization URL is not a valid URL", err)
	}

	clientID, _, scopes := effectiveClientConfig(cfg, sess.ConfigOverride)

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", sess.CallbackURL)
	if joined := joinScopes(scopes, provider.Separator()); joined != "" {
		q.Set("scope", joined)
	}
	q.Set("state", sess.ID)
	for k, v := range extraParams {
		q.Set(k, v)
	}

	u.RawQuery = q.Encode()
	final := u.String()

	if provider.AuthorizationURLFragment != "" {
		// Some providers route the OAuth query through a fragment:
		// host/path#fragment?query.
		u.RawQuery = ""
		u.Fragment = ""
		final = u.String() + "#" + provider.AuthorizationURLFragment + "?" + q.Encode()
	}

	for from, to := range provider.AuthorizationURLReplacements {
		final = strings.ReplaceAll(final, from, to)
	}
	return final, nil
}

// interpolateURL resolves a URL template against the connection config,
// optionally URL-encoding each substituted value.
func interpolateURL(tmpl string, connConfig map[string]any, urlEncode bool) (string, error) {
	var opts []interpolate.Option
	if urlEncode {
		opts = append(opts, interpolate.WithURLEncoding())
	}
	resolved, err := interpolate.Interpolate(tmpl, connConfig, opts...)
	if err != nil {
		return "", auth.WrapError(auth.CodeInvalidConnectionConfig, "URL template failed to interpolate", err)
	}
	return resolved, nil
}

// codeChallenge derives the S256 PKCE challenge: unpadded base64url of the
// verifier's SHA-256.
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
