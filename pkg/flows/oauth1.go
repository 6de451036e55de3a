package flows

import (
	"context"
	"net/url"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/interpolate"
	"github.com/nangohq/nango/pkg/oauth1"
)

// oauth1Driver implements the three-legged RFC 5849 handshake. The state
// parameter rides on the callback URL because OAuth 1.0a has no state of its
// own; the request-token secret is parked in the session between legs.
type oauth1Driver struct {
	e *Engine
}

// Start obtains a request token, stores its secret in the session, and
// redirects to the authorize endpoint.
func (d *oauth1Driver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	sess := req.Session
	provider := req.Provider
	connConfig := sess.ConnectionConfig

	if err := validateTemplates(connConfig, provider.RequestURL, provider.AuthorizationURL, provider.TokenURL.ForMode(auth.ModeOAuth1)); err != nil {
		return nil, err
	}
	if err := validateParamTemplates(connConfig, provider.AuthorizationParams); err != nil {
		return nil, err
	}

	requestURL, err := interpolateURL(provider.RequestURL, connConfig, false)
	if err != nil {
		return nil, err
	}
	authorizeURL, err := interpolateURL(provider.AuthorizationURL, connConfig, provider.AuthorizationURLEncode)
	if err != nil {
		return nil, err
	}

	callback, err := callbackWithState(sess.CallbackURL, sess.ID)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "callback URL is not a valid URL", err)
	}

	clientID, clientSecret, _ := effectiveClientConfig(req.Config, sess.ConfigOverride)
	client := oauth1.NewClient(clientID, clientSecret, oauth1.WithHTTPClient(d.e.client))

	requestToken, err := client.GetRequestToken(ctx, requestURL, callback)
	if err != nil {
		return nil, classifyTransportError(err, auth.CodeTokenExternalError)
	}

	sess.RequestTokenSecret = requestToken.TokenSecret
	if err := d.e.sessions.Create(ctx, sess); err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to persist session", err)
	}

	extra := url.Values{}
	authParams, err := interpolate.InterpolateStringMap(provider.AuthorizationParams, connConfig)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "authorization params failed to interpolate", err)
	}
	for k, v := range authParams {
		extra.Set(k, v)
	}

	redirectURI, err := oauth1.AuthorizationURL(authorizeURL, requestToken.Token, extra)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "authorization URL is not a valid URL", err)
	}
	return &StartResult{RedirectURI: redirectURI}, nil
}

// Finish exchanges the authorized request token and verifier for the token
// credential, signing with the secret parked in the session.
func (d *oauth1Driver) Finish(ctx context.Context, req *FinishRequest) (*Completion, error) {
	sess := req.Session
	provider := req.Provider

	if denied := req.Params.Get("denied"); denied != "" {
		return nil, auth.NewError(auth.CodeInvalidCallbackOAuth1, "user denied the authorization request")
	}
	oauthToken := req.Params.Get("oauth_token")
	verifier := req.Params.Get("oauth_verifier")
	if oauthToken == "" || verifier == "" {
		return nil, auth.NewError(auth.CodeInvalidCallbackOAuth1, "callback is missing oauth_token or oauth_verifier")
	}

	accessTokenURL, err := interpolateURL(provider.TokenURL.ForMode(auth.ModeOAuth1), sess.ConnectionConfig, provider.TokenURLEncode)
	if err != nil {
		return nil, err
	}

	clientID, clientSecret, _ := effectiveClientConfig(req.Config, sess.ConfigOverride)
	client := oauth1.NewClient(clientID, clientSecret, oauth1.WithHTTPClient(d.e.client))

	token, err := client.GetAccessToken(ctx, accessTokenURL, &oauth1.RequestToken{
		Token:       oauthToken,
		TokenSecret: sess.RequestTokenSecret,
	}, verifier)
	if err != nil {
		return nil, classifyTransportError(err, auth.CodeTokenExternalError)
	}

	raw := make(map[string]any, len(token.Raw))
	for k, v := range token.Raw {
		raw[k] = v
	}

	connConfig, err := mergeConnectionConfig(sess.ConnectionConfig, callbackMetadata(provider, req.Params))
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to assemble connection config", err)
	}

	return d.e.upsert(ctx, &connection.Connection{
		EnvironmentID:     sess.EnvironmentID,
		ProviderConfigKey: sess.ProviderConfigKey,
		ConnectionID:      sess.ConnectionID,
		Provider:          provider.Name,
		Credentials: &auth.OAuth1Credentials{
			OAuthToken:       token.Token,
			OAuthTokenSecret: token.TokenSecret,
			Raw:              raw,
		},
		ConnectionConfig: connConfig,
	})
}

// callbackWithState appends the session id as the state query parameter so
// the callback can be correlated; OAuth 1.0a carries no state of its own.
func callbackWithState(callbackURL, state string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
