package flows

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/interpolate"
	"github.com/nangohq/nango/pkg/providers"
)

// clientCredentialsDriver implements the synchronous OAuth2
// client-credentials grant. The caller may supply its own client pair, which
// is kept on the stored credentials so refreshes keep using it.
type clientCredentialsDriver struct {
	e *Engine
}

// Start performs the grant inline; there is no redirect and no session.
func (d *clientCredentialsDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	provider := req.Provider
	connConfig := req.ConnectionConfig

	if err := validateTemplates(connConfig, provider.TokenURL.ForMode(auth.ModeOAuth2CC)); err != nil {
		return nil, err
	}
	if err := validateParamTemplates(connConfig, provider.TokenParams); err != nil {
		return nil, err
	}

	var override *auth.ConfigOverride
	if supplied, ok := req.Credentials.(*auth.OAuth2Credentials); ok && supplied != nil {
		override = supplied.ConfigOverride
	}
	clientID, clientSecret, scopes := effectiveClientConfig(req.Config, override)
	if clientID == "" || clientSecret == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "client_id and client_secret are required")
	}

	tokenURL, err := interpolateURL(provider.TokenURL.ForMode(auth.ModeOAuth2CC), connConfig, provider.TokenURLEncode)
	if err != nil {
		return nil, err
	}

	params, err := interpolate.InterpolateStringMap(provider.TokenParams, connConfig)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "token params failed to interpolate", err)
	}
	endpointParams := make(map[string][]string, len(params))
	for k, v := range params {
		// The grant library owns grant_type.
		if k == "grant_type" {
			continue
		}
		endpointParams[k] = []string{v}
	}

	authStyle := oauth2.AuthStyleInParams
	if provider.AuthMethod() == providers.AuthMethodBasic {
		authStyle = oauth2.AuthStyleInHeader
	}

	cfg := &clientcredentials.Config{
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		TokenURL:       tokenURL,
		Scopes:         splitScopes(scopes),
		EndpointParams: endpointParams,
		AuthStyle:      authStyle,
	}

	token, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, d.e.client))
	if err != nil {
		return nil, classifyGrantError(err)
	}

	creds := &auth.OAuth2Credentials{
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		Raw:            grantRaw(token),
		ConfigOverride: override,
	}
	if !token.Expiry.IsZero() {
		expiresAt := token.Expiry.UTC()
		creds.ExpiresAt = &expiresAt
	}

	completion, err := d.e.upsert(ctx, &connection.Connection{
		EnvironmentID:     req.Environment.ID,
		ProviderConfigKey: req.Config.ProviderConfigKey,
		ConnectionID:      req.ConnectionID,
		Provider:          provider.Name,
		Credentials:       creds,
		ConnectionConfig:  connConfig,
	})
	if err != nil {
		return nil, err
	}
	return &StartResult{Completion: completion}, nil
}

// Finish is unreachable for the client-credentials grant; no session is ever
// created.
func (d *clientCredentialsDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeOAuth2CC)
}

// classifyGrantError maps grant-library failures onto the stable codes,
// preserving the upstream body when the endpoint answered.
func classifyGrantError(err error) *auth.Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		authErr := auth.NewErrorf(auth.CodeOAuth2CCError, "token endpoint returned %d", retrieveErr.Response.StatusCode)
		return authErr.WithDetail(string(retrieveErr.Body))
	}
	return classifyTransportError(err, auth.CodeOAuth2CCError)
}

// grantRaw reconstructs a raw response map from the grant library's token.
func grantRaw(token *oauth2.Token) map[string]any {
	raw := map[string]any{"access_token": token.AccessToken}
	if token.TokenType != "" {
		raw["token_type"] = token.TokenType
	}
	if token.RefreshToken != "" {
		raw["refresh_token"] = token.RefreshToken
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		raw["scope"] = scope
	}
	return raw
}

// splitScopes converts the comma-separated stored scopes into the grant
// library's slice form.
func splitScopes(scopes string) []string {
	if scopes == "" {
		return nil
	}
	parts := strings.Split(scopes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
