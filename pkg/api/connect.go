package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/flows"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/session"
	"github.com/nangohq/nango/pkg/tenant"
)

// connect opens a redirect-based handshake. The browser lands here from the
// tenant's frontend, carrying the public key, the optional HMAC digest, and
// the per-connection parameters; on success it leaves with a 302 to the
// provider's authorization page. Failures complete 200 and travel to the
// frontend over the websocket channel instead.
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	providerConfigKey := chi.URLParam(r, "providerConfigKey")
	wsClientID := q.Get("ws_client_id")

	env, err := s.tenants.GetEnvironmentByPublicKey(ctx, q.Get("public_key"))
	if err != nil {
		if errors.Is(err, tenant.ErrEnvironmentNotFound) {
			err = auth.NewError(auth.Code(codeUnauthorized), "missing or invalid public key")
		} else {
			err = auth.WrapError(auth.CodeUnknownError, "failed to resolve environment", err)
		}
		s.failConnect(w, wsClientID, providerConfigKey, err)
		return
	}

	// The digest covers the connection id exactly as the caller signed it,
	// so the check runs before a missing id gets minted.
	connectionID := q.Get("connection_id")
	if err := auth.CheckHMAC(env.HMACEnabled, env.HMACKey, q.Get("hmac"), providerConfigKey, connectionID); err != nil {
		s.failConnect(w, wsClientID, providerConfigKey, err)
		return
	}
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	cfg, err := s.tenants.GetIntegration(ctx, env.ID, providerConfigKey)
	if err != nil {
		if errors.Is(err, tenant.ErrIntegrationNotFound) {
			err = auth.WrapError(auth.CodeUnknownProviderConfig, "no integration is configured under this key", err)
		} else {
			err = auth.WrapError(auth.CodeUnknownError, "failed to load integration config", err)
		}
		s.failConnect(w, wsClientID, providerConfigKey, err)
		return
	}
	provider, err := s.registry.Get(cfg.Provider)
	if err != nil {
		s.failConnect(w, wsClientID, providerConfigKey, err)
		return
	}
	if !provider.AuthMode.RequiresRedirect() {
		s.failConnect(w, wsClientID, providerConfigKey,
			auth.NewErrorf(auth.CodeInvalidAuthMode, "%s connections are created over the server-to-server API", provider.AuthMode))
		return
	}

	var connConfig map[string]any
	if err := parseJSONQuery(q, "params", &connConfig); err != nil {
		s.failConnect(w, wsClientID, providerConfigKey, err)
		return
	}
	var authParams map[string]string
	if err := parseJSONQuery(q, "authorization_params", &authParams); err != nil {
		s.failConnect(w, wsClientID, providerConfigKey, err)
		return
	}
	var override auth.ConfigOverride
	if err := parseJSONQuery(q, "credentials", &override); err != nil {
		s.failConnect(w, wsClientID, providerConfigKey, err)
		return
	}

	verifier, err := session.NewCodeVerifier()
	if err != nil {
		s.failConnect(w, wsClientID, providerConfigKey,
			auth.WrapError(auth.CodeUnknownError, "failed to prepare session", err))
		return
	}

	callbackURL := s.callbackURL
	if env.CallbackURL != "" {
		callbackURL = env.CallbackURL
	}

	now := s.now()
	sess := &session.Session{
		ID:                session.NewID(),
		EnvironmentID:     env.ID,
		ProviderConfigKey: providerConfigKey,
		Provider:          cfg.Provider,
		AuthMode:          provider.AuthMode,
		ConnectionID:      connectionID,
		CallbackURL:       callbackURL,
		CodeVerifier:      verifier,
		ConnectionConfig:  connConfig,
		WebSocketClientID: wsClientID,
		ActivityLogID:     uuid.NewString(),
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.sessionTTL),
	}
	if !override.Empty() {
		sess.ConfigOverride = &override
	}

	res, err := s.engine.Start(ctx, &flows.StartRequest{
		Session:     sess,
		Provider:    provider,
		Config:      cfg,
		Environment: env,
		AuthParams:  authParams,
		UserScope:   q.Get("user_scope"),
	})
	if err != nil {
		s.failConnect(w, wsClientID, providerConfigKey, err)
		return
	}

	s.metrics.RecordFlowStarted(ctx, provider.AuthMode)
	logger.Infow("handshake started",
		"provider_config_key", providerConfigKey,
		"provider", cfg.Provider,
		"auth_mode", provider.AuthMode,
		"connection_id", connectionID)
	http.Redirect(w, r, res.RedirectURI, http.StatusFound)
}

// failConnect reports a browser-route failure: the originating websocket
// client gets the coded error and the page itself completes 200.
func (s *Server) failConnect(w http.ResponseWriter, wsClientID, providerConfigKey string, err error) {
	code := auth.CodeOf(err)
	msg := userMessage(err)
	logger.Warnw("handshake rejected",
		"provider_config_key", providerConfigKey,
		"code", code,
		"error", err)
	s.hub.PublishError(wsClientID, code, msg)
	renderErrorPage(w, code, msg)
}

// parseJSONQuery decodes an optional JSON-encoded query parameter into dst.
// An absent parameter leaves dst untouched.
func parseJSONQuery(q url.Values, name string, dst any) error {
	raw := q.Get(name)
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return auth.WrapError(auth.CodeInvalidConnectionConfig,
			fmt.Sprintf("query parameter %q is not valid JSON", name), err)
	}
	return nil
}
