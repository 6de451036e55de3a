package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/flows"
	"github.com/nangohq/nango/pkg/hooks"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/tenant"
)

// modeSlugs maps the api-auth path segment onto the auth mode it declares.
var modeSlugs = map[string]auth.AuthMode{
	"api-key":   auth.ModeAPIKey,
	"basic":     auth.ModeBasic,
	"jwt":       auth.ModeJWT,
	"signature": auth.ModeSignature,
	"tableau":   auth.ModeTableau,
	"two-step":  auth.ModeTwoStep,
	"bill":      auth.ModeBill,
	"tba":       auth.ModeTBA,
	"app-store": auth.ModeAppStore,
}

type syncAuthRequest struct {
	ConnectionID     string          `json:"connection_id"`
	ConnectionConfig map[string]any  `json:"params"`
	HMAC             string          `json:"hmac"`
	Credentials      json.RawMessage `json:"credentials"`
}

type clientCredentialsRequest struct {
	ClientID         string         `json:"client_id"`
	ClientSecret     string         `json:"client_secret"`
	ConnectionID     string         `json:"connection_id"`
	ConnectionConfig map[string]any `json:"params"`
	HMAC             string         `json:"hmac"`
}

type connectionCreatedResponse struct {
	ProviderConfigKey string `json:"providerConfigKey"`
	ConnectionID      string `json:"connectionId"`
}

// clientCredentials runs the OAuth2 client-credentials grant inline and
// stores the resulting connection.
func (s *Server) clientCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerConfigKey := chi.URLParam(r, "providerConfigKey")

	env, ok := s.authenticateSecret(w, r)
	if !ok {
		return
	}

	var body clientCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, auth.WrapError(auth.CodeInvalidConnectionConfig, "request body is not valid JSON", err))
		return
	}
	if err := auth.CheckHMAC(env.HMACEnabled, env.HMACKey, body.HMAC, providerConfigKey, body.ConnectionID); err != nil {
		writeError(w, err)
		return
	}

	cfg, provider, err := s.resolveIntegration(ctx, env.ID, providerConfigKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if provider.AuthMode != auth.ModeOAuth2CC {
		writeError(w, auth.NewErrorf(auth.CodeInvalidAuthMode,
			"integration uses %s, not OAUTH2_CC", provider.AuthMode))
		return
	}

	// A caller-supplied client pair rides on the seed credentials so the
	// grant, and every refresh after it, keeps using it.
	var seed auth.Credentials
	if body.ClientID != "" || body.ClientSecret != "" {
		seed = &auth.OAuth2Credentials{ConfigOverride: &auth.ConfigOverride{
			ClientID:     body.ClientID,
			ClientSecret: body.ClientSecret,
		}}
	}

	connectionID := body.ConnectionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	s.runSyncFlow(ctx, w, env, cfg, provider, &flows.StartRequest{
		Provider:         provider,
		Config:           cfg,
		Environment:      env,
		ConnectionID:     connectionID,
		ConnectionConfig: body.ConnectionConfig,
		Credentials:      seed,
	})
}

// apiAuth stores caller-supplied credentials for the synchronous modes. The
// optional mode segment declares what the caller believes the integration
// is, and a mismatch is rejected instead of silently reinterpreted.
func (s *Server) apiAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerConfigKey := chi.URLParam(r, "providerConfigKey")

	env, ok := s.authenticateSecret(w, r)
	if !ok {
		return
	}

	var body syncAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, auth.WrapError(auth.CodeInvalidConnectionConfig, "request body is not valid JSON", err))
		return
	}
	if err := auth.CheckHMAC(env.HMACEnabled, env.HMACKey, body.HMAC, providerConfigKey, body.ConnectionID); err != nil {
		writeError(w, err)
		return
	}

	cfg, provider, err := s.resolveIntegration(ctx, env.ID, providerConfigKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if slug := chi.URLParam(r, "mode"); slug != "" {
		declared, known := modeSlugs[slug]
		if !known {
			writeError(w, auth.NewErrorf(auth.CodeInvalidAuthMode, "unknown auth mode %q", slug))
			return
		}
		if declared != provider.AuthMode {
			writeError(w, auth.NewErrorf(auth.CodeInvalidAuthMode,
				"integration uses %s, not %s", provider.AuthMode, declared))
			return
		}
	}

	creds, err := credentialsForMode(provider.AuthMode, body.Credentials)
	if err != nil {
		writeError(w, err)
		return
	}

	connectionID := body.ConnectionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	s.runSyncFlow(ctx, w, env, cfg, provider, &flows.StartRequest{
		Provider:         provider,
		Config:           cfg,
		Environment:      env,
		ConnectionID:     connectionID,
		ConnectionConfig: body.ConnectionConfig,
		Credentials:      creds,
	})
}

// runSyncFlow drives a synchronous handshake end to end: the driver call,
// the hooks, the metrics, and the response.
func (s *Server) runSyncFlow(
	ctx context.Context, w http.ResponseWriter,
	env *tenant.Environment, cfg *tenant.IntegrationConfig, provider *providers.Provider,
	req *flows.StartRequest,
) {
	started := s.now()
	s.metrics.RecordFlowStarted(ctx, provider.AuthMode)

	res, err := s.engine.Start(ctx, req)
	if err != nil {
		s.metrics.RecordFlowFinished(ctx, provider.AuthMode, connection.OperationCreation, false, s.now().Sub(started))
		if s.hooks != nil {
			s.hooks.RunFailure(context.WithoutCancel(ctx), &hooks.FailureInput{
				ConnectionID:      req.ConnectionID,
				ProviderConfigKey: cfg.ProviderConfigKey,
				Environment:       env,
				Provider:          provider.Name,
				AuthMode:          provider.AuthMode,
				Operation:         connection.OperationCreation,
				Err:               err,
			})
		}
		logger.Warnw("handshake failed",
			"provider_config_key", cfg.ProviderConfigKey,
			"connection_id", req.ConnectionID,
			"auth_mode", provider.AuthMode,
			"code", auth.CodeOf(err),
			"error", err)
		writeError(w, err)
		return
	}

	completion := res.Completion
	conn := completion.Connection
	if s.hooks != nil {
		s.hooks.RunSuccess(context.WithoutCancel(ctx), &hooks.SuccessInput{
			Connection:  conn,
			Operation:   completion.Operation,
			Environment: env,
			Config:      cfg,
			Provider:    provider,
			Pending:     completion.Pending,
		})
	}
	s.metrics.RecordFlowFinished(ctx, provider.AuthMode, completion.Operation, true, s.now().Sub(started))
	logger.Infow("handshake finished",
		"provider_config_key", cfg.ProviderConfigKey,
		"connection_id", conn.ConnectionID,
		"auth_mode", provider.AuthMode,
		"operation", completion.Operation)
	writeJSON(w, http.StatusOK, connectionCreatedResponse{
		ProviderConfigKey: cfg.ProviderConfigKey,
		ConnectionID:      conn.ConnectionID,
	})
}

// credentialsForMode decodes the caller's raw credentials into the variant
// the mode's driver expects. Redirect modes never accept credentials here.
func credentialsForMode(mode auth.AuthMode, raw json.RawMessage) (auth.Credentials, error) {
	var creds auth.Credentials
	switch mode {
	case auth.ModeAPIKey:
		creds = &auth.APIKeyCredentials{}
	case auth.ModeBasic:
		creds = &auth.BasicCredentials{}
	case auth.ModeJWT:
		creds = &auth.JWTCredentials{}
	case auth.ModeSignature:
		creds = &auth.SignatureCredentials{}
	case auth.ModeTableau:
		creds = &auth.TableauCredentials{}
	case auth.ModeTwoStep:
		creds = &auth.TwoStepCredentials{}
	case auth.ModeBill:
		creds = &auth.BillCredentials{}
	case auth.ModeTBA:
		creds = &auth.TBACredentials{}
	case auth.ModeAppStore:
		creds = &auth.AppStoreCredentials{}
	default:
		return nil, auth.NewErrorf(auth.CodeInvalidAuthMode,
			"%s connections are not created over this route", mode)
	}
	if len(raw) == 0 {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "request body is missing credentials")
	}
	if err := json.Unmarshal(raw, creds); err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "credentials do not match the auth mode", err)
	}
	return creds, nil
}

// authenticateSecret resolves the tenant from the Authorization header on
// server-to-server routes, writing the 401 itself when that fails.
func (s *Server) authenticateSecret(w http.ResponseWriter, r *http.Request) (*tenant.Environment, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeUnauthorized(w)
		return nil, false
	}
	env, err := s.tenants.GetEnvironmentBySecretKey(r.Context(), token)
	if err != nil {
		if errors.Is(err, tenant.ErrEnvironmentNotFound) {
			writeUnauthorized(w)
		} else {
			writeError(w, auth.WrapError(auth.CodeUnknownError, "failed to resolve environment", err))
		}
		return nil, false
	}
	return env, true
}

// resolveIntegration loads the integration config and its provider template,
// mapping absences onto the coded lookup failures.
func (s *Server) resolveIntegration(
	ctx context.Context, environmentID int64, providerConfigKey string,
) (*tenant.IntegrationConfig, *providers.Provider, error) {
	cfg, err := s.tenants.GetIntegration(ctx, environmentID, providerConfigKey)
	if err != nil {
		if errors.Is(err, tenant.ErrIntegrationNotFound) {
			return nil, nil, auth.WrapError(auth.CodeUnknownProviderConfig,
				"no integration is configured under this key", err)
		}
		return nil, nil, auth.WrapError(auth.CodeUnknownError, "failed to load integration config", err)
	}
	provider, err := s.registry.Get(cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	return cfg, provider, nil
}
