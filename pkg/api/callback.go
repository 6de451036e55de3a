package api

import (
	"context"
	"net/http"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/flows"
	"github.com/nangohq/nango/pkg/hooks"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/session"
	"github.com/nangohq/nango/pkg/tenant"
)

// callback receives the provider's redirect and finishes the handshake.
// Once the state matches a session the server owns the outcome: a dropped
// browser must not cancel the token exchange, the upsert, or the hooks, so
// everything past this point runs detached from the request context.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	params := r.URL.Query()
	if ref := r.Referer(); ref != "" && params.Get("referer") == "" {
		params.Set("referer", ref)
	}

	state := params.Get("state")
	if state == "" {
		// GitHub App installations updated from the provider side arrive
		// without a state. Send the admin back where they came from.
		if params.Get("setup_action") == "update" && params.Get("referer") != "" {
			http.Redirect(w, r, params.Get("referer"), http.StatusFound)
			return
		}
		renderErrorPage(w, auth.CodeInvalidState, "the callback carries no state parameter")
		return
	}

	completion, sess, err := s.engine.Finish(ctx, state, params)
	if err != nil {
		s.failCallback(ctx, w, sess, err)
		return
	}

	// A setup_action=update callback for a connection that was never
	// stored finishes without an upsert; there is nothing to notify about.
	if conn := completion.Connection; conn != nil {
		s.hub.PublishSuccess(sess.WebSocketClientID, sess.ProviderConfigKey, conn.ConnectionID, completion.Pending)
		s.runSuccessHooks(ctx, sess.EnvironmentID, sess.ProviderConfigKey, sess.Provider, completion)
		s.metrics.RecordFlowFinished(ctx, sess.AuthMode, completion.Operation, true, s.now().Sub(sess.CreatedAt))
		logger.Infow("handshake finished",
			"provider_config_key", sess.ProviderConfigKey,
			"connection_id", conn.ConnectionID,
			"auth_mode", sess.AuthMode,
			"operation", completion.Operation,
			"pending", completion.Pending)
	}

	if completion.RedirectURI != "" {
		http.Redirect(w, r, completion.RedirectURI, http.StatusFound)
		return
	}
	renderSuccessPage(w)
}

// failCallback reports a finish failure. When a session was consumed, the
// originating websocket client and the tenant's webhook both hear about it;
// without one there is nobody to notify beyond the page itself.
func (s *Server) failCallback(ctx context.Context, w http.ResponseWriter, sess *session.Session, err error) {
	code := auth.CodeOf(err)
	msg := userMessage(err)
	if sess == nil {
		logger.Warnw("callback rejected", "code", code, "error", err)
		renderErrorPage(w, code, msg)
		return
	}

	logger.Warnw("handshake failed",
		"provider_config_key", sess.ProviderConfigKey,
		"connection_id", sess.ConnectionID,
		"auth_mode", sess.AuthMode,
		"code", code,
		"error", err)
	s.hub.PublishError(sess.WebSocketClientID, code, msg)
	if s.hooks != nil {
		var env *tenant.Environment
		if resolved, envErr := s.tenants.GetEnvironment(ctx, sess.EnvironmentID); envErr == nil {
			env = resolved
		} else {
			logger.Errorw("environment lookup failed, failure webhook skipped",
				"environment_id", sess.EnvironmentID, "error", envErr)
		}
		s.hooks.RunFailure(ctx, &hooks.FailureInput{
			ConnectionID:      sess.ConnectionID,
			ProviderConfigKey: sess.ProviderConfigKey,
			Environment:       env,
			Provider:          sess.Provider,
			AuthMode:          sess.AuthMode,
			Operation:         connection.OperationCreation,
			Err:               err,
		})
	}
	s.metrics.RecordFlowFinished(ctx, sess.AuthMode, connection.OperationCreation, false, s.now().Sub(sess.CreatedAt))
	renderErrorPage(w, code, msg)
}

// runSuccessHooks resolves the tenant context again and hands the stored
// connection to the post-connection pipeline. Hook failures only log; the
// credentials are already stored.
func (s *Server) runSuccessHooks(
	ctx context.Context, environmentID int64, providerConfigKey, providerName string, completion *flows.Completion,
) {
	if s.hooks == nil {
		return
	}
	env, err := s.tenants.GetEnvironment(ctx, environmentID)
	if err != nil {
		logger.Errorw("environment lookup failed, hooks skipped",
			"environment_id", environmentID, "error", err)
		return
	}
	cfg, err := s.tenants.GetIntegration(ctx, environmentID, providerConfigKey)
	if err != nil {
		logger.Errorw("integration lookup failed, hooks skipped",
			"provider_config_key", providerConfigKey, "error", err)
		return
	}
	provider, err := s.registry.Get(providerName)
	if err != nil {
		logger.Errorw("provider lookup failed, hooks skipped",
			"provider", providerName, "error", err)
		return
	}
	s.hooks.RunSuccess(ctx, &hooks.SuccessInput{
		Connection:  completion.Connection,
		Operation:   completion.Operation,
		Environment: env,
		Config:      cfg,
		Provider:    provider,
		Pending:     completion.Pending,
	})
}
