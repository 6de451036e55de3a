package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/refresh"
)

// connectionResponse is the wire shape of a stored connection. Credentials
// marshal through the mode discriminator so callers can tell variants apart.
type connectionResponse struct {
	ID                int64                 `json:"id"`
	ConnectionID      string                `json:"connection_id"`
	ProviderConfigKey string                `json:"provider_config_key"`
	Provider          string                `json:"provider"`
	Credentials       json.RawMessage       `json:"credentials"`
	ConnectionConfig  map[string]any        `json:"connection_config,omitempty"`
	Metadata          map[string]any        `json:"metadata,omitempty"`
	LastAuthError     *connection.AuthError `json:"last_auth_error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// getConnection returns a stored connection with credentials fresh enough to
// hand to a downstream call, refreshing them inline when they are stale or
// when the caller forces it.
func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connectionID := chi.URLParam(r, "connectionID")

	env, ok := s.authenticateSecret(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	providerConfigKey := q.Get("provider_config_key")
	if providerConfigKey == "" {
		writeError(w, auth.NewError(auth.CodeInvalidConnectionConfig,
			"the provider_config_key query parameter is required"))
		return
	}
	force, _ := strconv.ParseBool(q.Get("force_refresh"))

	conn, err := s.connections.Get(ctx, env.ID, providerConfigKey, connectionID)
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			writeError(w, auth.NewError(auth.CodeMissingConnection, "no connection matches"))
		} else {
			writeError(w, auth.WrapError(auth.CodeUnknownError, "failed to load connection", err))
		}
		return
	}

	cfg, provider, err := s.resolveIntegration(ctx, env.ID, providerConfigKey)
	if err != nil {
		writeError(w, err)
		return
	}

	creds := conn.Credentials
	if s.refresher != nil {
		creds, err = s.refresher.GetFreshCredentials(ctx, &refresh.Request{
			Connection: conn,
			Config:     cfg,
			Provider:   provider,
			Force:      force,
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}

	raw, err := auth.MarshalCredentials(creds)
	if err != nil {
		writeError(w, auth.WrapError(auth.CodeUnknownError, "failed to serialize credentials", err))
		return
	}

	writeJSON(w, http.StatusOK, connectionResponse{
		ID:                conn.ID,
		ConnectionID:      conn.ConnectionID,
		ProviderConfigKey: conn.ProviderConfigKey,
		Provider:          conn.Provider,
		Credentials:       raw,
		ConnectionConfig:  conn.ConnectionConfig,
		Metadata:          conn.Metadata,
		LastAuthError:     conn.LastAuthError,
		CreatedAt:         conn.CreatedAt,
		UpdatedAt:         conn.UpdatedAt,
	})
}
