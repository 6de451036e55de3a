package flows

import (
	"context"

	"github.com/nangohq/nango/pkg/auth"
)

// apiKeyDriver stores a caller-supplied API key, probing it first when the
// provider declares a verification endpoint.
type apiKeyDriver struct {
	e *Engine
}

func (d *apiKeyDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	creds, ok := req.Credentials.(*auth.APIKeyCredentials)
	if !ok || creds.APIKey == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require api_key")
	}
	return d.e.completeSynchronous(ctx, req, creds)
}

func (d *apiKeyDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeAPIKey)
}

// basicDriver stores a caller-supplied username/password pair. Some providers
// use an empty password (Mailgun keys travel as the username), so only the
// username is mandatory.
type basicDriver struct {
	e *Engine
}

func (d *basicDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	creds, ok := req.Credentials.(*auth.BasicCredentials)
	if !ok || creds.Username == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require username")
	}
	return d.e.completeSynchronous(ctx, req, creds)
}

func (d *basicDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeBasic)
}

// tbaDriver stores NetSuite-style token-based-auth credentials; requests are
// signed later by the proxy, so there is no exchange here.
type tbaDriver struct {
	e *Engine
}

func (d *tbaDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	creds, ok := req.Credentials.(*auth.TBACredentials)
	if !ok || creds.TokenID == "" || creds.TokenSecret == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require token_id and token_secret")
	}
	return d.e.completeSynchronous(ctx, req, creds)
}

func (d *tbaDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeTBA)
}
