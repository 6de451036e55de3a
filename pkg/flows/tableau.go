package flows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nangohq/nango/pkg/auth"
)

// tableauSessionLifetime is how long a signin token stays valid; the REST
// API does not report it in the response.
const tableauSessionLifetime = 240 * time.Minute

// tableauDriver exchanges a personal access token for a site-scoped session
// token at the REST signin endpoint.
type tableauDriver struct {
	e *Engine
}

func (d *tableauDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	creds, ok := req.Credentials.(*auth.TableauCredentials)
	if !ok || creds.PatName == "" || creds.PatSecret == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require pat_name and pat_secret")
	}

	provider := req.Provider
	connConfig := req.ConnectionConfig
	if err := validateTemplates(connConfig, provider.TokenURL.ForMode(auth.ModeTableau)); err != nil {
		return nil, err
	}
	endpoint, err := interpolateURL(provider.TokenURL.ForMode(auth.ModeTableau), connConfig, provider.TokenURLEncode)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"credentials": map[string]any{
			"personalAccessTokenName":   creds.PatName,
			"personalAccessTokenSecret": creds.PatSecret,
			"site": map[string]any{
				"contentUrl": creds.ContentURL,
			},
		},
	})
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to encode signin request", err)
	}

	body, err := doTokenPost(ctx, d.e.client, endpoint, "application/json", payload)
	if err != nil {
		return nil, err
	}

	token := gjson.GetBytes(body, "credentials.token")
	if !token.Exists() || token.String() == "" {
		return nil, auth.NewError(auth.CodeTokenParsingError, "signin response is missing credentials.token").
			WithDetail(string(body))
	}

	expiresAt := d.e.now().Add(tableauSessionLifetime).UTC()
	creds.Token = token.String()
	creds.ExpiresAt = &expiresAt

	return d.e.completeSynchronous(ctx, req, creds)
}

func (d *tableauDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeTableau)
}
