package flows

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/providers"
)

// twoStepDriver POSTs caller-supplied body fields to the provider's token
// endpoint and lifts the resulting token by the provider's declared response
// paths.
type twoStepDriver struct {
	e *Engine
}

func (d *twoStepDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	creds, ok := req.Credentials.(*auth.TwoStepCredentials)
	if !ok || len(creds.Fields) == 0 {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require at least one body field")
	}

	provider := req.Provider
	connConfig := req.ConnectionConfig
	if err := validateTemplates(connConfig, provider.TokenURL.ForMode(auth.ModeTwoStep)); err != nil {
		return nil, err
	}
	endpoint, err := interpolateURL(provider.TokenURL.ForMode(auth.ModeTwoStep), connConfig, provider.TokenURLEncode)
	if err != nil {
		return nil, err
	}

	payload, contentType, err := encodeFields(creds.Fields, provider.RequestBodyFormat())
	if err != nil {
		return nil, err
	}
	body, err := doTokenPost(ctx, d.e.client, endpoint, contentType, payload)
	if err != nil {
		return nil, err
	}

	token := liftToken(provider, body)
	if token == "" {
		return nil, auth.NewError(auth.CodeTokenParsingError, "token response is missing a token").
			WithDetail(string(body))
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		raw = nil
	}

	creds.Token = token
	creds.Raw = raw
	if expiresIn := intField(raw, "expires_in"); expiresIn > 0 {
		expiresAt := d.e.now().UTC().Add(time.Duration(expiresIn) * time.Second)
		creds.ExpiresAt = &expiresAt
	}

	return d.e.completeSynchronous(ctx, req, creds)
}

func (d *twoStepDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeTwoStep)
}

// encodeFields renders the body fields in the provider's body format.
func encodeFields(fields map[string]string, format string) ([]byte, string, error) {
	if format == providers.BodyFormatJSON {
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, "", auth.WrapError(auth.CodeUnknownError, "failed to encode token request", err)
		}
		return payload, "application/json", nil
	}
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
}

// liftToken pulls the token out of the response: the provider's declared
// token_response_metadata paths first, then the conventional fields.
func liftToken(provider *providers.Provider, body []byte) string {
	for _, path := range provider.TokenResponseMetadata {
		if res := gjson.GetBytes(body, path); res.Exists() && res.String() != "" {
			return res.String()
		}
	}
	for _, field := range []string{"access_token", "token"} {
		if res := gjson.GetBytes(body, field); res.Exists() && res.String() != "" {
			return res.String()
		}
	}
	return ""
}

// billDriver performs the bill.com developer-key login: username, password,
// organization and developer key in, session id out.
type billDriver struct {
	e *Engine
}

func (d *billDriver) Start(ctx context.Context, req *StartRequest) (*StartResult, error) {
	creds, ok := req.Credentials.(*auth.BillCredentials)
	if !ok || creds.Username == "" || creds.Password == "" || creds.OrganizationID == "" || creds.DevKey == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "credentials require username, password, organization_id and dev_key")
	}

	provider := req.Provider
	connConfig := req.ConnectionConfig
	if err := validateTemplates(connConfig, provider.TokenURL.ForMode(auth.ModeBill)); err != nil {
		return nil, err
	}
	endpoint, err := interpolateURL(provider.TokenURL.ForMode(auth.ModeBill), connConfig, provider.TokenURLEncode)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{
		"username":       creds.Username,
		"password":       creds.Password,
		"organizationId": creds.OrganizationID,
		"devKey":         creds.DevKey,
	})
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to encode login request", err)
	}

	body, err := doTokenPost(ctx, d.e.client, endpoint, "application/json", payload)
	if err != nil {
		return nil, err
	}

	sessionID := gjson.GetBytes(body, "sessionId")
	if !sessionID.Exists() || sessionID.String() == "" {
		return nil, auth.NewError(auth.CodeTokenParsingError, "login response is missing sessionId").
			WithDetail(string(body))
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		raw = nil
	}

	creds.SessionID = sessionID.String()
	creds.UserID = gjson.GetBytes(body, "userId").String()
	creds.Raw = raw

	return d.e.completeSynchronous(ctx, req, creds)
}

func (d *billDriver) Finish(_ context.Context, _ *FinishRequest) (*Completion, error) {
	return finishUnsupported(auth.ModeBill)
}
