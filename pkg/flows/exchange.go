package flows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/httpclient"
	"github.com/nangohq/nango/pkg/providers"
)

// TokenRequest describes one POST to a provider token endpoint. It is
// shared with the refresh coordinator, which replays the same exchange
// with refresh-specific parameters and error codes.
type TokenRequest struct {
	URL    string
	Params map[string]string

	ClientID     string
	ClientSecret string
	// AuthMethod picks where client credentials travel: providers.AuthMethodBasic
	// puts them in an Authorization header, providers.AuthMethodBody in the body.
	AuthMethod string
	// BodyFormat picks the body encoding: providers.BodyFormatForm or
	// providers.BodyFormatJSON.
	BodyFormat string

	Headers map[string]string

	// ExternalCode and ParseCode classify failures (token_* for the
	// authorize exchange, refresh_token_* for refreshes).
	ExternalCode auth.Code
	ParseCode    auth.Code
}

// TokenResponse is the parsed provider reply. Raw keeps every field for
// metadata extraction; Body is the original payload for gjson lifting.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is seconds until expiry; 0 means the provider said nothing.
	ExpiresIn int64
	Raw       map[string]any
	Body      []byte
}

// ExchangeToken POSTs a token request and parses the response. Non-2xx
// replies surface as ExternalCode errors with the upstream body attached;
// undecodable or tokenless replies surface as ParseCode.
func ExchangeToken(ctx context.Context, client *http.Client, req *TokenRequest) (*TokenResponse, error) {
	externalCode := req.ExternalCode
	if externalCode == "" {
		externalCode = auth.CodeTokenExternalError
	}
	parseCode := req.ParseCode
	if parseCode == "" {
		parseCode = auth.CodeTokenParsingError
	}

	httpReq, err := buildTokenRequest(ctx, req)
	if err != nil {
		return nil, auth.WrapError(externalCode, "failed to build token request", err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err, externalCode)
	}
	defer resp.Body.Close()

	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return nil, auth.WrapError(externalCode, "failed to read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, auth.NewErrorf(externalCode, "token endpoint returned %d", resp.StatusCode).
			WithDetail(strings.TrimSpace(string(body)))
	}

	parsed, err := parseTokenResponse(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, auth.WrapError(parseCode, "failed to parse token response", err).
			WithDetail(strings.TrimSpace(string(body)))
	}
	return parsed, nil
}

// doTokenPost is the raw variant of ExchangeToken for modes whose token
// endpoints do not speak the OAuth response shape: it POSTs the payload and
// returns the body after the status check, leaving field lifting to the
// caller.
func doTokenPost(ctx context.Context, client *http.Client, endpoint, contentType string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to build token request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err, auth.CodeTokenExternalError)
	}
	defer resp.Body.Close()

	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return nil, auth.WrapError(auth.CodeTokenExternalError, "failed to read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, auth.NewErrorf(auth.CodeTokenExternalError, "token endpoint returned %d", resp.StatusCode).
			WithDetail(strings.TrimSpace(string(body)))
	}
	return body, nil
}

// buildTokenRequest encodes the body per BodyFormat and places the client
// credentials per AuthMethod.
func buildTokenRequest(ctx context.Context, req *TokenRequest) (*http.Request, error) {
	params := make(map[string]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	if req.AuthMethod != providers.AuthMethodBasic {
		if req.ClientID != "" {
			params["client_id"] = req.ClientID
		}
		if req.ClientSecret != "" {
			params["client_secret"] = req.ClientSecret
		}
	}

	var body *bytes.Reader
	var contentType string
	if req.BodyFormat == providers.BodyFormatJSON {
		payload := make(map[string]any, len(params))
		for k, v := range params {
			payload[k] = v
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding token request body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	} else {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body = bytes.NewReader([]byte(form.Encode()))
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if req.AuthMethod == providers.AuthMethodBasic {
		httpReq.SetBasicAuth(req.ClientID, req.ClientSecret)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// parseTokenResponse decodes a token payload. Providers that ignore the
// Accept header (GitHub without it, old OAuth servers) answer
// form-encoded, so both encodings are accepted.
func parseTokenResponse(body []byte, contentType string) (*TokenResponse, error) {
	raw := map[string]any{}

	switch {
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("decoding form token response: %w", err)
		}
		for k := range values {
			raw[k] = values.Get(k)
		}
	default:
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("decoding token response: %w", err)
		}
	}

	resp := &TokenResponse{Raw: raw, Body: body}
	resp.AccessToken, _ = stringField(raw, "access_token")
	resp.RefreshToken, _ = stringField(raw, "refresh_token")
	resp.ExpiresIn = intField(raw, "expires_in")

	if resp.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	return resp, nil
}

// CredentialsFromToken converts a parsed token response into the OAuth2
// credential variant. ExpiresAt is only set when the provider reported
// expires_in.
func CredentialsFromToken(resp *TokenResponse, now time.Time) *auth.OAuth2Credentials {
	creds := &auth.OAuth2Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Raw:          resp.Raw,
	}
	if resp.ExpiresIn > 0 {
		expiresAt := now.UTC().Add(time.Duration(resp.ExpiresIn) * time.Second)
		creds.ExpiresAt = &expiresAt
	}
	return creds
}

// classifyTransportError maps client-side failures onto the stable codes:
// deadline exhaustion is upstream_timeout, everything else the exchange's
// external code.
func classifyTransportError(err error, externalCode auth.Code) *auth.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return auth.WrapError(auth.CodeUpstreamTimeout, "token endpoint timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return auth.WrapError(auth.CodeUpstreamTimeout, "token endpoint timed out", err)
	}
	return auth.WrapError(externalCode, "token request failed", err)
}

func stringField(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// intField reads a numeric field that providers variously encode as a JSON
// number or a string.
func intField(raw map[string]any, key string) int64 {
	switch v := raw[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
