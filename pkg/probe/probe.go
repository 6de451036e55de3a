// Package probe issues the provider-declared verification request after
// credentials are minted, confirming they actually work before the
// connection persists. One request, never retried: a slow provider should
// fail the handshake, not stall it.
package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/flows"
	"github.com/nangohq/nango/pkg/httpclient"
	"github.com/nangohq/nango/pkg/interpolate"
	"github.com/nangohq/nango/pkg/providers"
)

// Caller executes the probe request. The default sends it directly; a
// deployment fronted by the downstream proxy can route it there instead.
type Caller interface {
	Call(req *http.Request) (*http.Response, error)
}

type directCaller struct {
	client *http.Client
}

func (c *directCaller) Call(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// Prober builds and sends verification requests from provider metadata.
type Prober struct {
	caller Caller
}

var _ flows.Prober = (*Prober)(nil)

// Option configures a Prober.
type Option func(*Prober)

// WithCaller routes probe requests through a custom caller.
func WithCaller(c Caller) Option {
	return func(p *Prober) { p.caller = c }
}

// WithHTTPClient sets the client behind the default direct caller.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) { p.caller = &directCaller{client: client} }
}

// New builds a prober that calls providers directly.
func New(opts ...Option) *Prober {
	p := &Prober{caller: &directCaller{client: httpclient.NewBuilder().Build()}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Verify runs the provider's declared verification request with the freshly
// minted credentials injected. Any non-2xx answer fails the handshake with
// connection_test_failed and the upstream status attached.
func (p *Prober) Verify(ctx context.Context, provider *providers.Provider, creds auth.Credentials, connConfig map[string]any) error {
	if provider.Proxy == nil || provider.Proxy.Verification == nil {
		return nil
	}

	req, err := p.buildRequest(ctx, provider, creds, connConfig)
	if err != nil {
		return err
	}

	resp, err := p.caller.Call(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := httpclient.ReadBody(resp)
		return auth.NewErrorf(auth.CodeConnectionTestFailed, "verification request returned %d", resp.StatusCode).
			WithDetail(strings.TrimSpace(string(body)))
	}
	return nil
}

// buildRequest assembles the probe: method and endpoint from the
// verification block, base URL from the override or the provider's proxy
// settings, headers templated against the connection config and the
// credential fields.
func (p *Prober) buildRequest(ctx context.Context, provider *providers.Provider, creds auth.Credentials, connConfig map[string]any) (*http.Request, error) {
	v := provider.Proxy.Verification

	tmplCtx := templateContext(connConfig, creds)

	base := v.BaseURLOverride
	if base == "" {
		base = provider.Proxy.BaseURL
	}
	if base == "" {
		return nil, auth.NewError(auth.CodeInvalidConnectionConfig, "provider declares a verification probe but no base URL")
	}
	base, err := interpolate.Interpolate(base, tmplCtx)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "verification base URL failed to interpolate", err)
	}
	endpoint, err := interpolate.Interpolate(v.Endpoint, tmplCtx)
	if err != nil {
		return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "verification endpoint failed to interpolate", err)
	}

	method := strings.ToUpper(v.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknownError, "failed to build verification request", err)
	}

	for k, tmpl := range v.Headers {
		val, err := interpolate.Interpolate(tmpl, tmplCtx)
		if err != nil {
			return nil, auth.WrapError(auth.CodeInvalidConnectionConfig, "verification header failed to interpolate", err)
		}
		req.Header.Set(k, val)
	}

	injectCredential(req, creds)
	return req, nil
}

// injectCredential applies the mode's default auth header unless the
// provider's header templates already set one.
func injectCredential(req *http.Request, creds auth.Credentials) {
	if req.Header.Get("Authorization") != "" {
		return
	}
	switch c := creds.(type) {
	case *auth.BasicCredentials:
		req.SetBasicAuth(c.Username, c.Password)
	case *auth.APIKeyCredentials:
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	default:
		if token := bearerToken(creds); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// bearerToken extracts the bearer-shaped token a variant carries, if any.
func bearerToken(creds auth.Credentials) string {
	switch c := creds.(type) {
	case *auth.OAuth2Credentials:
		return c.AccessToken
	case *auth.AppCredentials:
		return c.AccessToken
	case *auth.AppStoreCredentials:
		return c.AccessToken
	case *auth.JWTCredentials:
		return c.Token
	case *auth.SignatureCredentials:
		return c.Token
	case *auth.TableauCredentials:
		return c.Token
	case *auth.TwoStepCredentials:
		return c.Token
	case *auth.BillCredentials:
		return c.SessionID
	default:
		return ""
	}
}

// templateContext unions the connection config with the credential fields
// providers reference in verification templates (${apiKey}, ${username},
// ${accessToken}, ...).
func templateContext(connConfig map[string]any, creds auth.Credentials) map[string]any {
	ctx := make(map[string]any, len(connConfig)+3)
	for k, v := range connConfig {
		ctx[k] = v
	}
	switch c := creds.(type) {
	case *auth.APIKeyCredentials:
		ctx["apiKey"] = c.APIKey
	case *auth.BasicCredentials:
		ctx["username"] = c.Username
		ctx["password"] = c.Password
	case *auth.TBACredentials:
		ctx["tokenId"] = c.TokenID
		ctx["tokenSecret"] = c.TokenSecret
	default:
		if token := bearerToken(creds); token != "" {
			ctx["accessToken"] = token
		}
	}
	return ctx
}

// classifyTransportError keeps timeout failures distinguishable from a
// provider actively rejecting the credentials.
func classifyTransportError(err error) *auth.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return auth.WrapError(auth.CodeUpstreamTimeout, "verification request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return auth.WrapError(auth.CodeUpstreamTimeout, "verification request timed out", err)
	}
	return auth.WrapError(auth.CodeConnectionTestFailed, "verification request failed", err)
}
