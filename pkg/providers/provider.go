// Package providers loads and serves the declarative provider registry: a
// YAML map from provider id to the immutable metadata describing how to talk
// to that third-party API. Descriptors are pure data; every templated field
// is validated at load time and interpolated at the point of use.
package providers

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/nangohq/nango/pkg/auth"
)

// TokenRequestAuthMethod selects where client credentials travel on the
// token exchange.
const (
	// AuthMethodBasic sends client id/secret as an Authorization: Basic header.
	AuthMethodBasic = "basic"
	// AuthMethodBody sends client id/secret in the request body (default).
	AuthMethodBody = "body"
)

// Body formats for token requests.
const (
	// BodyFormatForm posts application/x-www-form-urlencoded (default).
	BodyFormatForm = "form"
	// BodyFormatJSON posts application/json.
	BodyFormatJSON = "json"
)

// Provider is one immutable provider descriptor.
type Provider struct {
	// Name is the registry key; set at load time, not in the file.
	Name string `yaml:"-"`

	// Alias points at another provider id this entry inherits from.
	// Scalar fields set on the alias entry override the target's.
	Alias string `yaml:"alias,omitempty"`

	DisplayName string        `yaml:"display_name,omitempty"`
	AuthMode    auth.AuthMode `yaml:"auth_mode,omitempty"`

	AuthorizationURL string   `yaml:"authorization_url,omitempty"`
	TokenURL         TokenURL `yaml:"token_url,omitempty"`
	RefreshURL       string   `yaml:"refresh_url,omitempty"`
	// RequestURL is the OAuth1 request-token endpoint.
	RequestURL string `yaml:"request_url,omitempty"`

	AuthorizationParams          map[string]string `yaml:"authorization_params,omitempty"`
	TokenParams                  map[string]string `yaml:"token_params,omitempty"`
	RefreshParams                map[string]string `yaml:"refresh_params,omitempty"`
	AuthorizationURLReplacements map[string]string `yaml:"authorization_url_replacements,omitempty"`

	TokenURLEncode         bool `yaml:"token_url_encode,omitempty"`
	AuthorizationURLEncode bool `yaml:"authorization_url_encode,omitempty"`
	DisablePKCE            bool `yaml:"disable_pkce,omitempty"`
	// AuthorizationURLFragment moves the query string after the named
	// fragment in the final authorize URL.
	AuthorizationURLFragment string `yaml:"authorization_url_fragment,omitempty"`

	TokenRequestAuthMethod string `yaml:"token_request_auth_method,omitempty"`
	BodyFormat             string `yaml:"body_format,omitempty"`
	ScopeSeparator         string `yaml:"scope_separator,omitempty"`

	// RedirectURIMetadata lists callback query params lifted into the
	// connection config on finish.
	RedirectURIMetadata []string `yaml:"redirect_uri_metadata,omitempty"`
	// TokenResponseMetadata lists dotted paths lifted from the raw token
	// response into the connection config.
	TokenResponseMetadata []string `yaml:"token_response_metadata,omitempty"`

	Proxy *ProxySettings `yaml:"proxy,omitempty"`

	WebhookRoutingScript string `yaml:"webhook_routing_script,omitempty"`
}

// ProxySettings is the slice of proxy metadata the authorization core needs:
// the API base URL and the optional verification probe.
type ProxySettings struct {
	BaseURL      string        `yaml:"base_url,omitempty"`
	Verification *Verification `yaml:"verification,omitempty"`
}

// Verification declares the probe request issued after minting non-OAuth
// credentials.
type Verification struct {
	Method string `yaml:"method,omitempty"`
	// Endpoint is the probe path, templated against the connection config.
	Endpoint string `yaml:"endpoint"`
	// BaseURLOverride replaces proxy.base_url for the probe only.
	BaseURLOverride string            `yaml:"base_url_override,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
}

// TokenURL is either a single endpoint or a per-auth-mode mapping (hybrid
// providers exchange user tokens and installation tokens at different
// endpoints).
type TokenURL struct {
	single  string
	perMode map[auth.AuthMode]string
}

// NewTokenURL wraps a single token endpoint.
func NewTokenURL(u string) TokenURL {
	return TokenURL{single: u}
}

// UnmarshalYAML accepts either a scalar URL or a mode-to-URL mapping.
func (u *TokenURL) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&u.single)
	case yaml.MappingNode:
		raw := map[string]string{}
		if err := value.Decode(&raw); err != nil {
			return err
		}
		u.perMode = make(map[auth.AuthMode]string, len(raw))
		for k, v := range raw {
			mode, err := auth.ParseAuthMode(k)
			if err != nil {
				return fmt.Errorf("token_url mapping: %w", err)
			}
			u.perMode[mode] = v
		}
		return nil
	default:
		return fmt.Errorf("token_url must be a string or a mode mapping")
	}
}

// MarshalYAML emits the same shape the file carries.
func (u TokenURL) MarshalYAML() (any, error) {
	if len(u.perMode) > 0 {
		out := make(map[string]string, len(u.perMode))
		for k, v := range u.perMode {
			out[string(k)] = v
		}
		return out, nil
	}
	return u.single, nil
}

// ForMode resolves the endpoint for an auth mode, falling back to the
// single URL.
func (u TokenURL) ForMode(mode auth.AuthMode) string {
	if v, ok := u.perMode[mode]; ok {
		return v
	}
	return u.single
}

// IsZero reports whether no endpoint is declared.
func (u TokenURL) IsZero() bool {
	return u.single == "" && len(u.perMode) == 0
}

// AuthMethod returns the normalized token-request auth method.
func (p *Provider) AuthMethod() string {
	if p.TokenRequestAuthMethod == AuthMethodBasic {
		return AuthMethodBasic
	}
	return AuthMethodBody
}

// RequestBodyFormat returns the normalized token-request body format.
func (p *Provider) RequestBodyFormat() string {
	if p.BodyFormat == BodyFormatJSON {
		return BodyFormatJSON
	}
	return BodyFormatForm
}

// Separator returns the scope separator, defaulting to a single space.
func (p *Provider) Separator() string {
	if p.ScopeSeparator == "" {
		return " "
	}
	return p.ScopeSeparator
}

// validate checks one resolved descriptor at load time so lookups never
// hand out half-formed metadata.
func (p *Provider) validate() error {
	if !p.AuthMode.Valid() {
		return fmt.Errorf("provider %s: unknown auth_mode %q", p.Name, p.AuthMode)
	}
	switch p.AuthMode {
	case auth.ModeOAuth2:
		if p.AuthorizationURL == "" {
			return fmt.Errorf("provider %s: auth_mode %s requires authorization_url", p.Name, p.AuthMode)
		}
		if p.TokenURL.IsZero() {
			return fmt.Errorf("provider %s: auth_mode %s requires token_url", p.Name, p.AuthMode)
		}
	case auth.ModeOAuth1:
		if p.AuthorizationURL == "" || p.TokenURL.IsZero() || p.RequestURL == "" {
			return fmt.Errorf("provider %s: auth_mode OAUTH1 requires request_url, authorization_url and token_url", p.Name)
		}
	case auth.ModeOAuth2CC:
		if p.TokenURL.IsZero() {
			return fmt.Errorf("provider %s: auth_mode OAUTH2_CC requires token_url", p.Name)
		}
	case auth.ModeApp, auth.ModeAppStore, auth.ModeCustom:
		if p.AuthorizationURL == "" {
			return fmt.Errorf("provider %s: auth_mode %s requires authorization_url", p.Name, p.AuthMode)
		}
	}
	if m := p.TokenRequestAuthMethod; m != "" && m != AuthMethodBasic && m != AuthMethodBody {
		return fmt.Errorf("provider %s: unknown token_request_auth_method %q", p.Name, m)
	}
	if f := p.BodyFormat; f != "" && f != BodyFormatForm && f != BodyFormatJSON {
		return fmt.Errorf("provider %s: unknown body_format %q", p.Name, f)
	}
	if v := p.Proxy; v != nil && v.Verification != nil && v.Verification.Endpoint == "" {
		return fmt.Errorf("provider %s: proxy.verification requires an endpoint", p.Name)
	}
	return nil
}
