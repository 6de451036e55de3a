package auth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Credentials is the sealed tagged union stored on a connection. Each
// variant carries only the fields its auth mode produces; serialization uses
// an explicit "type" discriminator matching the auth mode.
type Credentials interface {
	// Mode returns the auth mode discriminator for this variant.
	Mode() AuthMode

	isCredentials()
}

// ConfigOverride carries per-start client overrides supplied on the connect
// call. It is stored inside the OAuth2 credentials so refresh cycles keep
// honoring the overridden client.
type ConfigOverride struct {
	ClientID     string `json:"oauth_client_id_override,omitempty"`
	ClientSecret string `json:"oauth_client_secret_override,omitempty"`
	Scopes       string `json:"oauth_scopes_override,omitempty"`
}

// Empty reports whether no override field is set.
func (o *ConfigOverride) Empty() bool {
	return o == nil || (o.ClientID == "" && o.ClientSecret == "" && o.Scopes == "")
}

// OAuth2Credentials is the authorization-code and client-credentials
// variant. ExpiresAt is always UTC and only set when the token response
// carried expires_in.
type OAuth2Credentials struct {
	AccessToken    string          `json:"access_token"`
	RefreshToken   string          `json:"refresh_token,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Raw            map[string]any  `json:"raw,omitempty"`
	ConfigOverride *ConfigOverride `json:"config_override,omitempty"`
}

// Mode implements Credentials.
func (*OAuth2Credentials) Mode() AuthMode { return ModeOAuth2 }

func (*OAuth2Credentials) isCredentials() {}

// OAuth1Credentials is the RFC 5849 variant.
type OAuth1Credentials struct {
	OAuthToken       string         `json:"oauth_token"`
	OAuthTokenSecret string         `json:"oauth_token_secret"`
	Raw              map[string]any `json:"raw,omitempty"`
}

// Mode implements Credentials.
func (*OAuth1Credentials) Mode() AuthMode { return ModeOAuth1 }

func (*OAuth1Credentials) isCredentials() {}

// APIKeyCredentials carries a caller-supplied API key verbatim.
type APIKeyCredentials struct {
	APIKey string `json:"api_key"`
}

// Mode implements Credentials.
func (*APIKeyCredentials) Mode() AuthMode { return ModeAPIKey }

func (*APIKeyCredentials) isCredentials() {}

// BasicCredentials carries a caller-supplied username/password pair.
type BasicCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Mode implements Credentials.
func (*BasicCredentials) Mode() AuthMode { return ModeBasic }

func (*BasicCredentials) isCredentials() {}

// AppCredentials is the app-installation variant (APP and CUSTOM modes):
// a short-lived installation token minted from the app's private key.
type AppCredentials struct {
	AccessToken string         `json:"access_token"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`

	mode AuthMode
}

// Mode implements Credentials.
func (c *AppCredentials) Mode() AuthMode {
	if c.mode == ModeCustom {
		return ModeCustom
	}
	return ModeApp
}

func (*AppCredentials) isCredentials() {}

// NewCustomAppCredentials marks app credentials as belonging to a CUSTOM
// (GitHub-app-like) connection so the discriminator round-trips.
func NewCustomAppCredentials(c AppCredentials) *AppCredentials {
	c.mode = ModeCustom
	return &c
}

// AppStoreCredentials is the App Store Connect variant: an ES256-signed JWT
// minted from the issuer's private key.
type AppStoreCredentials struct {
	PrivateKeyID string     `json:"private_key_id"`
	IssuerID     string     `json:"issuer_id"`
	PrivateKey   string     `json:"private_key"`
	AccessToken  string     `json:"access_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Mode implements Credentials.
func (*AppStoreCredentials) Mode() AuthMode { return ModeAppStore }

func (*AppStoreCredentials) isCredentials() {}

// JWTCredentials is the signed-JWT variant: the caller supplies key
// material, the broker mints and stores the token.
type JWTCredentials struct {
	PrivateKeyID string     `json:"private_key_id,omitempty"`
	IssuerID     string     `json:"issuer_id,omitempty"`
	PrivateKey   string     `json:"private_key"`
	Token        string     `json:"token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Mode implements Credentials.
func (*JWTCredentials) Mode() AuthMode { return ModeJWT }

func (*JWTCredentials) isCredentials() {}

// SignatureCredentials is the WSSE username-token variant.
type SignatureCredentials struct {
	Username  string     `json:"username"`
	Password  string     `json:"password"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Mode implements Credentials.
func (*SignatureCredentials) Mode() AuthMode { return ModeSignature }

func (*SignatureCredentials) isCredentials() {}

// TableauCredentials exchanges a personal access token for a site-scoped
// session token.
type TableauCredentials struct {
	PatName    string     `json:"pat_name"`
	PatSecret  string     `json:"pat_secret"`
	ContentURL string     `json:"content_url,omitempty"`
	Token      string     `json:"token,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Mode implements Credentials.
func (*TableauCredentials) Mode() AuthMode { return ModeTableau }

func (*TableauCredentials) isCredentials() {}

// TwoStepCredentials posts caller-supplied body fields to the provider's
// token endpoint and stores the lifted token.
type TwoStepCredentials struct {
	Token     string            `json:"token,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Raw       map[string]any    `json:"raw,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Mode implements Credentials.
func (*TwoStepCredentials) Mode() AuthMode { return ModeTwoStep }

func (*TwoStepCredentials) isCredentials() {}

// BillCredentials is the bill.com-style two-step variant: a developer-keyed
// login that yields a session id scoped to one organization.
type BillCredentials struct {
	Username       string         `json:"username"`
	Password       string         `json:"password"`
	OrganizationID string         `json:"organization_id"`
	DevKey         string         `json:"dev_key"`
	SessionID      string         `json:"session_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Raw            map[string]any `json:"raw,omitempty"`
}

// Mode implements Credentials.
func (*BillCredentials) Mode() AuthMode { return ModeBill }

func (*BillCredentials) isCredentials() {}

// TBACredentials is the NetSuite-style token-based-auth variant.
type TBACredentials struct {
	TokenID        string          `json:"token_id"`
	TokenSecret    string          `json:"token_secret"`
	ConfigOverride *ConfigOverride `json:"config_override,omitempty"`
}

// Mode implements Credentials.
func (*TBACredentials) Mode() AuthMode { return ModeTBA }

func (*TBACredentials) isCredentials() {}

// MarshalCredentials serializes a credential variant with its "type"
// discriminator spliced in.
func MarshalCredentials(c Credentials) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s credentials: %w", c.Mode(), err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("re-reading %s credentials: %w", c.Mode(), err)
	}
	m["type"] = json.RawMessage(strconv.Quote(string(c.Mode())))
	return json.Marshal(m)
}

// UnmarshalCredentials deserializes a credential blob by its "type"
// discriminator.
func UnmarshalCredentials(data []byte) (Credentials, error) {
	var envelope struct {
		Type AuthMode `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("reading credentials discriminator: %w", err)
	}

	var c Credentials
	switch envelope.Type {
	case ModeOAuth2, ModeOAuth2CC:
		c = &OAuth2Credentials{}
	case ModeOAuth1:
		c = &OAuth1Credentials{}
	case ModeAPIKey:
		c = &APIKeyCredentials{}
	case ModeBasic:
		c = &BasicCredentials{}
	case ModeApp:
		c = &AppCredentials{}
	case ModeCustom:
		c = &AppCredentials{mode: ModeCustom}
	case ModeAppStore:
		c = &AppStoreCredentials{}
	case ModeJWT:
		c = &JWTCredentials{}
	case ModeSignature:
		c = &SignatureCredentials{}
	case ModeTableau:
		c = &TableauCredentials{}
	case ModeTwoStep:
		c = &TwoStepCredentials{}
	case ModeBill:
		c = &BillCredentials{}
	case ModeTBA:
		c = &TBACredentials{}
	default:
		return nil, fmt.Errorf("unknown credentials type %q", envelope.Type)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decoding %s credentials: %w", envelope.Type, err)
	}
	return c, nil
}

// ExpiryOf returns the expiry of a credential variant when the mode carries
// one, else nil.
func ExpiryOf(c Credentials) *time.Time {
	switch v := c.(type) {
	case *OAuth2Credentials:
		return v.ExpiresAt
	case *AppCredentials:
		return v.ExpiresAt
	case *AppStoreCredentials:
		return v.ExpiresAt
	case *JWTCredentials:
		return v.ExpiresAt
	case *SignatureCredentials:
		return v.ExpiresAt
	case *TableauCredentials:
		return v.ExpiresAt
	case *TwoStepCredentials:
		return v.ExpiresAt
	case *BillCredentials:
		return v.ExpiresAt
	default:
		return nil
	}
}
