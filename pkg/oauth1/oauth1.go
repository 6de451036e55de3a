// Package oauth1 implements the three-legged OAuth 1.0a flow (RFC 5849)
// used by providers such as Twitter and Trello. It covers request-token
// acquisition, authorization redirect URLs, and access-token exchange with
// HMAC-SHA1 request signing.
package oauth1

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // OAuth 1.0a signing is defined over HMAC-SHA1.
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nangohq/nango/pkg/httpclient"
)

// Signature methods supported for the oauth_signature_method parameter.
const (
	SignatureHMACSHA1  = "HMAC-SHA1"
	SignaturePlaintext = "PLAINTEXT"
)

// RequestToken is the temporary credential returned by the first leg.
type RequestToken struct {
	Token             string
	TokenSecret       string
	CallbackConfirmed bool
}

// AccessToken is the final credential returned by the third leg. Raw keeps
// every parameter the provider returned beyond the token pair; some
// providers (for example Trello) attach user identifiers there.
type AccessToken struct {
	Token       string
	TokenSecret string
	Raw         map[string]string
}

// Client performs signed OAuth 1.0a requests for a single consumer key pair.
type Client struct {
	ConsumerKey     string
	ConsumerSecret  string
	SignatureMethod string

	httpClient *http.Client

	// Overridable for deterministic tests.
	nonce func() string
	clock func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSignatureMethod overrides the default HMAC-SHA1 signature method.
func WithSignatureMethod(method string) Option {
	return func(c *Client) { c.SignatureMethod = method }
}

func withNonce(fn func() string) Option {
	return func(c *Client) { c.nonce = fn }
}

func withClock(fn func() time.Time) Option {
	return func(c *Client) { c.clock = fn }
}

// NewClient creates an OAuth 1.0a client for the given consumer credentials.
func NewClient(consumerKey, consumerSecret string, opts ...Option) *Client {
	c := &Client{
		ConsumerKey:     consumerKey,
		ConsumerSecret:  consumerSecret,
		SignatureMethod: SignatureHMACSHA1,
		httpClient:      httpclient.NewBuilder().Build(),
		nonce:           newNonce,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetRequestToken performs the first leg: it POSTs to the request-token
// endpoint with an oauth_callback and returns the temporary credential.
func (c *Client) GetRequestToken(ctx context.Context, requestTokenURL, callbackURL string) (*RequestToken, error) {
	params := map[string]string{"oauth_callback": callbackURL}
	values, err := c.tokenRequest(ctx, requestTokenURL, params, "")
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}

	token := values.Get("oauth_token")
	secret := values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return nil, fmt.Errorf("request token response missing oauth_token or oauth_token_secret")
	}

	return &RequestToken{
		Token:             token,
		TokenSecret:       secret,
		CallbackConfirmed: values.Get("oauth_callback_confirmed") == "true",
	}, nil
}

// AuthorizationURL builds the URL the end user is redirected to for the
// second leg. Extra parameters are merged into the query string.
func AuthorizationURL(authorizeURL, requestToken string, extra url.Values) (string, error) {
	u, err := url.Parse(authorizeURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization URL: %w", err)
	}

	q := u.Query()
	q.Set("oauth_token", requestToken)
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// GetAccessToken performs the third leg: it exchanges the authorized request
// token and verifier for the long-lived token credential.
func (c *Client) GetAccessToken(ctx context.Context, accessTokenURL string, requestToken *RequestToken, verifier string) (*AccessToken, error) {
	params := map[string]string{
		"oauth_token":    requestToken.Token,
		"oauth_verifier": verifier,
	}
	values, err := c.tokenRequest(ctx, accessTokenURL, params, requestToken.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	token := values.Get("oauth_token")
	secret := values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return nil, fmt.Errorf("access token response missing oauth_token or oauth_token_secret")
	}

	raw := make(map[string]string, len(values))
	for k := range values {
		raw[k] = values.Get(k)
	}

	return &AccessToken{Token: token, TokenSecret: secret, Raw: raw}, nil
}

// tokenRequest POSTs a signed request to a token endpoint and parses the
// form-encoded response body.
func (c *Client) tokenRequest(ctx context.Context, endpoint string, oauthParams map[string]string, tokenSecret string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	header, err := c.AuthorizationHeader(http.MethodPost, endpoint, oauthParams, tokenSecret)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpclient.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return values, nil
}

// AuthorizationHeader builds a signed OAuth Authorization header for the
// given request. oauthParams carries leg-specific protocol parameters
// (oauth_callback, oauth_token, oauth_verifier).
func (c *Client) AuthorizationHeader(method, rawURL string, oauthParams map[string]string, tokenSecret string) (string, error) {
	params := map[string]string{
		"oauth_consumer_key":     c.ConsumerKey,
		"oauth_nonce":            c.nonce(),
		"oauth_signature_method": c.SignatureMethod,
		"oauth_timestamp":        strconv.FormatInt(c.clock().Unix(), 10),
		"oauth_version":          "1.0",
	}
	for k, v := range oauthParams {
		params[k] = v
	}

	signature, err := c.sign(method, rawURL, params, tokenSecret)
	if err != nil {
		return "", err
	}
	params["oauth_signature"] = signature

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("OAuth ")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(percentEncode(k))
		sb.WriteString(`="`)
		sb.WriteString(percentEncode(params[k]))
		sb.WriteString(`"`)
	}
	return sb.String(), nil
}

// sign computes the oauth_signature for the request per RFC 5849 section 3.4.
func (c *Client) sign(method, rawURL string, params map[string]string, tokenSecret string) (string, error) {
	key := percentEncode(c.ConsumerSecret) + "&" + percentEncode(tokenSecret)

	if c.SignatureMethod == SignaturePlaintext {
		return key, nil
	}

	base, err := signatureBase(method, rawURL, params)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha1.New, []byte(key)) //nolint:gosec // G401: RFC 5849 mandates HMAC-SHA1
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// signatureBase builds the signature base string: the request method, the
// base URI, and the normalized parameters, each percent-encoded and joined
// with ampersands.
func signatureBase(method, rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	// Query parameters participate in the signature alongside the
	// protocol parameters.
	all := make(map[string][]string)
	for k, vs := range u.Query() {
		all[k] = append(all[k], vs...)
	}
	for k, v := range params {
		all[k] = append(all[k], v)
	}

	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(all))
	for k, vs := range all {
		ek := percentEncode(k)
		for _, v := range vs {
			pairs = append(pairs, pair{ek, percentEncode(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var normalized strings.Builder
	for i, p := range pairs {
		if i > 0 {
			normalized.WriteByte('&')
		}
		normalized.WriteString(p.k)
		normalized.WriteByte('=')
		normalized.WriteString(p.v)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	baseURL := scheme + "://" + host + path

	return strings.ToUpper(method) + "&" + percentEncode(baseURL) + "&" + percentEncode(normalized.String()), nil
}

// percentEncode implements the strict RFC 3986 encoding OAuth 1.0a requires:
// only ALPHA, DIGIT, "-", ".", "_", "~" stay literal.
func percentEncode(s string) string {
	var sb strings.Builder
	for _, b := range []byte(s) {
		if isUnreserved(b) {
			sb.WriteByte(b)
		} else {
			sb.WriteString(fmt.Sprintf("%%%02X", b))
		}
	}
	return sb.String()
}

func isUnreserved(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '.' || b == '_' || b == '~':
		return true
	}
	return false
}

// newNonce returns a 32-character random hex string.
func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failures are unrecoverable.
		panic(fmt.Sprintf("failed to generate nonce: %v", err))
	}
	return hex.EncodeToString(buf)
}
