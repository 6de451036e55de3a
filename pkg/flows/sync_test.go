package flows

import (
	"context"
	"crypto/sha1" //nolint:gosec // WSSE digests are defined over SHA-1.
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/tenant"
)

func syncYAML(name, mode string, extra string) string {
	return fmt.Sprintf(`
%s:
    display_name: %s
    auth_mode: %s
%s`, name, name, mode, extra)
}

func syncConfig(provider string) *tenant.IntegrationConfig {
	return &tenant.IntegrationConfig{
		ID:                40,
		EnvironmentID:     1,
		ProviderConfigKey: provider + "-prod",
		Provider:          provider,
	}
}

func TestAPIKeyStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("deepl", "API_KEY", ""), []*tenant.IntegrationConfig{syncConfig("deepl")})

	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "deepl", "deepl-prod", "conn-1", &auth.APIKeyCredentials{APIKey: "dk-123"}, nil))
	require.NoError(t, err)
	require.NotNil(t, res.Completion)
	assert.Empty(t, res.RedirectURI)
	assert.Equal(t, connection.OperationCreation, res.Completion.Operation)

	creds := res.Completion.Connection.Credentials.(*auth.APIKeyCredentials)
	assert.Equal(t, "dk-123", creds.APIKey)
	assert.Equal(t, auth.ModeAPIKey, creds.Mode())
}

func TestAPIKeyStartMissingKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("deepl", "API_KEY", ""), []*tenant.IntegrationConfig{syncConfig("deepl")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "deepl", "deepl-prod", "conn-1", &auth.APIKeyCredentials{}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidConnectionConfig))
	assert.Equal(t, 0, f.connections.len())
}

func TestBasicStartEmptyPasswordAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("mailgun", "BASIC", ""), []*tenant.IntegrationConfig{syncConfig("mailgun")})

	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "mailgun", "mailgun-prod", "conn-1", &auth.BasicCredentials{Username: "key-abc"}, nil))
	require.NoError(t, err)

	creds := res.Completion.Connection.Credentials.(*auth.BasicCredentials)
	assert.Equal(t, "key-abc", creds.Username)
	assert.Empty(t, creds.Password)
}

func TestBasicStartMissingUsername(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("mailgun", "BASIC", ""), []*tenant.IntegrationConfig{syncConfig("mailgun")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "mailgun", "mailgun-prod", "conn-1", &auth.BasicCredentials{Password: "p"}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidConnectionConfig))
}

func TestTBAStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("netsuite-tba", "TBA", ""), []*tenant.IntegrationConfig{syncConfig("netsuite-tba")})

	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "netsuite-tba", "netsuite-tba-prod", "conn-1",
			&auth.TBACredentials{TokenID: "tid", TokenSecret: "tsec"},
			map[string]any{"accountId": "12345"}))
	require.NoError(t, err)

	creds := res.Completion.Connection.Credentials.(*auth.TBACredentials)
	assert.Equal(t, "tid", creds.TokenID)
	assert.Equal(t, "12345", res.Completion.Connection.ConnectionConfig["accountId"])
}

func TestTBAStartMissingSecret(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("netsuite-tba", "TBA", ""), []*tenant.IntegrationConfig{syncConfig("netsuite-tba")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "netsuite-tba", "netsuite-tba-prod", "conn-1",
			&auth.TBACredentials{TokenID: "tid"}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidConnectionConfig))
}

func TestSyncModeFinishRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("deepl", "API_KEY", ""), []*tenant.IntegrationConfig{syncConfig("deepl")})
	ctx := context.Background()

	// A session for a synchronous mode should never exist; even if one does,
	// the callback half refuses it.
	sess := f.newSession("deepl", auth.ModeAPIKey, "deepl-prod")
	require.NoError(t, f.sessions.Create(ctx, sess))

	_, _, err := f.engine.Finish(ctx, sess.ID, url.Values{"code": {"XYZ"}})
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidAuthMode))
}

func TestProbeSuccess(t *testing.T) {
	t.Parallel()

	yaml := `
deepl:
    display_name: DeepL
    auth_mode: API_KEY
    proxy:
        base_url: https://api.deepl.com
        verification:
            method: GET
            endpoint: /v2/usage
`
	prober := &fakeProber{}
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("deepl")}, WithProber(prober))

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "deepl", "deepl-prod", "conn-1", &auth.APIKeyCredentials{APIKey: "dk-123"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, prober.callCount())
	assert.Equal(t, 1, f.connections.len())
}

func TestProbeFailureAborts(t *testing.T) {
	t.Parallel()

	yaml := `
deepl:
    display_name: DeepL
    auth_mode: API_KEY
    proxy:
        base_url: https://api.deepl.com
        verification:
            method: GET
            endpoint: /v2/usage
`
	prober := &fakeProber{err: auth.NewError(auth.CodeConnectionTestFailed, "verification request returned 401")}
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("deepl")}, WithProber(prober))

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "deepl", "deepl-prod", "conn-1", &auth.APIKeyCredentials{APIKey: "bad"}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeConnectionTestFailed))

	// Failed probes leave nothing behind.
	assert.Equal(t, 0, f.connections.len())
}

func TestProbeSkippedWithoutVerification(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{err: auth.NewError(auth.CodeConnectionTestFailed, "should not run")}
	f := newFixture(t, syncYAML("deepl", "API_KEY", ""), []*tenant.IntegrationConfig{syncConfig("deepl")}, WithProber(prober))

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "deepl", "deepl-prod", "conn-1", &auth.APIKeyCredentials{APIKey: "dk-123"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, prober.callCount())
}

func TestJWTAdminKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("ghost-admin", "JWT", ""), []*tenant.IntegrationConfig{syncConfig("ghost-admin")})

	creds := &auth.JWTCredentials{PrivateKey: "64c91ab77b1fa7:aabbccddeeff00112233445566778899"}
	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "ghost-admin", "ghost-admin-prod", "conn-1", creds, nil))
	require.NoError(t, err)

	stored := res.Completion.Connection.Credentials.(*auth.JWTCredentials)
	require.NotEmpty(t, stored.Token)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(f.now.Add(5*time.Minute)))

	secret, err := hex.DecodeString("aabbccddeeff00112233445566778899")
	require.NoError(t, err)
	parsed, err := jwt.Parse(stored.Token,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	assert.Equal(t, "64c91ab77b1fa7", parsed.Header["kid"])
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "/admin/", claims["aud"])
	assert.Equal(t, float64(f.now.Add(5*time.Minute).Unix()), claims["exp"])
}

func TestJWTPEMKey(t *testing.T) {
	t.Parallel()

	pemKey := genRSAPEM(t)
	f := newFixture(t, syncYAML("signer", "JWT", ""), []*tenant.IntegrationConfig{syncConfig("signer")})

	creds := &auth.JWTCredentials{
		PrivateKey:   pemKey,
		PrivateKeyID: "kid-7",
		IssuerID:     "svc@project.example.com",
	}
	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "signer", "signer-prod", "conn-1", creds, nil))
	require.NoError(t, err)

	stored := res.Completion.Connection.Credentials.(*auth.JWTCredentials)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(f.now.Add(time.Hour)))

	signingKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
	require.NoError(t, err)
	parsed, err := jwt.Parse(stored.Token,
		func(*jwt.Token) (any, error) { return &signingKey.PublicKey, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	assert.Equal(t, "kid-7", parsed.Header["kid"])
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "svc@project.example.com", claims["iss"])
	assert.Equal(t, float64(f.now.Add(time.Hour).Unix()), claims["exp"])
}

func TestJWTECKeySignsES256(t *testing.T) {
	t.Parallel()

	pemKey := genECPEM(t)
	f := newFixture(t, syncYAML("signer", "JWT", ""), []*tenant.IntegrationConfig{syncConfig("signer")})

	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "signer", "signer-prod", "conn-1", &auth.JWTCredentials{PrivateKey: pemKey}, nil))
	require.NoError(t, err)

	stored := res.Completion.Connection.Credentials.(*auth.JWTCredentials)
	signingKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemKey))
	require.NoError(t, err)
	parsed, err := jwt.Parse(stored.Token,
		func(*jwt.Token) (any, error) { return &signingKey.PublicKey, nil },
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithTimeFunc(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	assert.Equal(t, "ES256", parsed.Header["alg"])
}

func TestJWTBadKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("signer", "JWT", ""), []*tenant.IntegrationConfig{syncConfig("signer")})

	for name, key := range map[string]string{
		"no colon":       "not-a-key",
		"non-hex secret": "id:zzzz",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := f.engine.Start(context.Background(),
				f.syncRequest(t, "signer", "signer-prod", "conn-1", &auth.JWTCredentials{PrivateKey: key}, nil))
			require.Error(t, err)
			assert.True(t, auth.IsCode(err, auth.CodeInvalidConnectionConfig))
		})
	}
}

func TestSignatureStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("emarsys", "SIGNATURE", ""), []*tenant.IntegrationConfig{syncConfig("emarsys")})

	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "emarsys", "emarsys-prod", "conn-1",
			&auth.SignatureCredentials{Username: "api-user", Password: "s3cret"}, nil))
	require.NoError(t, err)

	stored := res.Completion.Connection.Credentials.(*auth.SignatureCredentials)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(f.now.Add(time.Hour)))

	headerBytes, err := base64.StdEncoding.DecodeString(stored.Token)
	require.NoError(t, err)
	header := string(headerBytes)
	assert.Contains(t, header, `Username="api-user"`)

	// Recompute the digest from the header's nonce and timestamp.
	re := regexp.MustCompile(`PasswordDigest="([^"]+)", Nonce="([^"]+)", Created="([^"]+)"`)
	m := re.FindStringSubmatch(header)
	require.Len(t, m, 4)
	digest, nonce, created := m[1], m[2], m[3]

	assert.Equal(t, f.now.UTC().Format(time.RFC3339), created)

	h := sha1.New() //nolint:gosec // G401: recomputing the WSSE digest
	h.Write([]byte(nonce + created + "s3cret"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(h.Sum(nil)), digest)
}

func TestSignatureStartMissingPassword(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("emarsys", "SIGNATURE", ""), []*tenant.IntegrationConfig{syncConfig("emarsys")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "emarsys", "emarsys-prod", "conn-1",
			&auth.SignatureCredentials{Username: "api-user"}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidConnectionConfig))
}

func TestTableauStart(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"credentials":{"token":"tb-session","site":{"id":"site-1"}}}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
tableau:
    display_name: Tableau
    auth_mode: TABLEAU
    token_url: %s/api/3.22/auth/signin
`, srv.URL)
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("tableau")})

	creds := &auth.TableauCredentials{PatName: "ci-token", PatSecret: "pat-secret", ContentURL: "acme"}
	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "tableau", "tableau-prod", "conn-1", creds, nil))
	require.NoError(t, err)

	// The signin payload carries the PAT pair and the site content URL.
	sent := captured["credentials"].(map[string]any)
	assert.Equal(t, "ci-token", sent["personalAccessTokenName"])
	assert.Equal(t, "pat-secret", sent["personalAccessTokenSecret"])
	assert.Equal(t, "acme", sent["site"].(map[string]any)["contentUrl"])

	stored := res.Completion.Connection.Credentials.(*auth.TableauCredentials)
	assert.Equal(t, "tb-session", stored.Token)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(f.now.Add(240*time.Minute)))
}

func TestTableauStartMissingSubdomain(t *testing.T) {
	t.Parallel()

	yaml := `
tableau:
    display_name: Tableau
    auth_mode: TABLEAU
    token_url: https://${subdomain}.online.tableau.com/api/3.22/auth/signin
`
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("tableau")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "tableau", "tableau-prod", "conn-1",
			&auth.TableauCredentials{PatName: "ci-token", PatSecret: "pat-secret"}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidConnectionConfig))
	assert.Contains(t, err.Error(), "subdomain")
}

func TestTableauStartMissingToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"credentials":{}}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
tableau:
    display_name: Tableau
    auth_mode: TABLEAU
    token_url: %s/api/3.22/auth/signin
`, srv.URL)
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("tableau")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "tableau", "tableau-prod", "conn-1",
			&auth.TableauCredentials{PatName: "ci-token", PatSecret: "pat-secret"}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeTokenParsingError))
	assert.Equal(t, 0, f.connections.len())
}

func TestTwoStepStartForm(t *testing.T) {
	t.Parallel()

	var captured url.Values
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		captured = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"ts-tok","expires_in":600}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
databricks:
    display_name: Databricks
    auth_mode: TWO_STEP
    token_url: %s/token
`, srv.URL)
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("databricks")})

	creds := &auth.TwoStepCredentials{Fields: map[string]string{"username": "svc", "api_key": "k-1"}}
	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "databricks", "databricks-prod", "conn-1", creds, nil))
	require.NoError(t, err)

	assert.Contains(t, contentType, "application/x-www-form-urlencoded")
	assert.Equal(t, "svc", captured.Get("username"))
	assert.Equal(t, "k-1", captured.Get("api_key"))

	stored := res.Completion.Connection.Credentials.(*auth.TwoStepCredentials)
	assert.Equal(t, "ts-tok", stored.Token)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(f.now.Add(600*time.Second)))
}

func TestTwoStepStartMetadataPath(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"session":{"id":"sess-9"}}}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
sapling:
    display_name: Sapling
    auth_mode: TWO_STEP
    token_url: %s/login
    body_format: json
    token_response_metadata:
        - data.session.id
`, srv.URL)
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("sapling")})

	creds := &auth.TwoStepCredentials{Fields: map[string]string{"email": "svc@example.com"}}
	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "sapling", "sapling-prod", "conn-1", creds, nil))
	require.NoError(t, err)

	assert.JSONEq(t, `{"email":"svc@example.com"}`, string(gotBody))
	stored := res.Completion.Connection.Credentials.(*auth.TwoStepCredentials)
	assert.Equal(t, "sess-9", stored.Token)
	assert.Nil(t, stored.ExpiresAt)
}

func TestTwoStepStartMissingToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
databricks:
    display_name: Databricks
    auth_mode: TWO_STEP
    token_url: %s/token
`, srv.URL)
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("databricks")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "databricks", "databricks-prod", "conn-1",
			&auth.TwoStepCredentials{Fields: map[string]string{"u": "x"}}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeTokenParsingError))
}

func TestBillStart(t *testing.T) {
	t.Parallel()

	var captured map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sessionId":"s-1","userId":"u-9"}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
bill:
    display_name: Bill
    auth_mode: BILL
    token_url: %s/connect/v3/login
`, srv.URL)
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("bill")})

	creds := &auth.BillCredentials{
		Username:       "ap@acme.com",
		Password:       "pw",
		OrganizationID: "org-1",
		DevKey:         "dev-k",
	}
	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "bill", "bill-prod", "conn-1", creds, nil))
	require.NoError(t, err)

	assert.Equal(t, "ap@acme.com", captured["username"])
	assert.Equal(t, "org-1", captured["organizationId"])
	assert.Equal(t, "dev-k", captured["devKey"])

	stored := res.Completion.Connection.Credentials.(*auth.BillCredentials)
	assert.Equal(t, "s-1", stored.SessionID)
	assert.Equal(t, "u-9", stored.UserID)
	assert.Nil(t, stored.ExpiresAt, "bill sessions carry no declared expiry")
}

func TestBillStartMissingDevKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, syncYAML("bill", "BILL", "    token_url: https://gateway.example.com/login\n"),
		[]*tenant.IntegrationConfig{syncConfig("bill")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "bill", "bill-prod", "conn-1",
			&auth.BillCredentials{Username: "u", Password: "p", OrganizationID: "o"}, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidConnectionConfig))
}

func TestClientCredentialsStart(t *testing.T) {
	t.Parallel()

	var captured url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		captured = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"cc-tok","token_type":"bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
workday:
    display_name: Workday
    auth_mode: OAUTH2_CC
    token_url: %s/oauth2/token
`, srv.URL)
	cfg := &tenant.IntegrationConfig{
		ID: 41, EnvironmentID: 1, ProviderConfigKey: "workday-prod", Provider: "workday",
		OAuthClientID: "cc-id", OAuthClientSecret: "cc-secret", OAuthScopes: "read,write",
	}
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{cfg})

	res, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "workday", "workday-prod", "conn-1", nil, nil))
	require.NoError(t, err)

	assert.Equal(t, "client_credentials", captured.Get("grant_type"))
	assert.Equal(t, "cc-id", captured.Get("client_id"))
	assert.Equal(t, "cc-secret", captured.Get("client_secret"))
	assert.Equal(t, "read write", captured.Get("scope"))

	stored := res.Completion.Connection.Credentials.(*auth.OAuth2Credentials)
	assert.Equal(t, "cc-tok", stored.AccessToken)
	// The grant library computes expiry from the wall clock.
	require.NotNil(t, stored.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *stored.ExpiresAt, time.Minute)
}

func TestClientCredentialsBasicAuth(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var captured url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseForm())
		captured = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"cc-tok"}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
workday:
    display_name: Workday
    auth_mode: OAUTH2_CC
    token_url: %s/oauth2/token
    token_request_auth_method: basic
`, srv.URL)
	cfg := &tenant.IntegrationConfig{
		ID: 41, EnvironmentID: 1, ProviderConfigKey: "workday-prod", Provider: "workday",
		OAuthClientID: "cc-id", OAuthClientSecret: "cc-secret",
	}
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{cfg})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "workday", "workday-prod", "conn-1", nil, nil))
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(gotAuth, "Basic "))
	assert.False(t, captured.Has("client_secret"))
}

func TestClientCredentialsUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
	}))
	defer srv.Close()

	yaml := fmt.Sprintf(`
workday:
    display_name: Workday
    auth_mode: OAUTH2_CC
    token_url: %s/oauth2/token
`, srv.URL)
	cfg := &tenant.IntegrationConfig{
		ID: 41, EnvironmentID: 1, ProviderConfigKey: "workday-prod", Provider: "workday",
		OAuthClientID: "cc-id", OAuthClientSecret: "wrong",
	}
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{cfg})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "workday", "workday-prod", "conn-1", nil, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeOAuth2CCError))

	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Detail, "invalid_client")
	assert.Equal(t, 0, f.connections.len())
}

func TestClientCredentialsMissingClientPair(t *testing.T) {
	t.Parallel()

	yaml := `
workday:
    display_name: Workday
    auth_mode: OAUTH2_CC
    token_url: https://impl.workday.com/oauth2/token
`
	f := newFixture(t, yaml, []*tenant.IntegrationConfig{syncConfig("workday")})

	_, err := f.engine.Start(context.Background(),
		f.syncRequest(t, "workday", "workday-prod", "conn-1", nil, nil))
	require.Error(t, err)
	assert.True(t, auth.IsCode(err, auth.CodeInvalidConnectionConfig))
}
