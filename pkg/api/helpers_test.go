package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/flows"
	"github.com/nangohq/nango/pkg/hooks"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/refresh"
	"github.com/nangohq/nango/pkg/session"
	"github.com/nangohq/nango/pkg/tenant"
	"github.com/nangohq/nango/pkg/webhooks"
	"github.com/nangohq/nango/pkg/wsnotify"
)

// memSessionStore is an in-memory session.Store with the same at-most-once
// FindAndDelete contract as the real backends.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

var _ session.Store = (*memSessionStore)(nil)

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: map[string]*session.Session{}}
}

func (s *memSessionStore) Create(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessionStore) FindAndDelete(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	delete(s.sessions, id)
	return sess, nil
}

func (s *memSessionStore) SweepExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func (s *memSessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *memSessionStore) peek(id string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// memConnectionStore is an in-memory connection.Store.
type memConnectionStore struct {
	mu     sync.Mutex
	seq    int64
	conns  map[string]*connection.Connection
	leases map[int64]time.Time
}

var _ connection.Store = (*memConnectionStore)(nil)

func newMemConnectionStore() *memConnectionStore {
	return &memConnectionStore{
		conns:  map[string]*connection.Connection{},
		leases: map[int64]time.Time{},
	}
}

func connKey(environmentID int64, providerConfigKey, connectionID string) string {
	return fmt.Sprintf("%d/%s/%s", environmentID, providerConfigKey, connectionID)
}

func (s *memConnectionStore) Upsert(_ context.Context, conn *connection.Connection) (*connection.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := connKey(conn.EnvironmentID, conn.ProviderConfigKey, conn.ConnectionID)
	op := connection.OperationCreation
	cp := *conn
	if existing, ok := s.conns[key]; ok {
		op = connection.OperationOverride
		cp.ID = existing.ID
		if cp.Metadata == nil {
			cp.Metadata = existing.Metadata
		}
	} else {
		s.seq++
		cp.ID = s.seq
	}
	cp.LastAuthError = nil
	s.conns[key] = &cp

	out := cp
	return &connection.UpsertResult{Connection: &out, Operation: op}, nil
}

func (s *memConnectionStore) Get(_ context.Context, environmentID int64, providerConfigKey, connectionID string) (*connection.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connKey(environmentID, providerConfigKey, connectionID)]
	if !ok {
		return nil, connection.ErrNotFound
	}
	out := *conn
	return &out, nil
}

func (s *memConnectionStore) GetByID(_ context.Context, id int64) (*connection.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.ID == id {
			out := *conn
			return &out, nil
		}
	}
	return nil, connection.ErrNotFound
}

func (s *memConnectionStore) UpdateCredentials(_ context.Context, id int64, creds auth.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.ID == id {
			conn.Credentials = creds
			return nil
		}
	}
	return connection.ErrNotFound
}

func (s *memConnectionStore) SetLastAuthError(_ context.Context, id int64, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.ID == id {
			conn.LastAuthError = &connection.AuthError{Code: code, Message: message, At: time.Now().UTC()}
			return nil
		}
	}
	return connection.ErrNotFound
}

func (s *memConnectionStore) ClearLastAuthError(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		if conn.ID == id {
			conn.LastAuthError = nil
			return nil
		}
	}
	return connection.ErrNotFound
}

func (s *memConnectionStore) CountForConfig(_ context.Context, environmentID int64, providerConfigKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, conn := range s.conns {
		if conn.EnvironmentID == environmentID && conn.ProviderConfigKey == providerConfigKey {
			n++
		}
	}
	return n, nil
}

func (s *memConnectionStore) AcquireRefreshLease(_ context.Context, id int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.leases[id]; ok && time.Now().Before(until) {
		return false, nil
	}
	s.leases[id] = time.Now().Add(ttl)
	return true, nil
}

func (s *memConnectionStore) ReleaseRefreshLease(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, id)
	return nil
}

func (s *memConnectionStore) put(conn *connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cp := *conn
	cp.ID = s.seq
	s.conns[connKey(cp.EnvironmentID, cp.ProviderConfigKey, cp.ConnectionID)] = &cp
}

// memTenantStore serves a fixed environment and its integrations.
type memTenantStore struct {
	env     *tenant.Environment
	configs map[string]*tenant.IntegrationConfig
}

var _ tenant.Store = (*memTenantStore)(nil)

func newMemTenantStore(env *tenant.Environment, cfgs ...*tenant.IntegrationConfig) *memTenantStore {
	s := &memTenantStore{env: env, configs: map[string]*tenant.IntegrationConfig{}}
	for _, cfg := range cfgs {
		s.configs[cfg.ProviderConfigKey] = cfg
	}
	return s
}

func (s *memTenantStore) CreateEnvironment(_ context.Context, _ *tenant.Environment) error {
	return tenant.ErrAlreadyExists
}

func (s *memTenantStore) GetEnvironment(_ context.Context, id int64) (*tenant.Environment, error) {
	if id != s.env.ID {
		return nil, tenant.ErrEnvironmentNotFound
	}
	return s.env, nil
}

func (s *memTenantStore) GetEnvironmentByPublicKey(_ context.Context, publicKey string) (*tenant.Environment, error) {
	if publicKey != s.env.PublicKey {
		return nil, tenant.ErrEnvironmentNotFound
	}
	return s.env, nil
}

func (s *memTenantStore) GetEnvironmentBySecretKey(_ context.Context, secretKey string) (*tenant.Environment, error) {
	if secretKey != s.env.SecretKey {
		return nil, tenant.ErrEnvironmentNotFound
	}
	return s.env, nil
}

func (s *memTenantStore) CountEnvironments(_ context.Context) (int64, error) {
	return 1, nil
}

func (s *memTenantStore) CreateIntegration(_ context.Context, cfg *tenant.IntegrationConfig) error {
	if _, ok := s.configs[cfg.ProviderConfigKey]; ok {
		return tenant.ErrAlreadyExists
	}
	s.configs[cfg.ProviderConfigKey] = cfg
	return nil
}

func (s *memTenantStore) GetIntegration(_ context.Context, environmentID int64, providerConfigKey string) (*tenant.IntegrationConfig, error) {
	if environmentID != s.env.ID {
		return nil, tenant.ErrIntegrationNotFound
	}
	cfg, ok := s.configs[providerConfigKey]
	if !ok {
		return nil, tenant.ErrIntegrationNotFound
	}
	return cfg, nil
}

func (s *memTenantStore) ListIntegrations(_ context.Context, _ int64) ([]*tenant.IntegrationConfig, error) {
	out := make([]*tenant.IntegrationConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	return out, nil
}

// webhookRecorder captures auth events delivered to the tenant's webhook
// endpoint.
type webhookRecorder struct {
	mu     sync.Mutex
	events []webhooks.AuthEvent
	srv    *httptest.Server
}

func newWebhookRecorder(t *testing.T) *webhookRecorder {
	t.Helper()
	rec := &webhookRecorder{}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event webhooks.AuthEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.events = append(rec.events, event)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func (r *webhookRecorder) list() []webhooks.AuthEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhooks.AuthEvent(nil), r.events...)
}

// testBroker runs the full server over in-memory stores, with a live
// websocket hub and a webhook recorder standing in for the tenant.
type testBroker struct {
	srv         *httptest.Server
	hub         *wsnotify.Hub
	sessions    *memSessionStore
	connections *memConnectionStore
	tenants     *memTenantStore
	env         *tenant.Environment
	registry    *providers.Registry
	webhooks    *webhookRecorder
}

func newBroker(t *testing.T, providersYAML string, cfgs []*tenant.IntegrationConfig) *testBroker {
	t.Helper()

	registry, err := providers.Load([]byte(providersYAML))
	require.NoError(t, err)

	recorder := newWebhookRecorder(t)
	env := &tenant.Environment{
		ID:          1,
		Name:        "dev",
		PublicKey:   "pub-dev",
		SecretKey:   "sec-dev",
		CallbackURL: "https://broker.example.com/oauth/callback",
		WebhookURL:  recorder.srv.URL,
	}
	b := &testBroker{
		hub:         wsnotify.NewHub(),
		sessions:    newMemSessionStore(),
		connections: newMemConnectionStore(),
		tenants:     newMemTenantStore(env, cfgs...),
		env:         env,
		registry:    registry,
		webhooks:    recorder,
	}
	t.Cleanup(func() { _ = b.hub.Close() })

	engine := flows.NewEngine(registry, b.sessions, b.connections, b.tenants)
	server := NewServer(Config{
		Engine:      engine,
		Registry:    registry,
		Tenants:     b.tenants,
		Connections: b.connections,
		Refresher:   refresh.NewCoordinator(b.connections),
		Hooks:       hooks.NewRunner(b.connections, webhooks.NewSender()),
		Hub:         b.hub,
		CallbackURL: env.CallbackURL,
	})
	b.srv = httptest.NewServer(server.Router())
	t.Cleanup(b.srv.Close)
	return b
}

// get issues a GET without following redirects, so 302 targets stay
// assertable.
func (b *testBroker) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.srv.URL+path, nil)
	require.NoError(t, err)
	return b.do(t, req)
}

func (b *testBroker) getWithSecret(t *testing.T, path, secretKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.srv.URL+path, nil)
	require.NoError(t, err)
	if secretKey != "" {
		req.Header.Set("Authorization", "Bearer "+secretKey)
	}
	return b.do(t, req)
}

func (b *testBroker) postJSON(t *testing.T, path, secretKey string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, b.srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if secretKey != "" {
		req.Header.Set("Authorization", "Bearer "+secretKey)
	}
	return b.do(t, req)
}

func (b *testBroker) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// dialWS connects to the hub through the server's websocket route and reads
// the ack, returning the connection and the assigned client id.
func (b *testBroker) dialWS(t *testing.T) (*websocket.Conn, string) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	ack := readWS(t, conn)
	require.Equal(t, wsnotify.MessageConnectionAck, ack.Type)
	require.NotEmpty(t, ack.WSClientID)
	return conn, ack.WSClientID
}

func readWS(t *testing.T, conn *websocket.Conn) wsnotify.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wsnotify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func githubYAML(tokenURL string) string {
	return fmt.Sprintf(`
github:
    display_name: GitHub
    auth_mode: OAUTH2
    authorization_url: https://github.com/login/oauth/authorize
    token_url: %s
`, tokenURL)
}

func githubConfig() *tenant.IntegrationConfig {
	return &tenant.IntegrationConfig{
		ID:                10,
		EnvironmentID:     1,
		ProviderConfigKey: "github-prod",
		Provider:          "github",
		OAuthClientID:     "abc",
		OAuthClientSecret: "shh",
		OAuthScopes:       "repo,user",
	}
}

func syncYAML(name, mode string) string {
	return fmt.Sprintf(`
%s:
    display_name: %s
    auth_mode: %s
`, name, name, mode)
}

func syncConfig(provider string) *tenant.IntegrationConfig {
	return &tenant.IntegrationConfig{
		ID:                40,
		EnvironmentID:     1,
		ProviderConfigKey: provider + "-prod",
		Provider:          provider,
	}
}
