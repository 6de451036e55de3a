package flows

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/session"
	"github.com/nangohq/nango/pkg/tenant"
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

func (s *memConnectionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
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

// fakeProber records probe calls and returns a canned error.
type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

var _ Prober = (*fakeProber)(nil)

func (p *fakeProber) Verify(_ context.Context, _ *providers.Provider, _ auth.Credentials, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// testFixture wires an engine to in-memory stores with a fixed clock.
type testFixture struct {
	engine      *Engine
	registry    *providers.Registry
	sessions    *memSessionStore
	connections *memConnectionStore
	tenants     *memTenantStore
	env         *tenant.Environment
	now         time.Time
}

func newFixture(t *testing.T, providersYAML string, cfgs []*tenant.IntegrationConfig, opts ...Option) *testFixture {
	t.Helper()

	registry, err := providers.Load([]byte(providersYAML))
	require.NoError(t, err)

	env := &tenant.Environment{
		ID:          1,
		Name:        "dev",
		PublicKey:   "pub-dev",
		SecretKey:   "sec-dev",
		CallbackURL: "https://broker.example.com/oauth/callback",
	}
	f := &testFixture{
		registry:    registry,
		sessions:    newMemSessionStore(),
		connections: newMemConnectionStore(),
		tenants:     newMemTenantStore(env, cfgs...),
		env:         env,
		now:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append(opts, withClock(func() time.Time { return f.now }))
	f.engine = NewEngine(registry, f.sessions, f.connections, f.tenants, opts...)
	return f
}

func (f *testFixture) provider(t *testing.T, name string) *providers.Provider {
	t.Helper()
	p, err := f.registry.Get(name)
	require.NoError(t, err)
	return p
}

func (f *testFixture) config(t *testing.T, providerConfigKey string) *tenant.IntegrationConfig {
	t.Helper()
	cfg, err := f.tenants.GetIntegration(context.Background(), f.env.ID, providerConfigKey)
	require.NoError(t, err)
	return cfg
}

// newSession builds a pending session the way the connect endpoint would.
func (f *testFixture) newSession(providerName string, mode auth.AuthMode, providerConfigKey string) *session.Session {
	return &session.Session{
		ID:                session.NewID(),
		EnvironmentID:     f.env.ID,
		ProviderConfigKey: providerConfigKey,
		Provider:          providerName,
		AuthMode:          mode,
		ConnectionID:      "conn-1",
		CallbackURL:       f.env.CallbackURL,
		CodeVerifier:      "3f9a1c2b4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f70",
		CreatedAt:         f.now,
		ExpiresAt:         f.now.Add(10 * time.Minute),
	}
}

// startRequest assembles a StartRequest the way the API layer does.
func (f *testFixture) startRequest(t *testing.T, providerName, providerConfigKey string, sess *session.Session) *StartRequest {
	t.Helper()
	return &StartRequest{
		Session:     sess,
		Provider:    f.provider(t, providerName),
		Config:      f.config(t, providerConfigKey),
		Environment: f.env,
	}
}

// syncRequest assembles a StartRequest for a synchronous mode.
func (f *testFixture) syncRequest(t *testing.T, providerName, providerConfigKey, connectionID string, creds auth.Credentials, connConfig map[string]any) *StartRequest {
	t.Helper()
	return &StartRequest{
		Provider:         f.provider(t, providerName),
		Config:           f.config(t, providerConfigKey),
		Environment:      f.env,
		ConnectionID:     connectionID,
		ConnectionConfig: connConfig,
		Credentials:      creds,
	}
}

// genRSAPEM returns a PKCS#1 PEM-encoded RSA private key for signing tests.
func genRSAPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// genECPEM returns a SEC1 PEM-encoded P-256 key for ES256 signing tests.
func genECPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: der,
	}))
}
