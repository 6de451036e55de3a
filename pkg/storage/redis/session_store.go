// Package redis is the distributed session backend. Multi-node deployments
// point NANGO_DB_REDIS_URL at a shared Redis so any broker instance can
// consume a handshake started by another.
package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nangohq/nango/pkg/secrets"
	"github.com/nangohq/nango/pkg/session"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces broker keys in a shared Redis.
const DefaultKeyPrefix = "nango:oauth:session:"

// SessionStore implements session.Store on Redis. GETDEL is the atomic
// consume primitive and key TTLs handle expiry, so SweepExpired is a no-op
// kept only to satisfy the contract.
type SessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
	cipher    secrets.Cipher
}

// NewSessionStore connects to the Redis at redisURL and verifies the
// connection.
func NewSessionStore(ctx context.Context, redisURL string, cipher secrets.Cipher) (*SessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = DefaultDialTimeout
	opts.ReadTimeout = DefaultReadTimeout
	opts.WriteTimeout = DefaultWriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak.
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &SessionStore{client: client, keyPrefix: DefaultKeyPrefix, cipher: cipher}, nil
}

// NewSessionStoreWithClient creates a SessionStore with a pre-configured
// client. This is useful for testing with miniredis.
func NewSessionStoreWithClient(client redis.UniversalClient, keyPrefix string, cipher secrets.Cipher) *SessionStore {
	return &SessionStore{client: client, keyPrefix: keyPrefix, cipher: cipher}
}

var _ session.Store = (*SessionStore)(nil)

// Close closes the Redis client connection.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) key(id string) string {
	return s.keyPrefix + id
}

// Create stores a pending session with a TTL matching its deadline. SET NX
// refuses to overwrite an existing handshake with the same id.
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	sealed, err := s.cipher.Seal(payload)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", sess.ID)
	}

	ok, err := s.client.SetNX(ctx, s.key(sess.ID), base64.StdEncoding.EncodeToString(sealed), ttl).Result()
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	return nil
}

// FindAndDelete atomically consumes a session via GETDEL. A missing or
// already-consumed id returns (nil, nil).
func (s *SessionStore) FindAndDelete(ctx context.Context, id string) (*session.Session, error) {
	encoded, err := s.client.GetDel(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consuming session: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding session payload: %w", err)
	}
	payload, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("opening session payload: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

// SweepExpired is a no-op: Redis key TTLs reap expired sessions.
func (s *SessionStore) SweepExpired(_ context.Context) (int64, error) {
	return 0, nil
}
