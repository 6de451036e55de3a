package sqlite

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nangohq/nango/pkg/secrets"
	"github.com/nangohq/nango/pkg/tenant"
)

// newTestDB opens a migrated database in a per-test temp directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nango-test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// newTestCipher returns a real AES-GCM cipher with a random key so tests
// cover the sealed path, not the plaintext fallback.
func newTestCipher(t *testing.T) secrets.Cipher {
	t.Helper()
	key := make([]byte, secrets.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	c, err := secrets.NewAESGCM(key)
	require.NoError(t, err)
	return c
}

// createTestEnvironment seeds an environment row for stores with foreign
// keys onto it.
func createTestEnvironment(t *testing.T, db *DB) *tenant.Environment {
	t.Helper()
	store := NewTenantStore(db, secrets.Plaintext{})
	env := &tenant.Environment{
		Name:      "dev-" + t.Name(),
		PublicKey: "pub-" + t.Name(),
		SecretKey: "sec-" + t.Name(),
	}
	require.NoError(t, store.CreateEnvironment(context.Background(), env))
	return env
}
