package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nangohq/nango/pkg/secrets"
	"github.com/nangohq/nango/pkg/session"
)

// SessionStore implements session.Store on SQLite. The whole session is
// stored as a single sealed payload: sessions can carry client-secret
// overrides and PKCE verifiers, so they get the same at-rest protection as
// connection credentials.
type SessionStore struct {
	db     *sql.DB
	cipher secrets.Cipher
}

// NewSessionStore creates a SQLite-backed session store.
func NewSessionStore(db *DB, cipher secrets.Cipher) *SessionStore {
	return &SessionStore{db: db.DB(), cipher: cipher}
}

var _ session.Store = (*SessionStore)(nil)

// Create stores a new pending session.
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	sealed, err := s.cipher.Seal(payload)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _nango_oauth_sessions (id, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		sess.ID,
		base64.StdEncoding.EncodeToString(sealed),
		formatTime(sess.ExpiresAt),
		formatTime(sess.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s already exists", sess.ID)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// FindAndDelete atomically consumes the session with the given id. The
// single DELETE ... RETURNING statement guarantees at most one caller ever
// sees a given session; a second call returns (nil, nil) like any other
// miss.
func (s *SessionStore) FindAndDelete(ctx context.Context, id string) (*session.Session, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM _nango_oauth_sessions WHERE id = ? RETURNING payload`,
		id,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
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

// SweepExpired deletes all sessions past their deadline and reports how many
// were removed.
func (s *SessionStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM _nango_oauth_sessions WHERE expires_at < ?`,
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	swept, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return swept, nil
}
