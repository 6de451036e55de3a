package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/secrets"
)

// ConnectionStore implements connection.Store using SQLite.
type ConnectionStore struct {
	db     *sql.DB
	cipher secrets.Cipher
}

// NewConnectionStore creates a SQLite-backed connection store.
func NewConnectionStore(db *DB, cipher secrets.Cipher) *ConnectionStore {
	return &ConnectionStore{db: db.DB(), cipher: cipher}
}

var _ connection.Store = (*ConnectionStore)(nil)

// connColumns is the SELECT column list shared by all connection queries.
const connColumns = `id, environment_id, provider_config_key, connection_id, provider,
		credentials, connection_config, metadata, last_auth_error, created_at, updated_at`

// Upsert stores the connection, creating the row when the triple
// (environment, providerConfigKey, connectionId) is new and overriding
// credentials and config when it exists. An override clears any recorded
// auth error; stored metadata survives unless the caller provides its own.
func (s *ConnectionStore) Upsert(ctx context.Context, conn *connection.Connection) (*connection.UpsertResult, error) {
	credsBlob, err := s.sealCredentials(conn.Credentials)
	if err != nil {
		return nil, err
	}
	configJSON, err := encodeMap(conn.ConnectionConfig)
	if err != nil {
		return nil, fmt.Errorf("encoding connection config: %w", err)
	}
	metadataJSON, err := encodeMap(conn.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now()

	var existingID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM _nango_connections
		WHERE environment_id = ? AND provider_config_key = ? AND connection_id = ?`,
		conn.EnvironmentID, conn.ProviderConfigKey, conn.ConnectionID,
	).Scan(&existingID)

	op := connection.OperationOverride
	switch {
	case errors.Is(err, sql.ErrNoRows):
		op = connection.OperationCreation
		res, insertErr := tx.ExecContext(ctx, `
			INSERT INTO _nango_connections (
				environment_id, provider_config_key, connection_id, provider,
				credentials, connection_config, metadata, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conn.EnvironmentID,
			conn.ProviderConfigKey,
			conn.ConnectionID,
			conn.Provider,
			credsBlob,
			configJSON,
			metadataJSON,
			formatTime(now),
			formatTime(now),
		)
		if insertErr != nil {
			return nil, fmt.Errorf("inserting connection: %w", insertErr)
		}
		existingID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting connection id: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("looking up connection: %w", err)
	default:
		query := `
			UPDATE _nango_connections SET
				provider = ?, credentials = ?, connection_config = ?,
				last_auth_error = NULL, updated_at = ?`
		args := []any{conn.Provider, credsBlob, configJSON, formatTime(now)}
		if conn.Metadata != nil {
			query += `, metadata = ?`
			args = append(args, metadataJSON)
		}
		query += ` WHERE id = ?`
		args = append(args, existingID)
		if _, updateErr := tx.ExecContext(ctx, query, args...); updateErr != nil {
			return nil, fmt.Errorf("updating connection: %w", updateErr)
		}
	}

	stored, err := s.getByIDTx(ctx, tx, existingID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return &connection.UpsertResult{Connection: stored, Operation: op}, nil
}

// Get retrieves a connection by its natural key.
func (s *ConnectionStore) Get(ctx context.Context, environmentID int64, providerConfigKey, connectionID string) (*connection.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connColumns+` FROM _nango_connections
		WHERE environment_id = ? AND provider_config_key = ? AND connection_id = ?`,
		environmentID, providerConfigKey, connectionID,
	)
	return s.scanConnection(row)
}

// GetByID retrieves a connection by row id.
func (s *ConnectionStore) GetByID(ctx context.Context, id int64) (*connection.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connColumns+` FROM _nango_connections WHERE id = ?`, id)
	return s.scanConnection(row)
}

// UpdateCredentials replaces the stored credential blob, typically after a
// refresh.
func (s *ConnectionStore) UpdateCredentials(ctx context.Context, id int64, creds auth.Credentials) error {
	credsBlob, err := s.sealCredentials(creds)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE _nango_connections SET credentials = ?, updated_at = ? WHERE id = ?`,
		credsBlob, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating credentials: %w", err)
	}
	return requireAffected(res)
}

// SetLastAuthError records a refresh failure on the row.
func (s *ConnectionStore) SetLastAuthError(ctx context.Context, id int64, code, message string) error {
	blob, err := json.Marshal(connection.AuthError{Code: code, Message: message, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding auth error: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE _nango_connections SET last_auth_error = ?, updated_at = ? WHERE id = ?`,
		string(blob), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("setting auth error: %w", err)
	}
	return requireAffected(res)
}

// ClearLastAuthError removes any recorded failure after a success.
func (s *ConnectionStore) ClearLastAuthError(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE _nango_connections SET last_auth_error = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clearing auth error: %w", err)
	}
	return requireAffected(res)
}

// CountForConfig counts connections of one integration.
func (s *ConnectionStore) CountForConfig(ctx context.Context, environmentID int64, providerConfigKey string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _nango_connections
		WHERE environment_id = ? AND provider_config_key = ?`,
		environmentID, providerConfigKey,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting connections: %w", err)
	}
	return count, nil
}

// AcquireRefreshLease takes the cross-process refresh lock. The guarded
// UPDATE only succeeds when no other holder has an unexpired lease, so
// exactly one broker refreshes a connection at a time.
func (s *ConnectionStore) AcquireRefreshLease(ctx context.Context, id int64, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE _nango_connections SET refresh_lease_until = ?
		WHERE id = ? AND (refresh_lease_until IS NULL OR refresh_lease_until < ?)`,
		formatTime(now.Add(ttl)), id, formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring refresh lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected == 1, nil
}

// ReleaseRefreshLease drops the refresh lock.
func (s *ConnectionStore) ReleaseRefreshLease(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE _nango_connections SET refresh_lease_until = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("releasing refresh lease: %w", err)
	}
	return nil
}

func (s *ConnectionStore) getByIDTx(ctx context.Context, tx *sql.Tx, id int64) (*connection.Connection, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+connColumns+` FROM _nango_connections WHERE id = ?`, id)
	return s.scanConnection(row)
}

// scanConnection scans one connection row, opening the sealed credential
// blob.
func (s *ConnectionStore) scanConnection(sc scanner) (*connection.Connection, error) {
	var (
		conn          connection.Connection
		credsBlob     string
		configJSON    sql.NullString
		metadataJSON  sql.NullString
		authErrorJSON sql.NullString
		createdAtStr  string
		updatedAtStr  string
	)

	err := sc.Scan(
		&conn.ID, &conn.EnvironmentID, &conn.ProviderConfigKey, &conn.ConnectionID,
		&conn.Provider, &credsBlob, &configJSON, &metadataJSON, &authErrorJSON,
		&createdAtStr, &updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection row: %w", err)
	}

	creds, err := s.openCredentials(credsBlob)
	if err != nil {
		return nil, err
	}
	conn.Credentials = creds

	if conn.ConnectionConfig, err = decodeMap(configJSON); err != nil {
		return nil, fmt.Errorf("decoding connection config: %w", err)
	}
	if conn.Metadata, err = decodeMap(metadataJSON); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if authErrorJSON.Valid && authErrorJSON.String != "" {
		var authErr connection.AuthError
		if err := json.Unmarshal([]byte(authErrorJSON.String), &authErr); err != nil {
			return nil, fmt.Errorf("decoding auth error: %w", err)
		}
		conn.LastAuthError = &authErr
	}

	if conn.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if conn.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}

	return &conn, nil
}

func (s *ConnectionStore) sealCredentials(creds auth.Credentials) (string, error) {
	payload, err := auth.MarshalCredentials(creds)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}
	sealed, err := s.cipher.Seal(payload)
	if err != nil {
		return "", fmt.Errorf("sealing credentials: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *ConnectionStore) openCredentials(encoded string) (auth.Credentials, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding credential blob: %w", err)
	}
	payload, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("opening credential blob: %w", err)
	}
	creds, err := auth.UnmarshalCredentials(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return creds, nil
}

// encodeMap marshals a map for storage; nil maps store as NULL.
func encodeMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// decodeMap unmarshals a nullable JSON column into a map.
func decodeMap(col sql.NullString) (map[string]any, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(col.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// requireAffected converts a zero-row UPDATE into ErrNotFound.
func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return connection.ErrNotFound
	}
	return nil
}
