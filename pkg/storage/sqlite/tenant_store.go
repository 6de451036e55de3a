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
	"github.com/nangohq/nango/pkg/tenant"
)

// TenantStore implements tenant.Store using SQLite. Integration client
// secrets and custom fields (private keys and the like) are sealed at rest;
// environment API keys stay plain because they are lookup keys.
type TenantStore struct {
	db     *sql.DB
	cipher secrets.Cipher
}

// NewTenantStore creates a SQLite-backed tenant store.
func NewTenantStore(db *DB, cipher secrets.Cipher) *TenantStore {
	return &TenantStore{db: db.DB(), cipher: cipher}
}

var _ tenant.Store = (*TenantStore)(nil)

const envColumns = `id, name, public_key, secret_key, callback_url, webhook_url,
		hmac_enabled, hmac_key, created_at, updated_at`

// CreateEnvironment inserts a new environment and fills in its id and
// timestamps.
func (s *TenantStore) CreateEnvironment(ctx context.Context, env *tenant.Environment) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO _nango_environments (
			name, public_key, secret_key, callback_url, webhook_url,
			hmac_enabled, hmac_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.Name, env.PublicKey, env.SecretKey, env.CallbackURL, env.WebhookURL,
		env.HMACEnabled, env.HMACKey, formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tenant.ErrAlreadyExists
		}
		return fmt.Errorf("inserting environment: %w", err)
	}

	env.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting environment id: %w", err)
	}
	env.CreatedAt = now
	env.UpdatedAt = now
	return nil
}

// GetEnvironment retrieves an environment by id.
func (s *TenantStore) GetEnvironment(ctx context.Context, id int64) (*tenant.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envColumns+` FROM _nango_environments WHERE id = ?`, id)
	return scanEnvironment(row)
}

// GetEnvironmentByPublicKey resolves the tenant for browser-facing routes.
func (s *TenantStore) GetEnvironmentByPublicKey(ctx context.Context, publicKey string) (*tenant.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envColumns+` FROM _nango_environments WHERE public_key = ?`, publicKey)
	return scanEnvironment(row)
}

// GetEnvironmentBySecretKey resolves the tenant for server-to-server routes.
func (s *TenantStore) GetEnvironmentBySecretKey(ctx context.Context, secretKey string) (*tenant.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envColumns+` FROM _nango_environments WHERE secret_key = ?`, secretKey)
	return scanEnvironment(row)
}

// CountEnvironments reports how many environments exist, used by the boot
// sequence to decide whether to seed a default one.
func (s *TenantStore) CountEnvironments(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _nango_environments`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting environments: %w", err)
	}
	return count, nil
}

// CreateIntegration inserts a new integration config for an environment.
func (s *TenantStore) CreateIntegration(ctx context.Context, cfg *tenant.IntegrationConfig) error {
	sealedSecret, err := s.sealString(cfg.OAuthClientSecret)
	if err != nil {
		return fmt.Errorf("sealing client secret: %w", err)
	}
	customBlob, err := s.sealCustom(cfg.Custom)
	if err != nil {
		return fmt.Errorf("sealing custom config: %w", err)
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO _nango_configs (
			environment_id, unique_key, provider, oauth_client_id,
			oauth_client_secret, oauth_scopes, app_link, custom,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.EnvironmentID, cfg.ProviderConfigKey, cfg.Provider, cfg.OAuthClientID,
		sealedSecret, cfg.OAuthScopes, cfg.AppLink, customBlob,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tenant.ErrAlreadyExists
		}
		return fmt.Errorf("inserting integration config: %w", err)
	}

	cfg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting config id: %w", err)
	}
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return nil
}

const configColumns = `id, environment_id, unique_key, provider, oauth_client_id,
		oauth_client_secret, oauth_scopes, app_link, custom, created_at, updated_at`

// GetIntegration retrieves one integration config by its tenant-local key.
func (s *TenantStore) GetIntegration(ctx context.Context, environmentID int64, providerConfigKey string) (*tenant.IntegrationConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM _nango_configs
		WHERE environment_id = ? AND unique_key = ?`,
		environmentID, providerConfigKey,
	)
	return s.scanConfig(row)
}

// ListIntegrations returns all integration configs for an environment.
func (s *TenantStore) ListIntegrations(ctx context.Context, environmentID int64) ([]*tenant.IntegrationConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM _nango_configs
		WHERE environment_id = ? ORDER BY unique_key`,
		environmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying integration configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var configs []*tenant.IntegrationConfig
	for rows.Next() {
		cfg, scanErr := s.scanConfig(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating config rows: %w", err)
	}
	return configs, nil
}

func scanEnvironment(sc scanner) (*tenant.Environment, error) {
	var (
		env          tenant.Environment
		createdAtStr string
		updatedAtStr string
	)
	err := sc.Scan(
		&env.ID, &env.Name, &env.PublicKey, &env.SecretKey, &env.CallbackURL,
		&env.WebhookURL, &env.HMACEnabled, &env.HMACKey, &createdAtStr, &updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrEnvironmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning environment row: %w", err)
	}
	if env.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if env.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *TenantStore) scanConfig(sc scanner) (*tenant.IntegrationConfig, error) {
	var (
		cfg          tenant.IntegrationConfig
		sealedSecret string
		customBlob   sql.NullString
		createdAtStr string
		updatedAtStr string
	)
	err := sc.Scan(
		&cfg.ID, &cfg.EnvironmentID, &cfg.ProviderConfigKey, &cfg.Provider,
		&cfg.OAuthClientID, &sealedSecret, &cfg.OAuthScopes, &cfg.AppLink,
		&customBlob, &createdAtStr, &updatedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning config row: %w", err)
	}

	if cfg.OAuthClientSecret, err = s.openString(sealedSecret); err != nil {
		return nil, fmt.Errorf("opening client secret: %w", err)
	}
	if cfg.Custom, err = s.openCustom(customBlob); err != nil {
		return nil, fmt.Errorf("opening custom config: %w", err)
	}
	if cfg.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if cfg.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *TenantStore) sealString(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	sealed, err := s.cipher.Seal([]byte(value))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *TenantStore) openString(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	plain, err := s.cipher.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *TenantStore) sealCustom(custom map[string]string) (any, error) {
	if custom == nil {
		return nil, nil
	}
	data, err := json.Marshal(custom)
	if err != nil {
		return nil, err
	}
	return s.sealString(string(data))
}

func (s *TenantStore) openCustom(col sql.NullString) (map[string]string, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	plain, err := s.openString(col.String)
	if err != nil {
		return nil, err
	}
	var custom map[string]string
	if err := json.Unmarshal([]byte(plain), &custom); err != nil {
		return nil, err
	}
	return custom, nil
}
