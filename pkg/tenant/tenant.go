// Package tenant models the isolation boundary: an environment owns its
// integrations, sessions, and connections, and carries the per-tenant
// security material (HMAC flag, webhook secret, API keys).
package tenant

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for tenant lookups.
var (
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrIntegrationNotFound = errors.New("integration not found")
	ErrAlreadyExists       = errors.New("already exists")
)

// Environment is one tenant. PublicKey identifies it on browser-facing
// routes; SecretKey authenticates server-to-server calls and signs outbound
// webhooks.
type Environment struct {
	ID          int64
	Name        string
	PublicKey   string
	SecretKey   string
	CallbackURL string
	WebhookURL  string
	HMACEnabled bool
	HMACKey     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IntegrationConfig binds a provider descriptor to one tenant's client
// credentials under a tenant-local key.
type IntegrationConfig struct {
	ID                int64
	EnvironmentID     int64
	ProviderConfigKey string
	Provider          string
	OAuthClientID     string
	OAuthClientSecret string
	// OAuthScopes is comma-separated, split and re-joined with the
	// provider's scope separator at authorize time.
	OAuthScopes string
	AppLink     string
	Custom      map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the tenant lookup contract. Lookups return the package sentinel
// errors when nothing matches.
type Store interface {
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id int64) (*Environment, error)
	GetEnvironmentByPublicKey(ctx context.Context, publicKey string) (*Environment, error)
	GetEnvironmentBySecretKey(ctx context.Context, secretKey string) (*Environment, error)
	CountEnvironments(ctx context.Context) (int64, error)

	CreateIntegration(ctx context.Context, cfg *IntegrationConfig) error
	GetIntegration(ctx context.Context, environmentID int64, providerConfigKey string) (*IntegrationConfig, error)
	ListIntegrations(ctx context.Context, environmentID int64) ([]*IntegrationConfig, error)
}
