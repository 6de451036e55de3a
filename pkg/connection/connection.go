// Package connection defines the persistent credential record: one
// installation of one provider for one end-user, uniquely identified by
// (environment, providerConfigKey, connectionId).
package connection

import (
	"context"
	"errors"
	"time"

	"github.com/nangohq/nango/pkg/auth"
)

// ErrNotFound is returned by Store lookups when no connection matches.
var ErrNotFound = errors.New("connection not found")

// Operation discriminates what an upsert (or refresh) did to the row; it
// feeds the post-connection hooks and the outbound webhook.
type Operation string

// Upsert and refresh outcomes.
const (
	OperationCreation Operation = "creation"
	OperationOverride Operation = "override"
	OperationRefresh  Operation = "refresh"
)

// AuthError is the persistent failure record raised by refresh failures and
// cleared on the next success.
type AuthError struct {
	Code    string    `json:"type"`
	Message string    `json:"description"`
	At      time.Time `json:"at"`
}

// Connection is one stored credential set plus its configuration.
type Connection struct {
	ID                int64
	EnvironmentID     int64
	ProviderConfigKey string
	ConnectionID      string
	Provider          string
	Credentials       auth.Credentials
	ConnectionConfig  map[string]any
	Metadata          map[string]any
	LastAuthError     *AuthError
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UpsertResult reports the stored row and whether the upsert created it or
// overrode an existing one.
type UpsertResult struct {
	Connection *Connection
	Operation  Operation
}

// Store is the durable connection contract. Get returns ErrNotFound when no
// row matches.
type Store interface {
	Upsert(ctx context.Context, conn *Connection) (*UpsertResult, error)
	Get(ctx context.Context, environmentID int64, providerConfigKey, connectionID string) (*Connection, error)
	GetByID(ctx context.Context, id int64) (*Connection, error)
	UpdateCredentials(ctx context.Context, id int64, creds auth.Credentials) error
	SetLastAuthError(ctx context.Context, id int64, code, message string) error
	ClearLastAuthError(ctx context.Context, id int64) error
	// CountForConfig counts connections of one integration, feeding the
	// post-connect script cap.
	CountForConfig(ctx context.Context, environmentID int64, providerConfigKey string) (int64, error)
	// AcquireRefreshLease takes the cross-process refresh lock on a row.
	// It returns false when another broker holds an unexpired lease.
	AcquireRefreshLease(ctx context.Context, id int64, ttl time.Duration) (bool, error)
	ReleaseRefreshLease(ctx context.Context, id int64) error
}
