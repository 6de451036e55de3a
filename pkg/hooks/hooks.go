// Package hooks runs the ordered post-connection pipeline after a handshake
// reaches a terminal state: initial-sync scheduling, provider scripts, the
// tenant sandbox, auth-error cleanup, and the signed outbound webhook. Every
// step is best effort; failures are logged and never roll back the stored
// connection.
package hooks

import (
	"context"
	"errors"
	"sync"

	"github.com/nangohq/nango/pkg/auth"
	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/telemetry"
	"github.com/nangohq/nango/pkg/tenant"
	"github.com/nangohq/nango/pkg/webhooks"
)

// DefaultScriptCap bounds how many connections of one integration get an
// initial sync scheduled. At or under the cap syncs run; over it they are
// skipped and counted.
const DefaultScriptCap = 3

// SyncScheduler starts the first data sync for a new connection. The broker
// ships a no-op; deployments wire their orchestrator here.
type SyncScheduler interface {
	ScheduleInitialSync(ctx context.Context, conn *connection.Connection) error
}

// Sandbox executes the tenant-defined post-connection script in isolation.
// The broker ships a no-op.
type Sandbox interface {
	RunExternalScript(ctx context.Context, in *SuccessInput) error
}

// Script is an internal per-provider post-connection hook, registered by
// provider name.
type Script func(ctx context.Context, in *SuccessInput) error

// SuccessInput carries everything the pipeline needs after an upsert.
type SuccessInput struct {
	Connection  *connection.Connection
	Operation   connection.Operation
	Environment *tenant.Environment
	Config      *tenant.IntegrationConfig
	Provider    *providers.Provider
	// Pending suppresses the initial sync for app installations still
	// awaiting approval on the provider side.
	Pending bool
}

// FailureInput carries what is known about a handshake that died before an
// upsert. Provider may be empty when the failure happened before the
// integration resolved.
type FailureInput struct {
	ConnectionID      string
	ProviderConfigKey string
	Environment       *tenant.Environment
	Provider          string
	AuthMode          auth.AuthMode
	Operation         connection.Operation
	Err               error
}

type noopScheduler struct{}

func (noopScheduler) ScheduleInitialSync(_ context.Context, conn *connection.Connection) error {
	logger.Debugw("no sync scheduler wired, skipping initial sync",
		"connection_id", conn.ConnectionID)
	return nil
}

type noopSandbox struct{}

func (noopSandbox) RunExternalScript(context.Context, *SuccessInput) error {
	return nil
}

// Runner executes the pipeline. Safe for concurrent use.
type Runner struct {
	connections connection.Store
	sender      *webhooks.Sender
	scheduler   SyncScheduler
	sandbox     Sandbox
	metrics     *telemetry.Metrics
	scriptCap   int

	mu      sync.RWMutex
	scripts map[string]Script
}

// Option configures the runner.
type Option func(*Runner)

// WithSyncScheduler wires the orchestrator that runs initial syncs.
func WithSyncScheduler(s SyncScheduler) Option {
	return func(r *Runner) {
		r.scheduler = s
	}
}

// WithSandbox wires the executor for tenant-defined scripts.
func WithSandbox(s Sandbox) Option {
	return func(r *Runner) {
		r.sandbox = s
	}
}

// WithMetrics wires the broker instrument set.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithScriptCap sets the per-integration initial-sync cap. Zero or negative
// disables the cap.
func WithScriptCap(n int) Option {
	return func(r *Runner) {
		r.scriptCap = n
	}
}

// NewRunner builds a pipeline runner over the connection store and webhook
// sender.
func NewRunner(connections connection.Store, sender *webhooks.Sender, opts ...Option) *Runner {
	r := &Runner{
		connections: connections,
		sender:      sender,
		scheduler:   noopScheduler{},
		sandbox:     noopSandbox{},
		metrics:     telemetry.NoopMetrics(),
		scriptCap:   DefaultScriptCap,
		scripts:     map[string]Script{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterScript installs an internal post-connection script for one
// provider. Later registrations replace earlier ones.
func (r *Runner) RegisterScript(provider string, script Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[provider] = script
}

// RunSuccess executes the pipeline for a connection that just got
// credentials. Callers pass a context detached from the inbound request so a
// dropped client cannot cancel the pipeline.
func (r *Runner) RunSuccess(ctx context.Context, in *SuccessInput) {
	r.scheduleSync(ctx, in)
	r.runInternalScript(ctx, in)
	r.runExternalScript(ctx, in)
	r.clearAuthError(ctx, in)
	r.sendSuccessWebhook(ctx, in)
}

// RunFailure notifies the tenant about a handshake that failed. Only the
// webhook step applies; there is no stored connection to act on.
func (r *Runner) RunFailure(ctx context.Context, in *FailureInput) {
	event := &webhooks.AuthEvent{
		ConnectionID:      in.ConnectionID,
		ProviderConfigKey: in.ProviderConfigKey,
		AuthMode:          in.AuthMode,
		Provider:          in.Provider,
		Operation:         in.Operation,
		Success:           false,
		Error: &webhooks.EventError{
			Type:        string(auth.CodeOf(in.Err)),
			Description: errorMessage(in.Err),
		},
	}
	r.deliver(ctx, in.Environment, event)
}

func (r *Runner) scheduleSync(ctx context.Context, in *SuccessInput) {
	if in.Operation != connection.OperationCreation || in.Pending {
		return
	}

	if r.scriptCap > 0 {
		count, err := r.connections.CountForConfig(ctx, in.Environment.ID, in.Connection.ProviderConfigKey)
		if err != nil {
			logger.Warnw("counting connections for sync cap failed",
				"provider_config_key", in.Connection.ProviderConfigKey, "error", err)
			return
		}
		if count > int64(r.scriptCap) {
			r.metrics.RecordConnectionCapped(ctx, in.Connection.ProviderConfigKey)
			logger.Infow("initial sync skipped, integration is over the script cap",
				"provider_config_key", in.Connection.ProviderConfigKey,
				"connection_id", in.Connection.ConnectionID,
				"count", count, "cap", r.scriptCap)
			return
		}
	}

	if err := r.scheduler.ScheduleInitialSync(ctx, in.Connection); err != nil {
		logger.Warnw("scheduling initial sync failed",
			"connection_id", in.Connection.ConnectionID, "error", err)
	}
}

func (r *Runner) runInternalScript(ctx context.Context, in *SuccessInput) {
	r.mu.RLock()
	script, ok := r.scripts[in.Provider.Name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := script(ctx, in); err != nil {
		logger.Warnw("post-connection script failed",
			"provider", in.Provider.Name,
			"connection_id", in.Connection.ConnectionID, "error", err)
	}
}

func (r *Runner) runExternalScript(ctx context.Context, in *SuccessInput) {
	if err := r.sandbox.RunExternalScript(ctx, in); err != nil {
		logger.Warnw("external post-connection script failed",
			"provider_config_key", in.Connection.ProviderConfigKey,
			"connection_id", in.Connection.ConnectionID, "error", err)
	}
}

func (r *Runner) clearAuthError(ctx context.Context, in *SuccessInput) {
	if err := r.connections.ClearLastAuthError(ctx, in.Connection.ID); err != nil {
		logger.Warnw("clearing auth error failed",
			"connection_id", in.Connection.ConnectionID, "error", err)
	}
}

func (r *Runner) sendSuccessWebhook(ctx context.Context, in *SuccessInput) {
	event := &webhooks.AuthEvent{
		ConnectionID:      in.Connection.ConnectionID,
		ProviderConfigKey: in.Connection.ProviderConfigKey,
		AuthMode:          in.Provider.AuthMode,
		Provider:          in.Provider.Name,
		Operation:         in.Operation,
		Success:           true,
	}
	r.deliver(ctx, in.Environment, event)
}

func (r *Runner) deliver(ctx context.Context, env *tenant.Environment, event *webhooks.AuthEvent) {
	if env == nil || env.WebhookURL == "" {
		return
	}
	err := r.sender.SendAuthEvent(ctx, env, event)
	r.metrics.RecordWebhookDelivery(ctx, err == nil)
	if err != nil {
		logger.Warnw("auth webhook delivery failed",
			"environment", env.Name,
			"provider_config_key", event.ProviderConfigKey, "error", err)
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	return err.Error()
}
