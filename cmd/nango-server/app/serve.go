package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nangohq/nango/pkg/api"
	"github.com/nangohq/nango/pkg/config"
	"github.com/nangohq/nango/pkg/flows"
	"github.com/nangohq/nango/pkg/hooks"
	"github.com/nangohq/nango/pkg/httpclient"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/probe"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/refresh"
	"github.com/nangohq/nango/pkg/session"
	redisstore "github.com/nangohq/nango/pkg/storage/redis"
	"github.com/nangohq/nango/pkg/storage/sqlite"
	"github.com/nangohq/nango/pkg/telemetry"
	"github.com/nangohq/nango/pkg/tenant"
	"github.com/nangohq/nango/pkg/versions"
	"github.com/nangohq/nango/pkg/webhooks"
	"github.com/nangohq/nango/pkg/wsnotify"
)

const telemetryShutdownTimeout = 5 * time.Second

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization broker",
		Long: `Start the broker's HTTP server: the browser-facing handshake routes, the
server-to-server credential routes, the websocket notifier, and the
operational endpoints. Configuration comes from the environment; see the
NANGO_* variables.`,
		Args: noArgs,
		RunE: runServe,
	}

	cmd.Flags().String("providers", "", "Path to a providers.yaml overriding the embedded catalog")
	if err := viper.BindPFlag("providers", cmd.Flags().Lookup("providers")); err != nil {
		logger.Fatalf("Failed to bind providers flag: %v", err)
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cipher, err := cfg.Cipher()
	if err != nil {
		return fmt.Errorf("building credential cipher: %w", err)
	}

	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	logger.Infow("provider catalog loaded", "providers", registry.Len())

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.DBPath, err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warnw("failed to close database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	tenants := sqlite.NewTenantStore(db, cipher)
	connections := sqlite.NewConnectionStore(db, cipher)

	var sessions session.Store
	if cfg.RedisURL != "" {
		store, redisErr := redisstore.NewSessionStore(ctx, cfg.RedisURL, cipher)
		if redisErr != nil {
			return fmt.Errorf("connecting session store: %w", redisErr)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				logger.Warnw("failed to close redis client", "error", closeErr)
			}
		}()
		sessions = store
		logger.Infow("session store ready", "backend", "redis")
	} else {
		sessions = sqlite.NewSessionStore(db, cipher)
		logger.Infow("session store ready", "backend", "sqlite")
	}

	if err := bootstrapEnvironment(ctx, tenants, cfg); err != nil {
		return err
	}

	telemetryProvider, err := telemetry.NewProvider(ctx,
		telemetry.WithServiceName("nango-server"),
		telemetry.WithServiceVersion(versions.GetVersionInfo().Version),
		telemetry.WithEnabled(cfg.Telemetry),
	)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if shutdownErr := telemetryProvider.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warnw("failed to shut down telemetry", "error", shutdownErr)
		}
	}()
	metrics := telemetryProvider.Metrics()

	providerClient := httpclient.NewBuilder().WithTimeout(cfg.RequestTimeout).Build()

	engine := flows.NewEngine(registry, sessions, connections, tenants,
		flows.WithHTTPClient(providerClient),
		flows.WithProber(probe.New(probe.WithHTTPClient(providerClient))),
	)
	refresher := refresh.NewCoordinator(connections,
		refresh.WithHTTPClient(providerClient),
		refresh.WithMetrics(metrics),
	)
	runner := hooks.NewRunner(connections,
		webhooks.NewSender(webhooks.WithHTTPClient(providerClient)),
		hooks.WithMetrics(metrics),
		hooks.WithScriptCap(cfg.ScriptCap),
	)
	hub := wsnotify.NewHub()

	sweeper := session.NewSweeper(sessions, session.DefaultSweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	server := api.NewServer(api.Config{
		Engine:         engine,
		Registry:       registry,
		Tenants:        tenants,
		Connections:    connections,
		Refresher:      refresher,
		Hooks:          runner,
		Hub:            hub,
		Metrics:        metrics,
		MetricsHandler: telemetryProvider.Handler(),
		CallbackURL:    cfg.CallbackURL,
		SessionTTL:     cfg.SessionTTL,
		WebsocketsPath: cfg.WebsocketsPath,
		RequestTimeout: cfg.RequestTimeout,
	})

	logger.Infow("starting broker",
		"addr", cfg.Addr(),
		"server_url", cfg.ServerURL,
		"callback_url", cfg.CallbackURL,
	)
	return server.Serve(ctx, cfg.Addr())
}

// loadRegistry loads the provider catalog, preferring the --providers flag
// over the embedded copy.
func loadRegistry() (*providers.Registry, error) {
	if path := viper.GetString("providers"); path != "" {
		registry, err := providers.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading provider catalog %s: %w", path, err)
		}
		return registry, nil
	}
	registry, err := providers.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("loading embedded provider catalog: %w", err)
	}
	return registry, nil
}

// bootstrapEnvironment seeds a default environment on first boot so the
// broker is usable immediately. The generated keys are printed once; after
// that they only exist in the database.
func bootstrapEnvironment(ctx context.Context, tenants tenant.Store, cfg *config.Config) error {
	count, err := tenants.CountEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("counting environments: %w", err)
	}
	if count > 0 {
		return nil
	}

	env := &tenant.Environment{
		Name:        "dev",
		PublicKey:   uuid.NewString(),
		SecretKey:   uuid.NewString(),
		CallbackURL: cfg.CallbackURL,
	}
	if err := tenants.CreateEnvironment(ctx, env); err != nil {
		return fmt.Errorf("seeding default environment: %w", err)
	}

	logger.Infow("seeded default environment", "name", env.Name)
	fmt.Printf("Created environment %q\n", env.Name)
	fmt.Printf("  public key: %s\n", env.PublicKey)
	fmt.Printf("  secret key: %s\n", env.SecretKey)
	return nil
}
