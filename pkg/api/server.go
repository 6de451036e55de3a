// Package api exposes the broker over HTTP: the browser-facing handshake
// routes, the server-to-server credential routes, the websocket notifier,
// and the operational endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nangohq/nango/pkg/connection"
	"github.com/nangohq/nango/pkg/flows"
	"github.com/nangohq/nango/pkg/hooks"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/providers"
	"github.com/nangohq/nango/pkg/refresh"
	"github.com/nangohq/nango/pkg/session"
	"github.com/nangohq/nango/pkg/telemetry"
	"github.com/nangohq/nango/pkg/tenant"
	"github.com/nangohq/nango/pkg/wsnotify"
)

const (
	readHeaderTimeout     = 10 * time.Second
	shutdownTimeout       = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultWebsocketsPath = "/ws"
)

// Config wires the server's collaborators and route options.
type Config struct {
	Engine      *flows.Engine
	Registry    *providers.Registry
	Tenants     tenant.Store
	Connections connection.Store
	Refresher   *refresh.Coordinator
	Hooks       *hooks.Runner
	Hub         *wsnotify.Hub
	Metrics     *telemetry.Metrics
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler

	// CallbackURL is the absolute URL providers redirect back to.
	CallbackURL string
	// SessionTTL bounds how long a pending handshake may wait for its
	// callback.
	SessionTTL time.Duration
	// WebsocketsPath is where the notifier hub is mounted.
	WebsocketsPath string
	// RequestTimeout bounds non-websocket request handling.
	RequestTimeout time.Duration
}

// Server holds the route handlers and their collaborators.
type Server struct {
	engine         *flows.Engine
	registry       *providers.Registry
	tenants        tenant.Store
	connections    connection.Store
	refresher      *refresh.Coordinator
	hooks          *hooks.Runner
	hub            *wsnotify.Hub
	metrics        *telemetry.Metrics
	metricsHandler http.Handler

	callbackURL    string
	sessionTTL     time.Duration
	websocketsPath string
	requestTimeout time.Duration
	now            func() time.Time
}

// NewServer builds the HTTP server from its collaborators.
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:         cfg.Engine,
		registry:       cfg.Registry,
		tenants:        cfg.Tenants,
		connections:    cfg.Connections,
		refresher:      cfg.Refresher,
		hooks:          cfg.Hooks,
		hub:            cfg.Hub,
		metrics:        cfg.Metrics,
		metricsHandler: cfg.MetricsHandler,
		callbackURL:    cfg.CallbackURL,
		sessionTTL:     session.ClampTTL(cfg.SessionTTL),
		websocketsPath: cfg.WebsocketsPath,
		requestTimeout: cfg.RequestTimeout,
		now:            time.Now,
	}
	if s.hub == nil {
		s.hub = wsnotify.NewHub()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NoopMetrics()
	}
	if s.websocketsPath == "" {
		s.websocketsPath = defaultWebsocketsPath
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	return s
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	// The websocket stays open across handshakes, so it lives outside the
	// request timeout.
	r.Handle(s.websocketsPath, s.hub)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Get("/health", s.health)
		if s.metricsHandler != nil {
			r.Handle("/metrics", s.metricsHandler)
		}

		r.Get("/oauth/connect/{providerConfigKey}", s.connect)
		r.Get("/oauth/callback", s.callback)

		r.Post("/oauth2/cc/{providerConfigKey}", s.clientCredentials)
		r.Post("/api-auth/{providerConfigKey}", s.apiAuth)
		r.Post("/api-auth/{mode}/{providerConfigKey}", s.apiAuth)

		r.Get("/connection/{connectionID}", s.getConnection)
	})
	return r
}

// Serve runs the server until the context is canceled, then drains in-flight
// requests and closes the websocket hub.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if closeErr := s.hub.Close(); closeErr != nil {
		logger.Warnw("failed to close websocket hub", "error", closeErr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Infof("API server stopped")
	return nil
}

func (*Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
