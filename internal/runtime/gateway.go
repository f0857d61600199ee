// Package runtime provides the Gateway struct and lifecycle management: it
// builds every pipeline component from configuration and runs the HTTP
// server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/service-gateway/internal/auth"
	"github.com/tjfontaine/service-gateway/internal/config"
	"github.com/tjfontaine/service-gateway/internal/health"
	"github.com/tjfontaine/service-gateway/internal/journal"
	"github.com/tjfontaine/service-gateway/internal/metrics"
	"github.com/tjfontaine/service-gateway/internal/proxy"
	"github.com/tjfontaine/service-gateway/internal/ratelimit"
	"github.com/tjfontaine/service-gateway/internal/router"
	"github.com/tjfontaine/service-gateway/internal/server"
)

// Gateway owns the components of one gateway instance.
// It can be embedded in larger applications or run standalone.
type Gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	version    string
	listenAddr string
	now        func() time.Time
	transport  http.RoundTripper

	limiter   *ratelimit.Limiter
	guard     *auth.Guard
	health    *health.Aggregator
	store     journal.Store
	publisher *journal.Publisher
	metrics   *metrics.Metrics
	server    *server.Server

	// Lifecycle management
	mu       sync.Mutex
	cancel   context.CancelFunc
	listener net.Listener
	serveErr chan error
}

// New creates a Gateway with the given options. A configuration is
// required (WithConfig or WithConfigFile).
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger:  slog.Default(),
		version: "dev",
		now:     time.Now,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.cfg == nil {
		return nil, errors.New("config required (use WithConfig or WithConfigFile)")
	}
	if gw.listenAddr == "" {
		gw.listenAddr = fmt.Sprintf(":%d", gw.cfg.Server.Port)
	}
	if gw.metrics == nil {
		gw.metrics = metrics.New()
	}

	if err := gw.build(); err != nil {
		if gw.store != nil {
			gw.store.Close()
		}
		return nil, err
	}
	return gw, nil
}

// build wires the pipeline components from the configuration.
func (g *Gateway) build() error {
	cfg := g.cfg

	g.limiter = ratelimit.New(map[string]ratelimit.Rule{
		ratelimit.ScopeGlobal: {Window: cfg.RateLimit.Global.Window, Max: cfg.RateLimit.Global.Max},
		ratelimit.ScopeAuth:   {Window: cfg.RateLimit.Auth.Window, Max: cfg.RateLimit.Auth.Max},
	}, ratelimit.WithClock(g.now), ratelimit.WithLogger(g.logger))

	validator := auth.NewValidator(cfg.Credentials, g.logger)
	g.guard = auth.NewGuard(validator, g.limiter, g.logger)

	routes := make([]router.Route, 0, len(cfg.Services))
	targets := make([]health.Target, 0, len(cfg.Services))
	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		routes = append(routes, router.Route{
			Prefix:  svc.Prefix,
			Target:  svc.URL,
			Service: name,
			Public:  svc.Public,
		})
		targets = append(targets, health.Target{Name: name, URL: svc.URL, Path: svc.HealthPath})
	}

	table, err := router.NewTable(routes, server.GatewayPaths()...)
	if err != nil {
		return fmt.Errorf("build route table: %w", err)
	}

	forwarder := proxy.NewForwarder(proxy.Options{
		Timeout:               cfg.Proxy.Timeout,
		DialTimeout:           cfg.Proxy.DialTimeout,
		ResponseHeaderTimeout: cfg.Proxy.ResponseHeaderTimeout,
		Transport:             g.transport,
	}, g.logger)

	dispatcher := router.NewDispatcher(table, g.guard, forwarder,
		router.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		router.WithLogger(g.logger))

	healthOpts := []health.Option{
		health.WithTimeout(cfg.Health.Timeout),
		health.WithLogger(g.logger),
	}
	if g.transport != nil {
		healthOpts = append(healthOpts, health.WithHTTPClient(&http.Client{Transport: g.transport}))
	}
	g.health = health.NewAggregator(targets, healthOpts...)

	if g.store == nil {
		store, err := journal.Open(cfg.Journal.Type, cfg.Journal.Path, cfg.Journal.Capacity)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		g.store = store
	}
	if g.store != nil {
		g.publisher = journal.NewPublisher(g.store, cfg.Journal.Buffer, g.logger)
	}

	g.server, err = server.New(server.Config{
		Port:              cfg.Server.Port,
		Name:              cfg.Telemetry.ServiceName,
		Version:           g.version,
		Environment:       cfg.Environment,
		RequestTimeout:    cfg.Server.RequestTimeout,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
		SecurityHeaders:   cfg.Server.SecurityHeaders,
		CORS: server.CORSConfig{
			AllowedOrigins:   cfg.Server.CORS.AllowedOrigins,
			AllowCredentials: cfg.Server.CORS.AllowCredentials,
			MaxAge:           cfg.Server.CORS.MaxAge,
		},
	}, server.Deps{
		Limiter:    g.limiter,
		Guard:      g.guard,
		Dispatcher: dispatcher,
		Health:     g.health,
		Journal:    g.publisher,
		Metrics:    g.metrics,
	}, g.logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	g.logger.Info("gateway configured",
		slog.String("environment", cfg.Environment),
		slog.Int("routes", len(routes)),
		slog.Any("credential_environments", validator.Environments()),
		slog.String("journal", cfg.Journal.Type))
	return nil
}

// Handler returns the gateway's root handler.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler()
}

// Addr returns the listening address once Start has returned.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Start binds the listen address and serves in the background. Bind errors
// are returned; later server errors are reported by Wait.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.listener != nil {
		return errors.New("gateway already started")
	}

	l, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.listenAddr, err)
	}
	g.listener = l

	var runCtx context.Context
	runCtx, g.cancel = context.WithCancel(ctx)
	g.limiter.StartCleanup(runCtx)

	g.serveErr = make(chan error, 1)
	go func() {
		g.serveErr <- g.server.Serve(l)
	}()

	g.logger.Info("gateway started", slog.String("addr", l.Addr().String()))
	return nil
}

// Wait blocks until the server stops. It returns nil after a clean
// Shutdown.
func (g *Gateway) Wait() error {
	g.mu.Lock()
	ch := g.serveErr
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	return <-ch
}

// Shutdown gracefully stops the gateway: in-flight requests finish, then
// the limiter, journal and store are stopped.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if g.listener != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.limiter.Stop()

	if g.publisher != nil {
		if err := g.publisher.Close(ctx); err != nil {
			g.logger.Error("failed to drain journal", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close journal store", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}
