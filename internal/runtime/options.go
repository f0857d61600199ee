package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/service-gateway/internal/config"
	"github.com/tjfontaine/service-gateway/internal/journal"
	"github.com/tjfontaine/service-gateway/internal/metrics"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithConfigFile loads configuration from a YAML file and the environment.
// An empty path uses GATEWAY_CONFIG or gateway.yaml.
func WithConfigFile(path string) Option {
	return func(g *Gateway) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithConfig uses an already loaded configuration. It is validated again.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config is nil")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		g.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithVersion sets the version reported by the info and health endpoints.
func WithVersion(version string) Option {
	return func(g *Gateway) error {
		g.version = version
		return nil
	}
}

// WithListenAddr overrides the listen address derived from server.port.
// Use "127.0.0.1:0" to pick a free port.
func WithListenAddr(addr string) Option {
	return func(g *Gateway) error {
		g.listenAddr = addr
		return nil
	}
}

// WithClock replaces the rate limiter's clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) error {
		g.now = now
		return nil
	}
}

// WithTransport replaces the round tripper used for backend calls and
// health probes.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) error {
		g.transport = rt
		return nil
	}
}

// WithJournalStore sets the request journal store instead of opening the
// configured one. The gateway closes it on shutdown.
func WithJournalStore(store journal.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}
