// Package server assembles the gateway's HTTP pipeline: request context,
// logging, metrics, panic recovery, rate limiting and the route table.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/service-gateway/internal/auth"
	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/envelope"
	"github.com/tjfontaine/service-gateway/internal/health"
	"github.com/tjfontaine/service-gateway/internal/journal"
	"github.com/tjfontaine/service-gateway/internal/metrics"
	"github.com/tjfontaine/service-gateway/internal/ratelimit"
	"github.com/tjfontaine/service-gateway/internal/requestctx"
	"github.com/tjfontaine/service-gateway/internal/router"
)

// Paths served by the gateway itself.
const (
	PathInfo           = "/"
	PathDocs           = "/docs"
	PathHealth         = "/health"
	PathHealthDetailed = "/health/detailed"
	PathHealthReady    = "/health/ready"
	PathHealthLive     = "/health/live"
	PathMetrics        = "/metrics"
	PathRequests       = "/gateway/requests"
)

// GatewayPaths lists the paths the gateway answers itself, reported in
// route-not-found errors alongside the backend prefixes.
func GatewayPaths() []string {
	return []string{
		PathInfo, PathDocs,
		PathHealth, PathHealthDetailed, PathHealthReady, PathHealthLive,
		PathMetrics, PathRequests,
	}
}

// Config holds server settings that are not components.
type Config struct {
	Port        int
	Name        string
	Version     string
	Environment string
	// RequestTimeout bounds each request; 0 disables it.
	RequestTimeout time.Duration
	// TrustForwardedFor derives client identity from X-Forwarded-For.
	TrustForwardedFor bool
	SecurityHeaders   bool
	CORS              CORSConfig
}

// Deps are the pipeline components. Dispatcher is required; the rest may
// be nil.
type Deps struct {
	Limiter    *ratelimit.Limiter
	Guard      *auth.Guard
	Dispatcher *router.Dispatcher
	Health     *health.Aggregator
	Journal    *journal.Publisher
	Metrics    *metrics.Metrics
}

type Server struct {
	Router *chi.Mux
	Port   int

	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics
	started time.Time

	httpServer *http.Server
}

// New builds the router. Middleware order, outermost first: tracing,
// client address, request context, logging, metrics, security headers,
// CORS, recovery, rate limiting, timeout.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Dispatcher == nil {
		return nil, errors.New("server: dispatcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "service-gateway"
	}

	s := &Server{
		Port:    cfg.Port,
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
		started: time.Now(),
	}

	r := chi.NewRouter()

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, cfg.Name)
	})
	if cfg.TrustForwardedFor {
		r.Use(middleware.RealIP)
	}
	r.Use(requestctx.Middleware(cfg.Environment))
	r.Use(LoggingMiddleware(logger, deps.Journal))
	r.Use(metrics.Middleware(deps.Metrics))
	if cfg.SecurityHeaders {
		r.Use(SecurityHeaders)
	}
	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(CORS(cfg.CORS))
	}
	r.Use(s.Recoverer)
	r.Use(s.RateLimitMiddleware(deps.Limiter, PathHealthLive, PathHealthReady, PathMetrics))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))

	r.Get(PathInfo, s.handle(s.handleInfo))
	r.Get(PathDocs, s.handle(s.handleDocs))
	r.Get(PathHealth, s.handle(s.handleHealth))
	r.Get(PathHealthDetailed, s.handle(s.handleHealthDetailed))
	r.Get(PathHealthReady, s.handle(s.handleReady))
	r.Get(PathHealthLive, s.handle(s.handleLive))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, PathMetrics, deps.Metrics.Handler())
	}
	r.Get(PathRequests, s.handle(s.handleRequests))

	// Everything else goes through the route table.
	r.Handle("/*", s.handle(deps.Dispatcher.Serve))

	notFound := s.handle(func(r *http.Request) (*envelope.Result, error) {
		return nil, domain.ErrRouteNotFound(r.URL.Path, deps.Dispatcher.Table().KnownPaths())
	})
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	s.Router = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if deps.Metrics != nil {
		if deps.Limiter != nil {
			deps.Metrics.GaugeFunc("rate_limit_windows", "Rate limit windows currently tracked.",
				func() float64 { return float64(deps.Limiter.Size()) })
		}
		if deps.Journal != nil {
			deps.Metrics.CounterFunc("journal_written_total", "Request journal entries stored.",
				func() float64 { return float64(deps.Journal.Written()) })
			deps.Metrics.CounterFunc("journal_dropped_total", "Request journal entries dropped on a full queue.",
				func() float64 { return float64(deps.Journal.Dropped()) })
		}
	}

	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.Router
}

// Serve accepts connections on l until Shutdown. A clean Shutdown
// returns nil.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("serving", slog.String("addr", l.Addr().String()), slog.String("environment", s.cfg.Environment))

	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Uptime is the time since the server was built.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}
