package server

import (
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/tjfontaine/service-gateway/internal/auth"
	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/envelope"
	"github.com/tjfontaine/service-gateway/internal/health"
	"github.com/tjfontaine/service-gateway/internal/journal"
	"github.com/tjfontaine/service-gateway/internal/ratelimit"
)

// MaxJournalLimit caps the limit query parameter of the requests endpoint.
const MaxJournalLimit = 500

type endpointDoc struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Auth        bool   `json:"auth"`
	Description string `json:"description"`
}

type routeInfo struct {
	Prefix  string `json:"prefix"`
	Service string `json:"service"`
	Public  bool   `json:"public,omitempty"`
}

type limitInfo struct {
	WindowSeconds int `json:"windowSeconds"`
	Max           int `json:"max"`
}

func (s *Server) routes() []routeInfo {
	var out []routeInfo
	for _, r := range s.deps.Dispatcher.Table().Routes() {
		out = append(out, routeInfo{Prefix: r.Prefix, Service: r.Service, Public: r.Public})
	}
	return out
}

func (s *Server) limits() map[string]limitInfo {
	out := make(map[string]limitInfo)
	if s.deps.Limiter == nil {
		return out
	}
	for _, scope := range []string{ratelimit.ScopeGlobal, ratelimit.ScopeAuth} {
		if rule, ok := s.deps.Limiter.Rule(scope); ok {
			out[scope] = limitInfo{WindowSeconds: int(rule.Window / time.Second), Max: rule.Max}
		}
	}
	return out
}

func (s *Server) handleInfo(r *http.Request) (*envelope.Result, error) {
	return &envelope.Result{Data: map[string]any{
		"name":        s.cfg.Name,
		"version":     s.cfg.Version,
		"environment": s.cfg.Environment,
		"routes":      s.routes(),
		"endpoints": map[string]string{
			"docs":     PathDocs,
			"health":   PathHealth,
			"detailed": PathHealthDetailed,
			"ready":    PathHealthReady,
			"live":     PathHealthLive,
			"metrics":  PathMetrics,
			"requests": PathRequests,
		},
		"authentication": map[string]string{
			"header": auth.HeaderAPIKey,
			"bearer": "Authorization: Bearer <key>",
		},
		"rateLimits": s.limits(),
	}}, nil
}

func (s *Server) handleDocs(r *http.Request) (*envelope.Result, error) {
	docs := []endpointDoc{
		{http.MethodGet, PathInfo, false, "Gateway information"},
		{http.MethodGet, PathDocs, false, "This document"},
		{http.MethodGet, PathHealth, false, "Gateway liveness and uptime"},
		{http.MethodGet, PathHealthDetailed, false, "Aggregate backend health; 503 when every backend is down"},
		{http.MethodGet, PathHealthReady, false, "Readiness; 503 when no backend is healthy"},
		{http.MethodGet, PathHealthLive, false, "Process liveness"},
		{http.MethodGet, PathMetrics, false, "Prometheus metrics"},
		{http.MethodGet, PathRequests, true, "Recent requests; filters: limit, service, environment"},
	}
	for _, rt := range s.routes() {
		docs = append(docs,
			endpointDoc{"*", rt.Prefix, !rt.Public, "Proxied to the " + rt.Service + " service"},
			endpointDoc{"*", rt.Prefix + "/*", !rt.Public, "Proxied to the " + rt.Service + " service"},
		)
	}

	return &envelope.Result{Data: map[string]any{
		"endpoints": docs,
		"errors": map[string]int{
			domain.CodeValidation:         http.StatusBadRequest,
			domain.CodeMissingAPIKey:      http.StatusUnauthorized,
			domain.CodeInvalidAPIKey:      http.StatusForbidden,
			domain.CodeRouteNotFound:      http.StatusNotFound,
			domain.CodeRateLimitExceeded:  http.StatusTooManyRequests,
			domain.CodeInternal:           http.StatusInternalServerError,
			domain.CodeServiceUnavailable: http.StatusServiceUnavailable,
		},
		"rateLimits": s.limits(),
	}}, nil
}

func (s *Server) handleHealth(r *http.Request) (*envelope.Result, error) {
	return &envelope.Result{Data: map[string]any{
		"status":        health.StateHealthy,
		"service":       s.cfg.Name,
		"version":       s.cfg.Version,
		"uptimeSeconds": int64(s.Uptime() / time.Second),
	}}, nil
}

// checkBackends probes every backend and mirrors the result into the
// backend_up gauge.
func (s *Server) checkBackends(r *http.Request) health.Report {
	if s.deps.Health == nil {
		return health.Report{Status: health.StateHealthy, Services: map[string]health.Status{}, CheckedAt: time.Now()}
	}
	report := s.deps.Health.CheckAll(r.Context())
	for name, st := range report.Services {
		s.metrics.SetBackendUp(name, st.Healthy())
	}
	return report
}

func (s *Server) handleHealthDetailed(r *http.Request) (*envelope.Result, error) {
	report := s.checkBackends(r)

	status := http.StatusOK
	if report.Status == health.StateUnhealthy {
		status = http.StatusServiceUnavailable
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	data := map[string]any{
		"status":    report.Status,
		"services":  report.Services,
		"checkedAt": report.CheckedAt.UTC().Format(envelope.TimestampFormat),
		"gateway": map[string]any{
			"version":       s.cfg.Version,
			"environment":   s.cfg.Environment,
			"uptimeSeconds": int64(s.Uptime() / time.Second),
		},
		"runtime": map[string]any{
			"goVersion":  runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
			"heapBytes":  mem.HeapAlloc,
		},
	}
	if s.deps.Limiter != nil {
		data["rateLimiter"] = map[string]int{"trackedWindows": s.deps.Limiter.Size()}
	}
	if s.deps.Journal != nil {
		data["journal"] = map[string]uint64{
			"written": s.deps.Journal.Written(),
			"dropped": s.deps.Journal.Dropped(),
		}
	}

	return &envelope.Result{Status: status, Data: data}, nil
}

func (s *Server) handleReady(r *http.Request) (*envelope.Result, error) {
	report := s.checkBackends(r)

	if !report.Ready() {
		return &envelope.Result{Status: http.StatusServiceUnavailable, Data: map[string]any{
			"status":   "not_ready",
			"services": report.Services,
		}}, nil
	}
	return &envelope.Result{Data: map[string]any{
		"status":          "ready",
		"healthyServices": report.Healthy(),
		"totalServices":   len(report.Services),
	}}, nil
}

func (s *Server) handleLive(r *http.Request) (*envelope.Result, error) {
	return &envelope.Result{Data: map[string]any{
		"status":        "alive",
		"pid":           os.Getpid(),
		"uptimeSeconds": int64(s.Uptime() / time.Second),
	}}, nil
}

// handleRequests lists recent journal entries. It requires an API key and
// counts failures against the auth scope like any protected route.
func (s *Server) handleRequests(r *http.Request) (*envelope.Result, error) {
	if s.deps.Guard == nil {
		return nil, domain.ErrInternal(errors.New("requests endpoint has no authenticator"))
	}
	if _, err := s.deps.Guard.Authenticate(r); err != nil {
		return nil, err
	}

	q, err := parseJournalQuery(r)
	if err != nil {
		return nil, err
	}

	entries := []*journal.Entry{}
	if s.deps.Journal != nil {
		found, err := s.deps.Journal.Store().Recent(r.Context(), q)
		if err != nil {
			return nil, domain.ErrInternal(err)
		}
		if found != nil {
			entries = found
		}
	}

	return &envelope.Result{Data: map[string]any{
		"entries": entries,
		"count":   len(entries),
	}}, nil
}

func parseJournalQuery(r *http.Request) (journal.Query, error) {
	v := r.URL.Query()
	q := journal.Query{
		Service:     v.Get("service"),
		Environment: v.Get("environment"),
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxJournalLimit {
			return q, domain.ErrValidation("limit",
				"limit must be an integer between 1 and "+strconv.Itoa(MaxJournalLimit))
		}
		q.Limit = n
	}
	return q, nil
}
