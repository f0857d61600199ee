// Package health polls backend health endpoints and classifies the
// composite status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// State is a health classification.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// DefaultTimeout bounds each backend probe.
const DefaultTimeout = 5 * time.Second

// maxProbeBody caps how much of a health response is read.
const maxProbeBody = 64 << 10

// Target is one backend to probe.
type Target struct {
	Name string
	URL  string
	Path string
}

// Endpoint returns the probe URL.
func (t Target) Endpoint() string {
	path := t.Path
	if path == "" {
		path = "/health"
	}
	return strings.TrimRight(t.URL, "/") + path
}

// Status is the outcome of probing one backend.
type Status struct {
	Service        string          `json:"service"`
	State          State           `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	StatusCode     int             `json:"statusCode,omitempty"`
	ResponseTimeMs float64         `json:"responseTimeMs"`
	Details        json.RawMessage `json:"details,omitempty"`
}

// Healthy reports whether the backend passed its probe.
func (s Status) Healthy() bool {
	return s.State == StateHealthy
}

// Report is the result of one CheckAll round. Nothing is kept between
// rounds.
type Report struct {
	Status    State             `json:"status"`
	Services  map[string]Status `json:"services"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// Healthy counts the healthy backends.
func (r Report) Healthy() int {
	n := 0
	for _, s := range r.Services {
		if s.Healthy() {
			n++
		}
	}
	return n
}

// Ready reports whether at least one backend can serve traffic. A gateway
// with no backends is ready.
func (r Report) Ready() bool {
	return len(r.Services) == 0 || r.Healthy() > 0
}

// Classify maps per-backend outcomes to the composite state: all healthy is
// healthy, none healthy is unhealthy, anything else is degraded.
func Classify(statuses []Status) State {
	healthy := 0
	for _, s := range statuses {
		if s.Healthy() {
			healthy++
		}
	}
	switch {
	case healthy == len(statuses):
		return StateHealthy
	case healthy == 0:
		return StateUnhealthy
	default:
		return StateDegraded
	}
}

// Aggregator probes a fixed set of backends.
type Aggregator struct {
	targets []Target
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithHTTPClient replaces the probe client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.client = c
		}
	}
}

// WithTimeout sets the per-probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAggregator creates an aggregator for targets.
func NewAggregator(targets []Target, opts ...Option) *Aggregator {
	sorted := append([]Target(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	a := &Aggregator{
		targets: sorted,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CheckAll probes every backend concurrently and classifies the result.
func (a *Aggregator) CheckAll(ctx context.Context) Report {
	statuses := make([]Status, len(a.targets))

	var wg sync.WaitGroup
	for i, t := range a.targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			statuses[i] = a.Check(ctx, t)
		}(i, t)
	}
	wg.Wait()

	report := Report{
		Status:    Classify(statuses),
		Services:  make(map[string]Status, len(statuses)),
		CheckedAt: time.Now().UTC(),
	}
	for _, s := range statuses {
		report.Services[s.Service] = s
	}

	if report.Status != StateHealthy {
		a.logger.WarnContext(ctx, "backend health check",
			slog.String("status", string(report.Status)),
			slog.Int("healthy", report.Healthy()),
			slog.Int("total", len(statuses)))
	}
	return report
}

// Check probes a single backend. A 2xx response is healthy unless its JSON
// body reports status "unhealthy".
func (a *Aggregator) Check(ctx context.Context, t Target) (status Status) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	status = Status{Service: t.Name, State: StateUnhealthy}
	start := time.Now()
	defer func() {
		status.ResponseTimeMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Endpoint(), nil)
	if err != nil {
		status.Reason = fmt.Sprintf("invalid health endpoint: %v", err)
		return status
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			status.Reason = fmt.Sprintf("timed out after %s", a.timeout)
		} else {
			status.Reason = "unreachable"
		}
		a.logger.DebugContext(ctx, "health probe failed",
			slog.String("service", t.Name),
			slog.String("error", err.Error()))
		return status
	}
	defer resp.Body.Close()

	status.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status.Reason = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
		return status
	}

	var payload struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(body, &payload) == nil {
		status.Details = json.RawMessage(body)
		if strings.EqualFold(payload.Status, string(StateUnhealthy)) {
			status.Reason = "backend reported unhealthy"
			return status
		}
	}

	status.State = StateHealthy
	return status
}
