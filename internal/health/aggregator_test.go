package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjfontaine/service-gateway/internal/testutil"
)

func healthyBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"healthy"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hangingBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func failingBackend(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAggregator_CheckAll(t *testing.T) {
	tests := []struct {
		name     string
		users    func(t *testing.T) *httptest.Server
		orders   func(t *testing.T) *httptest.Server
		want     State
		wantUp   int
		wantDown string
	}{
		{
			name:   "both healthy",
			users:  healthyBackend,
			orders: healthyBackend,
			want:   StateHealthy,
			wantUp: 2,
		},
		{
			name:     "one times out",
			users:    healthyBackend,
			orders:   hangingBackend,
			want:     StateDegraded,
			wantUp:   1,
			wantDown: "orders",
		},
		{
			name:  "both fail",
			users: hangingBackend,
			orders: func(t *testing.T) *httptest.Server {
				return failingBackend(t, http.StatusInternalServerError)
			},
			want:   StateUnhealthy,
			wantUp: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, orders := tt.users(t), tt.orders(t)

			agg := NewAggregator([]Target{
				{Name: "users", URL: users.URL, Path: "/health"},
				{Name: "orders", URL: orders.URL, Path: "/health"},
			}, WithTimeout(100*time.Millisecond))

			start := time.Now()
			report := agg.CheckAll(context.Background())
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("CheckAll took %v; probes should run concurrently and time out", elapsed)
			}

			if report.Status != tt.want {
				t.Errorf("status = %s, want %s", report.Status, tt.want)
			}
			if report.Healthy() != tt.wantUp {
				t.Errorf("healthy = %d, want %d", report.Healthy(), tt.wantUp)
			}
			if len(report.Services) != 2 {
				t.Fatalf("services = %v", report.Services)
			}
			if tt.wantDown != "" {
				s := report.Services[tt.wantDown]
				if s.Healthy() || s.Reason == "" {
					t.Errorf("%s status = %+v, want unhealthy with reason", tt.wantDown, s)
				}
			}
		})
	}
}

func TestAggregator_Check(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantState  State
		wantStatus int
	}{
		{
			name: "healthy json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"status":"healthy","uptime":12}`)
			},
			wantState:  StateHealthy,
			wantStatus: 200,
		},
		{
			name: "plain text 200",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, "OK")
			},
			wantState:  StateHealthy,
			wantStatus: 200,
		},
		{
			name: "reports unhealthy",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"status":"unhealthy"}`)
			},
			wantState:  StateUnhealthy,
			wantStatus: 200,
		},
		{
			name: "503",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantState:  StateUnhealthy,
			wantStatus: 503,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			agg := NewAggregator(nil)
			s := agg.Check(context.Background(), Target{Name: "users", URL: srv.URL})

			if s.State != tt.wantState {
				t.Errorf("state = %s, want %s (reason %q)", s.State, tt.wantState, s.Reason)
			}
			if s.StatusCode != tt.wantStatus {
				t.Errorf("status code = %d, want %d", s.StatusCode, tt.wantStatus)
			}
			if s.ResponseTimeMs <= 0 {
				t.Errorf("response time = %v, want > 0", s.ResponseTimeMs)
			}
		})
	}
}

func TestAggregator_Cassette(t *testing.T) {
	client := testutil.BackendCassette(t, "backends_degraded")

	agg := NewAggregator([]Target{
		{Name: "users", URL: "http://users.internal:4001", Path: "/health"},
		{Name: "orders", URL: "http://orders.internal:4002", Path: "/health"},
	}, WithHTTPClient(client))

	report := agg.CheckAll(context.Background())

	if report.Status != StateDegraded {
		t.Fatalf("status = %s, want degraded", report.Status)
	}
	if !report.Services["users"].Healthy() {
		t.Errorf("users = %+v", report.Services["users"])
	}
	orders := report.Services["orders"]
	if orders.Healthy() || orders.Reason != "backend reported unhealthy" {
		t.Errorf("orders = %+v", orders)
	}
	if len(report.Services["users"].Details) == 0 {
		t.Error("expected backend health body in details")
	}
	if !report.Ready() {
		t.Error("degraded gateway should be ready")
	}
}

func TestClassify(t *testing.T) {
	up := Status{State: StateHealthy}
	down := Status{State: StateUnhealthy}

	tests := []struct {
		name string
		in   []Status
		want State
	}{
		{"none", nil, StateHealthy},
		{"all up", []Status{up, up}, StateHealthy},
		{"some down", []Status{up, down}, StateDegraded},
		{"all down", []Status{down, down}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.in); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReport_Ready(t *testing.T) {
	if !(Report{}).Ready() {
		t.Error("empty report should be ready")
	}
	r := Report{Services: map[string]Status{"users": {State: StateUnhealthy}}}
	if r.Ready() {
		t.Error("all-down report should not be ready")
	}
}

func TestTarget_Endpoint(t *testing.T) {
	if got := (Target{URL: "http://users:4001/"}).Endpoint(); got != "http://users:4001/health" {
		t.Errorf("Endpoint() = %q", got)
	}
	if got := (Target{URL: "http://users:4001", Path: "/healthz"}).Endpoint(); got != "http://users:4001/healthz" {
		t.Errorf("Endpoint() = %q", got)
	}
}
