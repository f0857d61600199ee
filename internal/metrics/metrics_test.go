package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()

	if m.RequestsTotal == nil || m.RequestDuration == nil || m.ErrorsTotal == nil {
		t.Fatal("request metrics not initialized")
	}
	if m.BackendResponses == nil || m.BackendUp == nil {
		t.Fatal("backend metrics not initialized")
	}
	if _, err := m.Registry().Gather(); err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordError("RATE_LIMIT_EXCEEDED")
	m.RecordError("RATE_LIMIT_EXCEEDED")
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("RATE_LIMIT_EXCEEDED")); got != 2 {
		t.Errorf("errors_total = %v, want 2", got)
	}

	m.RecordBackend("users", 201)
	m.RecordBackend("", 200)
	if got := testutil.ToFloat64(m.BackendResponses.WithLabelValues("users", "201")); got != 1 {
		t.Errorf("backend_responses_total = %v, want 1", got)
	}

	m.SetBackendUp("orders", false)
	m.SetBackendUp("users", true)
	if got := testutil.ToFloat64(m.BackendUp.WithLabelValues("users")); got != 1 {
		t.Errorf("backend_up{users} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BackendUp.WithLabelValues("orders")); got != 0 {
		t.Errorf("backend_up{orders} = %v, want 0", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordError("X")
	m.RecordBackend("users", 200)
	m.SetBackendUp("users", true)

	rec := httptest.NewRecorder()
	Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestFuncMetrics(t *testing.T) {
	m := New()
	m.GaugeFunc("rate_limit_windows", "Tracked windows", func() float64 { return 3 })
	m.CounterFunc("journal_dropped_total", "Dropped entries", func() float64 { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{"gateway_rate_limit_windows 3", "gateway_journal_dropped_total 7"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for _, path := range []string{"/users/1", "/users/2", "/fail"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/users/{id}", "200")); got != 2 {
		t.Errorf("requests_total{/users/{id},200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/fail", "503")); got != 1 {
		t.Errorf("requests_total{/fail,503} = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "gateway_request_duration_seconds_bucket") {
		t.Error("duration histogram missing from exposition")
	}
}
