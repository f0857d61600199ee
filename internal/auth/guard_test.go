package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/ratelimit"
	"github.com/tjfontaine/service-gateway/internal/requestctx"
)

func guardedRequest(key string) (*http.Request, *requestctx.Context) {
	req := httptest.NewRequest("GET", "/users", nil)
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	rc := requestctx.New("198.51.100.4", "development")
	return req.WithContext(requestctx.WithContext(req.Context(), rc)), rc
}

func TestGuard_Authenticate(t *testing.T) {
	v := NewValidator(map[string]string{"production": "prod-api-key-67890"}, nil)
	g := NewGuard(v, nil, nil)

	req, rc := guardedRequest("prod-api-key-67890")
	env, err := g.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if env != "production" {
		t.Errorf("env = %q, want production", env)
	}
	if rc.Environment() != "production" {
		t.Errorf("context environment = %q, want production", rc.Environment())
	}
	if rc.Credential() != "prod-api..." {
		t.Errorf("context credential = %q", rc.Credential())
	}
}

func TestGuard_FailureLeavesContextUntouched(t *testing.T) {
	v := NewValidator(map[string]string{"production": "prod-api-key-67890"}, nil)
	g := NewGuard(v, nil, nil)

	req, rc := guardedRequest("wrong-key")
	if _, err := g.Authenticate(req); !domain.IsKind(err, domain.KindInvalidCredential) {
		t.Fatalf("error = %v, want InvalidCredential", err)
	}
	if rc.Environment() != "development" || rc.Credential() != "none" {
		t.Errorf("context mutated on failure: env=%q cred=%q", rc.Environment(), rc.Credential())
	}
}

func TestGuard_BruteForceLimit(t *testing.T) {
	v := NewValidator(map[string]string{"development": "dev-api-key-12345"}, nil)
	limiter := ratelimit.New(map[string]ratelimit.Rule{
		ratelimit.ScopeAuth: {Window: time.Minute, Max: 3},
	})
	g := NewGuard(v, limiter, nil)

	for i := 0; i < 3; i++ {
		req, _ := guardedRequest("guess")
		if _, err := g.Authenticate(req); !domain.IsKind(err, domain.KindInvalidCredential) {
			t.Fatalf("attempt %d error = %v, want InvalidCredential", i+1, err)
		}
	}

	req, _ := guardedRequest("guess")
	_, err := g.Authenticate(req)
	if !domain.IsKind(err, domain.KindRateLimitExceeded) {
		t.Fatalf("attempt 4 error = %v, want RateLimitExceeded", err)
	}
	if domain.AsError(err).RetryAfterSeconds() < 1 {
		t.Error("expected positive retry-after")
	}

	// Once exhausted, even a valid key is refused until the window ends.
	req, _ = guardedRequest("dev-api-key-12345")
	if _, err := g.Authenticate(req); !domain.IsKind(err, domain.KindRateLimitExceeded) {
		t.Errorf("valid key during lockout: error = %v, want RateLimitExceeded", err)
	}
}

func TestGuard_SuccessDoesNotCount(t *testing.T) {
	v := NewValidator(map[string]string{"development": "dev-api-key-12345"}, nil)
	limiter := ratelimit.New(map[string]ratelimit.Rule{
		ratelimit.ScopeAuth: {Window: time.Minute, Max: 1},
	})
	g := NewGuard(v, limiter, nil)

	for i := 0; i < 5; i++ {
		req, _ := guardedRequest("dev-api-key-12345")
		if _, err := g.Authenticate(req); err != nil {
			t.Fatalf("request %d error = %v", i+1, err)
		}
	}
	if limiter.Size() != 0 {
		t.Errorf("successful logins created %d windows", limiter.Size())
	}
}
