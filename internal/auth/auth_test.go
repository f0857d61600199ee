package auth

import (
	"bytes"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/service-gateway/internal/domain"
)

func newTestValidator(buf *bytes.Buffer) *Validator {
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewValidator(map[string]string{
		"development": "dev-api-key-12345",
		"production":  "prod-api-key-67890",
	}, logger)
}

func TestValidator_Validate(t *testing.T) {
	var buf bytes.Buffer
	v := newTestValidator(&buf)

	tests := []struct {
		name    string
		key     string
		wantEnv string
		wantErr domain.ErrorKind
	}{
		{"development key", "dev-api-key-12345", "development", ""},
		{"production key", "prod-api-key-67890", "production", ""},
		{"missing key", "", "", domain.KindMissingCredential},
		{"unknown key", "not-a-real-key", "", domain.KindInvalidCredential},
		{"prefix of valid key", "dev-api-key", "", domain.KindInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := v.Validate(tt.key)
			if tt.wantErr != "" {
				if !domain.IsKind(err, tt.wantErr) {
					t.Fatalf("Validate() error = %v, want kind %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
			if env != tt.wantEnv {
				t.Errorf("Validate() = %q, want %q", env, tt.wantEnv)
			}
		})
	}
}

func TestValidator_StatusCodes(t *testing.T) {
	v := NewValidator(map[string]string{"development": "k-123456"}, nil)

	_, err := v.Validate("")
	if got := domain.AsError(err).HTTPStatusCode(); got != 401 {
		t.Errorf("missing credential status = %d, want 401", got)
	}

	_, err = v.Validate("wrong")
	if got := domain.AsError(err).HTTPStatusCode(); got != 403 {
		t.Errorf("invalid credential status = %d, want 403", got)
	}
}

func TestValidator_NeverLogsFullKey(t *testing.T) {
	var buf bytes.Buffer
	v := newTestValidator(&buf)

	v.Validate("prod-api-key-67890")
	v.Validate("attacker-guess-000000")

	out := buf.String()
	if strings.Contains(out, "prod-api-key-67890") {
		t.Errorf("log contains full valid key: %s", out)
	}
	if strings.Contains(out, "attacker-guess-000000") {
		t.Errorf("log contains full rejected key: %s", out)
	}
	if !strings.Contains(out, "prod-api...") {
		t.Errorf("expected redacted key in log, got: %s", out)
	}
}

func TestValidator_SkipsEmptyKeys(t *testing.T) {
	v := NewValidator(map[string]string{"development": "", "production": "p-key-1"}, nil)

	envs := v.Environments()
	if len(envs) != 1 || envs[0] != "production" {
		t.Errorf("Environments() = %v, want [production]", envs)
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"x-api-key header", map[string]string{"x-api-key": "abc"}, "abc"},
		{"bearer token", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"lowercase bearer", map[string]string{"Authorization": "bearer abc"}, "abc"},
		{"raw authorization", map[string]string{"Authorization": "abc"}, "abc"},
		{"x-api-key wins", map[string]string{"x-api-key": "one", "Authorization": "Bearer two"}, "one"},
		{"absent", map[string]string{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/users", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ExtractAPIKey(req); got != tt.want {
				t.Errorf("ExtractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "none"},
		{"dev-api-key-12345", "dev-api-..."},
		{"abcd", "ab..."},
		{"x", "..."},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := Redact(tt.key); got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}
