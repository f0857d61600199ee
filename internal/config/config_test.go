package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets the given variables for the duration of the test.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		if orig, ok := os.LookupEnv(key); ok {
			os.Unsetenv(key)
			t.Cleanup(func() { os.Setenv(key, orig) })
		}
	}
}

func isolate(t *testing.T) {
	t.Helper()
	keys := []string{"GATEWAY_CONFIG"}
	for key := range plainEnvKeys {
		keys = append(keys, key)
	}
	clearEnv(t, keys...)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Environment != "development" {
		t.Errorf("environment = %q, want development", cfg.Environment)
	}
	if cfg.Credentials["development"] != "dev-api-key-12345" {
		t.Errorf("development credential = %q", cfg.Credentials["development"])
	}
	if cfg.RateLimit.Global.Window != 15*time.Minute || cfg.RateLimit.Global.Max != 100 {
		t.Errorf("global rule = %+v, want 15m/100", cfg.RateLimit.Global)
	}
	if cfg.RateLimit.Auth.Max != 5 {
		t.Errorf("auth max = %d, want 5", cfg.RateLimit.Auth.Max)
	}
	if cfg.Health.Timeout != 5*time.Second {
		t.Errorf("health timeout = %v, want 5s", cfg.Health.Timeout)
	}
	if cfg.Server.MaxBodyBytes != 10<<20 {
		t.Errorf("max body = %d, want 10MB", cfg.Server.MaxBodyBytes)
	}

	names := cfg.ServiceNames()
	if len(names) != 2 || names[0] != "orders" || names[1] != "users" {
		t.Fatalf("services = %v, want [orders users]", names)
	}
	if cfg.Services["users"].URL != "http://localhost:4001" {
		t.Errorf("users url = %q", cfg.Services["users"].URL)
	}
	if cfg.Services["orders"].Prefix != "/orders" {
		t.Errorf("orders prefix = %q", cfg.Services["orders"].Prefix)
	}

	if !cfg.Server.SecurityHeaders {
		t.Error("security headers should default on")
	}
	if len(cfg.Server.CORS.AllowedOrigins) != 3 || cfg.Server.CORS.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("cors origins = %v, want local frontend origins", cfg.Server.CORS.AllowedOrigins)
	}
	if !cfg.Server.CORS.AllowCredentials || cfg.Server.CORS.MaxAge != 10*time.Minute {
		t.Errorf("cors = %+v", cfg.Server.CORS)
	}
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	t.Setenv("PROD_KEY", "prod-secret")

	path := writeConfig(t, `
environment: production
server:
  port: 8088
  request_timeout: 20s
credentials:
  production: "${PROD_KEY}"
  staging: staging-key
rate_limit:
  global:
    window: 1m
    max: 10
services:
  users:
    url: http://users.internal:9001
  orders:
    url: http://orders.internal:9002
    health_path: /healthz
journal:
  type: sqlite
  path: /tmp/journal.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8088 {
		t.Errorf("port = %d, want 8088", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 20*time.Second {
		t.Errorf("request timeout = %v, want 20s", cfg.Server.RequestTimeout)
	}
	if cfg.Credentials["production"] != "prod-secret" {
		t.Errorf("production credential = %q, want substituted value", cfg.Credentials["production"])
	}
	if _, ok := cfg.Credentials["development"]; ok {
		t.Error("development key must not be injected outside development")
	}
	if cfg.RateLimit.Global.Window != time.Minute || cfg.RateLimit.Global.Max != 10 {
		t.Errorf("global rule = %+v", cfg.RateLimit.Global)
	}
	if cfg.Services["orders"].HealthPath != "/healthz" {
		t.Errorf("orders health path = %q", cfg.Services["orders"].HealthPath)
	}
	if cfg.Services["users"].Prefix != "/users" {
		t.Errorf("users prefix default = %q", cfg.Services["users"].Prefix)
	}
	if len(cfg.Server.CORS.AllowedOrigins) != 0 {
		t.Errorf("production cors origins = %v, want none unless configured", cfg.Server.CORS.AllowedOrigins)
	}
}

func TestLoad_FileServicesReplaceDefaults(t *testing.T) {
	isolate(t)

	path := writeConfig(t, `
services:
  payments:
    url: http://payments.internal:9003
server:
  cors:
    allowed_origins: ["https://app.example.com"]
    allow_credentials: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	names := cfg.ServiceNames()
	if len(names) != 1 || names[0] != "payments" {
		t.Fatalf("services = %v, want [payments]", names)
	}
	svc := cfg.Services["payments"]
	if svc.Prefix != "/payments" || svc.HealthPath != "/health" {
		t.Errorf("payments = %+v, want derived prefix and health path", svc)
	}

	cors := cfg.Server.CORS
	if len(cors.AllowedOrigins) != 1 || cors.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("cors origins = %v", cors.AllowedOrigins)
	}
	if cors.AllowCredentials {
		t.Error("allow_credentials: false was overridden")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)

	t.Run("plain variables", func(t *testing.T) {
		t.Setenv("PORT", "5050")
		t.Setenv("USERS_SERVICE_URL", "http://users:4001")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 5050 {
			t.Errorf("port = %d, want 5050", cfg.Server.Port)
		}
		if cfg.Services["users"].URL != "http://users:4001" {
			t.Errorf("users url = %q", cfg.Services["users"].URL)
		}
		if cfg.Log.Level != "debug" {
			t.Errorf("log level = %q, want debug", cfg.Log.Level)
		}
	})

	t.Run("prefixed variables win", func(t *testing.T) {
		t.Setenv("PORT", "5050")
		t.Setenv("GATEWAY_SERVER__PORT", "6060")
		t.Setenv("GATEWAY_RATE_LIMIT__GLOBAL__MAX", "7")

		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 6060 {
			t.Errorf("port = %d, want 6060", cfg.Server.Port)
		}
		if cfg.RateLimit.Global.Max != 7 {
			t.Errorf("global max = %d, want 7", cfg.RateLimit.Global.Max)
		}
	})
}

func TestLoad_ValidationErrors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "production without credentials",
			content: "environment: production\n",
			want:    "Credentials",
		},
		{
			name: "bad log level",
			content: `
log:
  level: verbose
`,
			want: "must be one of",
		},
		{
			name: "duplicate prefix",
			content: `
services:
  users:
    prefix: /api
  orders:
    prefix: /api
`,
			want: "already used",
		},
		{
			name: "sqlite journal without path",
			content: `
journal:
  type: sqlite
`,
			want: "journal.path",
		},
		{
			name: "invalid service url",
			content: `
services:
  users:
    url: not a url
`,
			want: "valid URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "${TEST_VAR}", "test-value"},
		{"substitution in string", "prefix-${TEST_VAR}-suffix", "prefix-test-value-suffix"},
		{"no substitution", "plain-string", "plain-string"},
		{"undefined var", "${UNDEFINED_GATEWAY_VAR}", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
