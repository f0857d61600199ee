// Package config loads gateway configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is used when GATEWAY_CONFIG is not set.
const DefaultPath = "gateway.yaml"

type Config struct {
	// Environment is the deployment tag (development, production, ...)
	Environment string `koanf:"environment" validate:"required"`

	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Proxy     ProxyConfig     `koanf:"proxy"`
	Health    HealthConfig    `koanf:"health"`
	Journal   JournalConfig   `koanf:"journal"`
	Telemetry TelemetryConfig `koanf:"telemetry"`

	// Credentials maps environment name to its API key.
	Credentials map[string]string `koanf:"credentials" validate:"required,min=1,dive,keys,required,endkeys,required"`

	// Services maps backend name to its route and address.
	Services map[string]ServiceConfig `koanf:"services" validate:"required,min=1,dive"`
}

type ServerConfig struct {
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"min=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes" validate:"min=0"`
	TrustForwardedFor bool          `koanf:"trust_forwarded_for"`

	// SecurityHeaders adds the baseline hardening headers to every response.
	SecurityHeaders bool       `koanf:"security_headers"`
	CORS            CORSConfig `koanf:"cors"`
}

// CORSConfig controls cross-origin access. An empty origin list disables
// CORS handling.
type CORSConfig struct {
	AllowedOrigins   []string      `koanf:"allowed_origins" validate:"dive,required"`
	AllowCredentials bool          `koanf:"allow_credentials"`
	MaxAge           time.Duration `koanf:"max_age" validate:"min=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

type ServiceConfig struct {
	URL        string `koanf:"url" validate:"required,url"`
	Prefix     string `koanf:"prefix" validate:"required,startswith=/"`
	HealthPath string `koanf:"health_path" validate:"required,startswith=/"`
	// Public routes skip API key validation.
	Public bool `koanf:"public"`
}

type RateLimitConfig struct {
	Global LimitRule `koanf:"global"`
	Auth   LimitRule `koanf:"auth"`
}

type LimitRule struct {
	Window time.Duration `koanf:"window" validate:"gt=0"`
	Max    int           `koanf:"max" validate:"min=1"`
}

type ProxyConfig struct {
	// Timeout bounds the whole backend exchange; 0 leaves it to the transport.
	Timeout               time.Duration `koanf:"timeout" validate:"min=0"`
	DialTimeout           time.Duration `koanf:"dial_timeout" validate:"gt=0"`
	ResponseHeaderTimeout time.Duration `koanf:"response_header_timeout" validate:"min=0"`
}

type HealthConfig struct {
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

type JournalConfig struct {
	Type     string `koanf:"type" validate:"oneof=memory sqlite none"` // memory, sqlite, none
	Path     string `koanf:"path"`
	Capacity int    `koanf:"capacity" validate:"min=1"`
	Buffer   int    `koanf:"buffer" validate:"min=1"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// ServiceNames returns the configured backend names in sorted order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// plainEnvKeys maps the unprefixed variables honoured for local development.
var plainEnvKeys = map[string]string{
	"APP_ENV":            "environment",
	"PORT":               "server.port",
	"LOG_LEVEL":          "log.level",
	"USERS_SERVICE_URL":  "services.users.url",
	"ORDERS_SERVICE_URL": "services.orders.url",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path (if it exists) and the environment.
// An empty path falls back to GATEWAY_CONFIG and then DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("GATEWAY_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	// A file that names its backends replaces the built-in pair.
	fileServices := k.Exists("services")

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return plainEnvKeys[s]
	}), nil); err != nil {
		return nil, err
	}

	// Prefixed variables win over the plain ones
	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k, fileServices)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for env, key := range cfg.Credentials {
		cfg.Credentials[env] = substituteEnvVars(key)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// devOrigins are the local frontend origins allowed outside production.
var devOrigins = []string{"http://localhost:3000", "http://localhost:3001", "http://localhost:5173"}

func setDefaults(k *koanf.Koanf, fileServices bool) {
	defaults := map[string]any{
		"environment":                   "development",
		"server.port":                   4000,
		"server.request_timeout":        time.Duration(0),
		"server.shutdown_timeout":       30 * time.Second,
		"server.max_body_bytes":         int64(10 << 20),
		"log.level":                     "info",
		"log.format":                    "json",
		"rate_limit.global.window":      15 * time.Minute,
		"rate_limit.global.max":         100,
		"rate_limit.auth.window":        15 * time.Minute,
		"rate_limit.auth.max":           5,
		"proxy.dial_timeout":            5 * time.Second,
		"proxy.response_header_timeout": 30 * time.Second,
		"health.timeout":                5 * time.Second,
		"journal.type":                  "memory",
		"journal.capacity":              500,
		"journal.buffer":                256,
		"telemetry.service_name":        "service-gateway",
		"server.security_headers":       true,
		"server.cors.allow_credentials": true,
		"server.cors.max_age":           10 * time.Minute,
	}
	if !fileServices {
		defaults["services.users.url"] = "http://localhost:4001"
		defaults["services.orders.url"] = "http://localhost:4002"
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	for _, name := range k.MapKeys("services") {
		if !k.Exists("services." + name + ".prefix") {
			k.Set("services."+name+".prefix", "/"+name)
		}
		if !k.Exists("services." + name + ".health_path") {
			k.Set("services."+name+".health_path", "/health")
		}
	}

	if !k.Exists("server.cors.allowed_origins") && k.String("environment") != "production" {
		k.Set("server.cors.allowed_origins", devOrigins)
	}

	// Only a development deployment gets the well-known local key
	if !k.Exists("credentials") && k.String("environment") == "development" {
		k.Set("credentials.development", "dev-api-key-12345")
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
