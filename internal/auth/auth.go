// Package auth validates API keys against the configured credential set.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/tjfontaine/service-gateway/internal/domain"
)

// HeaderAPIKey is the dedicated credential header.
const HeaderAPIKey = "X-API-Key"

type credential struct {
	environment string
	digest      [sha256.Size]byte
}

// Validator checks presented keys against a read-only credential set.
type Validator struct {
	credentials []credential
	logger      *slog.Logger
}

// NewValidator builds a validator from an environment -> key mapping.
// Keys are kept only as SHA-256 digests.
func NewValidator(keys map[string]string, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	envs := make([]string, 0, len(keys))
	for env := range keys {
		envs = append(envs, env)
	}
	sort.Strings(envs)

	v := &Validator{logger: logger}
	for _, env := range envs {
		if keys[env] == "" {
			continue
		}
		v.credentials = append(v.credentials, credential{
			environment: env,
			digest:      sha256.Sum256([]byte(keys[env])),
		})
	}
	return v
}

// Validate returns the environment tag of the presented key. An empty key is
// treated as absent.
func (v *Validator) Validate(key string) (string, error) {
	if key == "" {
		v.logger.Warn("api key missing")
		return "", domain.ErrMissingCredential()
	}

	// Compare against every entry so timing does not reveal which matched
	presented := sha256.Sum256([]byte(key))
	matched := ""
	for _, c := range v.credentials {
		if subtle.ConstantTimeCompare(presented[:], c.digest[:]) == 1 {
			matched = c.environment
		}
	}

	if matched == "" {
		v.logger.Warn("api key rejected", slog.String("api_key", Redact(key)))
		return "", domain.ErrInvalidCredential()
	}

	v.logger.Debug("api key accepted",
		slog.String("api_key", Redact(key)),
		slog.String("environment", matched))
	return matched, nil
}

// Environments returns the environments that have a key configured.
func (v *Validator) Environments() []string {
	envs := make([]string, 0, len(v.credentials))
	for _, c := range v.credentials {
		envs = append(envs, c.environment)
	}
	return envs
}

// ExtractAPIKey reads the key from X-API-Key, falling back to an
// Authorization bearer token. Returns "" when neither is present.
func ExtractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}

	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return authz
}

// Redact truncates a key for logging: at most eight characters and never
// more than half of the key.
func Redact(key string) string {
	if key == "" {
		return "none"
	}
	n := len(key) / 2
	if n > 8 {
		n = 8
	}
	return key[:n] + "..."
}
