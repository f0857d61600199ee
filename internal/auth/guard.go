package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/ratelimit"
	"github.com/tjfontaine/service-gateway/internal/requestctx"
)

// AttemptLimiter counts failed authentication attempts.
type AttemptLimiter interface {
	Admit(scope, identity string) (ratelimit.Decision, error)
	Exhausted(scope, identity string) (ratelimit.Decision, bool)
}

// Guard gates protected routes: it extracts the key, validates it and
// records the outcome on the request context. Failed attempts are counted
// per client in the auth scope; once that allowance is spent, requests are
// rejected before the key is looked at.
type Guard struct {
	validator *Validator
	attempts  AttemptLimiter
	logger    *slog.Logger
}

// NewGuard creates a guard. attempts may be nil to disable brute-force
// limiting.
func NewGuard(v *Validator, attempts AttemptLimiter, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{validator: v, attempts: attempts, logger: logger}
}

// Authenticate validates the request's key and returns the environment it
// belongs to. On success the request context is updated.
func (g *Guard) Authenticate(r *http.Request) (string, error) {
	rc := requestctx.FromContext(r.Context())
	identity := requestctx.ClientIdentity(r)
	if rc != nil {
		identity = rc.ClientIdentity
	}

	if g.attempts != nil {
		if d, exhausted := g.attempts.Exhausted(ratelimit.ScopeAuth, identity); exhausted {
			return "", tooManyAttempts(d)
		}
	}

	key := ExtractAPIKey(r)
	env, err := g.validator.Validate(key)
	if err != nil {
		return "", g.recordFailure(r, identity, err)
	}

	if rc != nil {
		rc.Authenticate(env, Redact(key))
	}
	return env, nil
}

func (g *Guard) recordFailure(r *http.Request, identity string, authErr error) error {
	if g.attempts == nil {
		return authErr
	}

	d, err := g.attempts.Admit(ratelimit.ScopeAuth, identity)
	if err != nil {
		g.logger.ErrorContext(r.Context(), "auth attempt limiter", slog.String("error", err.Error()))
		return authErr
	}
	if !d.Allowed {
		g.logger.WarnContext(r.Context(), "authentication attempts exhausted",
			slog.String("request_id", requestctx.GetRequestID(r.Context())),
			slog.String("client", identity))
		return tooManyAttempts(d)
	}
	return authErr
}

func tooManyAttempts(d ratelimit.Decision) error {
	return domain.ErrRateLimitExceeded(
		"Too many authentication attempts, please try again later",
		time.Duration(d.RetryAfterSeconds())*time.Second)
}
