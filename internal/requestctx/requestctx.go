// Package requestctx builds the per-request context that flows through every
// pipeline stage: request id, start time, client identity and environment.
package requestctx

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID carries the request id on both the inbound response and
// the outbound backend request.
const HeaderRequestID = "X-Request-ID"

type contextKey struct{}

// Context is owned by a single request. Only Environment and the redacted
// credential change after creation, and only the key validation stage sets
// them.
type Context struct {
	RequestID      string
	StartTime      time.Time
	ClientIdentity string

	environment string
	credential  string
}

// New creates a request context with a fresh id. The start time carries a
// monotonic clock reading.
func New(clientIdentity, environment string) *Context {
	return &Context{
		RequestID:      NewRequestID(),
		StartTime:      time.Now(),
		ClientIdentity: clientIdentity,
		environment:    environment,
	}
}

// NewRequestID returns an opaque, unique request identifier.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// Environment returns the environment tag for the request.
func (c *Context) Environment() string {
	return c.environment
}

// Credential returns the redacted credential, or "none".
func (c *Context) Credential() string {
	if c.credential == "" {
		return "none"
	}
	return c.credential
}

// Authenticate records the environment of the matched key and its redacted
// form.
func (c *Context) Authenticate(environment, redactedKey string) {
	c.environment = environment
	c.credential = redactedKey
}

// Elapsed returns the time since the request entered the gateway.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}

// ElapsedMillis returns Elapsed in fractional milliseconds.
func (c *Context) ElapsedMillis() float64 {
	return float64(c.Elapsed().Microseconds()) / 1000
}

// WithContext stores rc in ctx.
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext retrieves the request context.
// Returns nil if none is set.
func FromContext(ctx context.Context) *Context {
	if rc, ok := ctx.Value(contextKey{}).(*Context); ok {
		return rc
	}
	return nil
}

// GetRequestID retrieves the request ID from context.
// Returns an empty string if no request context is set.
func GetRequestID(ctx context.Context) string {
	if rc := FromContext(ctx); rc != nil {
		return rc.RequestID
	}
	return ""
}

// Middleware creates the request context before any other stage runs.
// The request id is echoed in the X-Request-ID response header.
func Middleware(environment string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromContext(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}
			rc := New(ClientIdentity(r), environment)
			w.Header().Set(HeaderRequestID, rc.RequestID)
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), rc)))
		})
	}
}

// ClientIdentity derives the rate-limit identity from the remote address.
// X-Forwarded-For is only honoured when a RealIP middleware rewrote
// RemoteAddr upstream of this one.
func ClientIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
