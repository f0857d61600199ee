package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/envelope"
	"github.com/tjfontaine/service-gateway/internal/ratelimit"
	"github.com/tjfontaine/service-gateway/internal/requestctx"
)

// HandlerFunc produces a result or an error; it never writes the response
// itself.
type HandlerFunc func(r *http.Request) (*envelope.Result, error)

// handle adapts h into an http.HandlerFunc. Results are wrapped in the
// success envelope whatever their status; errors get the error envelope.
func (s *Server) handle(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := h(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeResult(w, r, res)
	}
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res *envelope.Result) {
	if res == nil {
		res = &envelope.Result{}
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}

	for k, vs := range res.Header {
		w.Header()[k] = append([]string(nil), vs...)
	}
	if res.Service != "" {
		AddLogField(r.Context(), "service", res.Service)
		s.metrics.RecordBackend(res.Service, status)
	}

	if !bodyAllowed(status) {
		if rc := requestctx.FromContext(r.Context()); rc != nil {
			envelope.SetTracingHeaders(w, rc)
		}
		w.WriteHeader(status)
		return
	}

	if err := envelope.WriteSuccess(w, r, status, res.Data); err != nil {
		s.logger.WarnContext(r.Context(), "write response", "error", err)
	}
}

// writeError renders err and records it for the request's error event.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	gwErr := domain.AsError(err)
	recordError(r.Context(), gwErr)
	s.metrics.RecordError(gwErr.Code)

	if werr := envelope.WriteError(w, r, gwErr); werr != nil {
		s.logger.WarnContext(r.Context(), "write error response", "error", werr)
	}
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// Recoverer turns a panic anywhere downstream into an InternalError
// envelope. The panic value and stack are logged, never returned.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			err := domain.ErrInternal(fmt.Errorf("panic: %v", rec))
			s.logger.ErrorContext(r.Context(), "panic recovered",
				"request_id", requestctx.GetRequestID(r.Context()),
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()))
			s.writeError(w, r, err)
		}()
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware admits each request against the global scope keyed by
// client identity. Admitted responses carry RateLimit-* headers; rejected
// requests get 429 with Retry-After.
func (s *Server) RateLimitMiddleware(limiter *ratelimit.Limiter, exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			identity := requestctx.ClientIdentity(r)
			if rc := requestctx.FromContext(r.Context()); rc != nil {
				identity = rc.ClientIdentity
			}

			d, err := limiter.Admit(ratelimit.ScopeGlobal, identity)
			if err != nil {
				// No global rule configured.
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(d.ResetSeconds()))

			if !d.Allowed {
				s.logger.WarnContext(r.Context(), "rate limit exceeded",
					"request_id", requestctx.GetRequestID(r.Context()),
					"client", truncateClient(identity),
					"retry_after", d.RetryAfterSeconds())
				s.writeError(w, r, domain.ErrRateLimitExceeded(
					"Too many requests from this client, please try again later",
					time.Duration(d.RetryAfterSeconds())*time.Second))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TimeoutMiddleware enforces request timeouts.
// If a request exceeds the specified timeout, the context is cancelled.
// Note: This does not forcibly terminate the handler, it relies on the handler
// checking context.Done() for cooperative cancellation.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
