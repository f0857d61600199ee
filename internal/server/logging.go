package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/journal"
	"github.com/tjfontaine/service-gateway/internal/requestctx"
)

// logStateKey identifies request-scoped logging state.
type logStateKey struct{}

// logState collects what handlers learn about a request so the logging
// middleware can emit it once the response is written. A request is served
// by one goroutine, so no locking is needed.
type logState struct {
	fields map[string]string
	err    *domain.Error
}

// LoggingMiddleware emits exactly one "request" event per request after the
// response has been flushed, preceded by exactly one "error" event when the
// request failed. Completed requests are also published to the journal.
// It must run after requestctx.Middleware.
func LoggingMiddleware(logger *slog.Logger, publisher *journal.Publisher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &logState{fields: make(map[string]string)}
			ctx := context.WithValue(r.Context(), logStateKey{}, state)

			// Wrap response writer to capture status code
			wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			// Hand the response to the client before logging.
			wrapped.Flush()

			rc := requestctx.FromContext(ctx)
			if rc == nil {
				rc = requestctx.New(requestctx.ClientIdentity(r), "unknown")
			}

			if state.err != nil {
				logError(ctx, logger, rc, r, state.err)
			}

			attrs := []slog.Attr{
				slog.String("request_id", rc.RequestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Float64("elapsed_ms", rc.ElapsedMillis()),
				slog.String("client", truncateClient(rc.ClientIdentity)),
				slog.String("environment", rc.Environment()),
				slog.String("api_key", rc.Credential()),
			}
			for k, v := range state.fields {
				attrs = append(attrs, slog.String(k, v))
			}
			logger.LogAttrs(ctx, slog.LevelInfo, "request", attrs...)

			if publisher != nil {
				entry := &journal.Entry{
					RequestID:   rc.RequestID,
					Method:      r.Method,
					Path:        r.URL.Path,
					Status:      wrapped.statusCode,
					DurationMs:  rc.ElapsedMillis(),
					Client:      truncateClient(rc.ClientIdentity),
					Environment: rc.Environment(),
					Credential:  rc.Credential(),
					Service:     state.fields["service"],
				}
				if state.err != nil {
					entry.ErrorCode = state.err.Code
				}
				publisher.Publish(entry)
			}
		})
	}
}

func logError(ctx context.Context, logger *slog.Logger, rc *requestctx.Context, r *http.Request, err *domain.Error) {
	status := err.HTTPStatusCode()
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("request_id", rc.RequestID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("code", err.Code),
		slog.Int("status", status),
		slog.String("message", err.Message),
	}
	if err.Service != "" {
		attrs = append(attrs, slog.String("service", err.Service))
	}
	if cause := err.Cause(); cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}
	logger.LogAttrs(ctx, level, "error", attrs...)
}

// recordError stores the request's error for the error event. Only the
// first error is kept.
func recordError(ctx context.Context, err *domain.Error) {
	if state, ok := ctx.Value(logStateKey{}).(*logState); ok && state.err == nil {
		state.err = err
	}
}

// AddLogField attaches a key/value to the request-scoped log fields so
// LoggingMiddleware can emit it. No-op if the middleware isn't present.
func AddLogField(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if state, ok := ctx.Value(logStateKey{}).(*logState); ok {
		state.fields[key] = value
	}
}

// truncateClient hides the host part of an address: the last IPv4 octet or
// everything past the first four IPv6 groups.
func truncateClient(client string) string {
	addr, err := netip.ParseAddr(client)
	if err != nil {
		if len(client) > 12 {
			return client[:12] + "..."
		}
		return client
	}
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return netip.AddrFrom4([4]byte{b[0], b[1], b[2], 0}).String() + "/24"
	}
	prefix, _ := addr.Prefix(64)
	return prefix.String()
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *loggingResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *loggingResponseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *loggingResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
