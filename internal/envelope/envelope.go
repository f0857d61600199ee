// Package envelope renders the uniform JSON wrappers applied to every
// gateway response.
package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/requestctx"
)

// Tracing headers added to every response.
const (
	HeaderEnvironment    = "X-Environment"
	HeaderProcessingTime = "X-Processing-Time"
)

// TimestampFormat is ISO 8601 with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Metadata accompanies both envelope kinds. Success envelopes carry
// ProcessingTimeMs; error envelopes carry Path and Method.
type Metadata struct {
	RequestID        string   `json:"requestId"`
	Timestamp        string   `json:"timestamp"`
	Environment      string   `json:"environment"`
	ProcessingTimeMs *float64 `json:"processingTimeMs,omitempty"`
	Path             string   `json:"path,omitempty"`
	Method           string   `json:"method,omitempty"`
}

// Success is the envelope for handler results.
type Success struct {
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// ErrorBody is the client-facing description of a failure.
type ErrorBody struct {
	Message            string   `json:"message"`
	Code               string   `json:"code"`
	StatusCode         int      `json:"statusCode"`
	Field              string   `json:"field,omitempty"`
	RetryAfter         int      `json:"retryAfter,omitempty"`
	AvailableEndpoints []string `json:"availableEndpoints,omitempty"`
}

// Result is a handler's output before it is wrapped. Status defaults to 200.
// Header is merged into the response; Service names the backend that
// produced the result, if any.
type Result struct {
	Status  int
	Data    any
	Header  http.Header
	Service string
}

// Failure is the envelope for every error path.
type Failure struct {
	Error    ErrorBody `json:"error"`
	Metadata Metadata  `json:"metadata"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// roundMillis keeps two decimals.
func roundMillis(ms float64) float64 {
	return math.Round(ms*100) / 100
}

// NewSuccess wraps data with the request's metadata.
func NewSuccess(rc *requestctx.Context, data any) Success {
	ms := roundMillis(rc.ElapsedMillis())
	return Success{
		Data: data,
		Metadata: Metadata{
			RequestID:        rc.RequestID,
			Timestamp:        timestamp(time.Now()),
			Environment:      rc.Environment(),
			ProcessingTimeMs: &ms,
		},
	}
}

// NewFailure converts a gateway error into the error envelope. Only the
// client-safe parts of err are rendered.
func NewFailure(rc *requestctx.Context, r *http.Request, err *domain.Error) Failure {
	body := ErrorBody{
		Message:    err.Message,
		Code:       err.Code,
		StatusCode: err.HTTPStatusCode(),
		Field:      err.Field,
		RetryAfter: err.RetryAfterSeconds(),
	}
	if known, ok := err.Details["availableEndpoints"].([]string); ok {
		body.AvailableEndpoints = known
	}

	return Failure{
		Error: body,
		Metadata: Metadata{
			RequestID:   rc.RequestID,
			Timestamp:   timestamp(time.Now()),
			Environment: rc.Environment(),
			Path:        r.URL.Path,
			Method:      r.Method,
		},
	}
}

// SetTracingHeaders adds the request id, environment and processing time to
// the response headers.
func SetTracingHeaders(w http.ResponseWriter, rc *requestctx.Context) {
	h := w.Header()
	h.Set(requestctx.HeaderRequestID, rc.RequestID)
	h.Set(HeaderEnvironment, rc.Environment())
	h.Set(HeaderProcessingTime, fmt.Sprintf("%.2fms", rc.ElapsedMillis()))
}

// WriteSuccess writes data in a success envelope with the given status.
func WriteSuccess(w http.ResponseWriter, r *http.Request, status int, data any) error {
	rc := contextFor(r)
	SetTracingHeaders(w, rc)
	return writeJSON(w, status, NewSuccess(rc, data))
}

// WriteError writes err in the error envelope. Rate-limit errors also get a
// Retry-After header.
func WriteError(w http.ResponseWriter, r *http.Request, err error) error {
	rc := contextFor(r)
	gwErr := domain.AsError(err)

	SetTracingHeaders(w, rc)
	if secs := gwErr.RetryAfterSeconds(); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	return writeJSON(w, gwErr.HTTPStatusCode(), NewFailure(rc, r, gwErr))
}

// contextFor returns the request context, building one if the request never
// passed through requestctx.Middleware.
func contextFor(r *http.Request) *requestctx.Context {
	if rc := requestctx.FromContext(r.Context()); rc != nil {
		return rc
	}
	return requestctx.New(requestctx.ClientIdentity(r), "unknown")
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(status)
	_, err = w.Write(payload)
	return err
}
