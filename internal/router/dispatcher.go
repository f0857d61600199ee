package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/envelope"
	"github.com/tjfontaine/service-gateway/internal/proxy"
	"github.com/tjfontaine/service-gateway/internal/requestctx"
)

// DefaultMaxBodyBytes caps inbound request bodies.
const DefaultMaxBodyBytes = 10 << 20

// Forwarder relays a request to a backend.
type Forwarder interface {
	Forward(ctx context.Context, req *proxy.Request) (*proxy.Response, error)
}

// Authenticator gates protected routes.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Dispatcher resolves a route, applies the key gate and hands the request
// to the forwarder.
type Dispatcher struct {
	table        *Table
	auth         Authenticator
	forwarder    Forwarder
	maxBodyBytes int64
	logger       *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxBodyBytes sets the request body limit.
func WithMaxBodyBytes(n int64) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxBodyBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(table *Table, auth Authenticator, forwarder Forwarder, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		table:        table,
		auth:         auth,
		forwarder:    forwarder,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Table returns the route table.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// Serve routes r. Auth failures and unknown paths never reach a backend.
func (d *Dispatcher) Serve(r *http.Request) (*envelope.Result, error) {
	route, ok := d.table.Match(r.URL.Path)
	if !ok {
		return nil, domain.ErrRouteNotFound(r.URL.Path, d.table.KnownPaths())
	}

	if !route.Public {
		if _, err := d.auth.Authenticate(r); err != nil {
			return nil, err
		}
	}

	body, err := d.readBody(r)
	if err != nil {
		return nil, err
	}

	rc := requestctx.FromContext(r.Context())
	req := &proxy.Request{
		Service:  route.Service,
		Target:   route.Target,
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header,
		Host:     r.Host,
	}
	if len(body) > 0 {
		req.Body = bytes.NewReader(body)
	}
	if rc != nil {
		req.RequestID = rc.RequestID
		req.Environment = rc.Environment()
		req.ClientIP = rc.ClientIdentity
	}

	resp, err := d.forwarder.Forward(r.Context(), req)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	proxy.CopyHeaders(header, resp.Header)

	return &envelope.Result{
		Status:  resp.StatusCode,
		Data:    decodeBody(resp),
		Header:  header,
		Service: route.Service,
	}, nil
}

// readBody reads the request body within the size limit. Bodies declared as
// JSON must parse.
func (d *Dispatcher) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, d.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge(d.maxBodyBytes)
		}
		return nil, domain.ErrValidation("body", "Request body could not be read").WithCause(err)
	}

	if len(body) > 0 && isJSON(r.Header.Get("Content-Type")) && !json.Valid(body) {
		return nil, domain.ErrValidation("body", "Request body is not valid JSON")
	}
	return body, nil
}

func tooLarge(limit int64) error {
	return domain.ErrValidation("body", fmt.Sprintf("Request body exceeds the %d byte limit", limit))
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || (len(mt) > 5 && mt[len(mt)-5:] == "+json")
}

// decodeBody keeps JSON bodies verbatim and relays anything else as text.
func decodeBody(resp *proxy.Response) any {
	if len(resp.Body) == 0 {
		return nil
	}
	if resp.IsJSON() && json.Valid(resp.Body) {
		return json.RawMessage(resp.Body)
	}
	return string(resp.Body)
}
