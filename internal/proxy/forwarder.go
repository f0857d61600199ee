// Package proxy relays admitted requests to backend services.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/service-gateway/internal/domain"
	"github.com/tjfontaine/service-gateway/internal/requestctx"
)

// HeaderGatewayEnvironment tells the backend which environment the caller's
// key belongs to.
const HeaderGatewayEnvironment = "X-Gateway-Environment"

// hopByHopHeaders are meaningful only for a single connection and are never
// forwarded (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request describes one outbound call.
type Request struct {
	Service  string
	Target   string
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader

	RequestID   string
	Environment string
	ClientIP    string
	Host        string
}

// URL returns the outbound URL.
func (r *Request) URL() string {
	u := strings.TrimRight(r.Target, "/") + r.Path
	if r.RawQuery != "" {
		u += "?" + r.RawQuery
	}
	return u
}

// Response is a fully read backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsJSON reports whether the backend declared a JSON body.
func (r *Response) IsJSON() bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.Contains(ct, "json")
}

// Options bounds the outbound client.
type Options struct {
	// Timeout caps the whole exchange. Zero leaves only the transport limits.
	Timeout               time.Duration
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	// Transport overrides the base round tripper, mainly for tests.
	Transport http.RoundTripper
}

// Forwarder issues backend calls. It never retries.
type Forwarder struct {
	client *http.Client
	logger *slog.Logger
}

// NewForwarder creates a forwarder whose transport is traced with otelhttp.
func NewForwarder(opts Options, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = 30 * time.Second
	}

	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   opts.DialTimeout,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	return &Forwarder{
		client: &http.Client{
			Transport: otelhttp.NewTransport(base),
			Timeout:   opts.Timeout,
			// Redirects are relayed to the caller.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Forward sends req to its backend and reads the whole response. Any
// transport failure, including a failure reading the body, becomes
// ServiceUnavailable; the cause is only logged.
func (f *Forwarder) Forward(ctx context.Context, req *Request) (*Response, error) {
	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL(), req.Body)
	if err != nil {
		return nil, domain.ErrInternal(fmt.Errorf("build %s request: %w", req.Service, err))
	}

	outReq.Header = req.Header.Clone()
	if outReq.Header == nil {
		outReq.Header = make(http.Header)
	}
	StripHopHeaders(outReq.Header)
	setForwardingHeaders(outReq.Header, req)

	start := time.Now()
	resp, err := f.client.Do(outReq)
	if err != nil {
		return nil, f.unavailable(ctx, req, err, start)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.unavailable(ctx, req, fmt.Errorf("read body: %w", err), start)
	}

	header := resp.Header.Clone()
	StripHopHeaders(header)

	f.logger.DebugContext(ctx, "backend responded",
		slog.String("request_id", req.RequestID),
		slog.String("service", req.Service),
		slog.String("url", req.URL()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	return &Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

func (f *Forwarder) unavailable(ctx context.Context, req *Request, err error, start time.Time) error {
	f.logger.WarnContext(ctx, "backend unavailable",
		slog.String("request_id", req.RequestID),
		slog.String("service", req.Service),
		slog.String("url", req.URL()),
		slog.Duration("duration", time.Since(start)),
		slog.String("error", err.Error()),
	)
	return domain.ErrServiceUnavailable(req.Service, err)
}

func setForwardingHeaders(h http.Header, req *Request) {
	// The body is re-encoded into an envelope, so let the transport
	// negotiate and decode compression itself.
	h.Del("Accept-Encoding")

	if req.RequestID != "" {
		h.Set(requestctx.HeaderRequestID, req.RequestID)
	}
	if req.Environment != "" {
		h.Set(HeaderGatewayEnvironment, req.Environment)
	}
	if req.ClientIP != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			h.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	if req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
}

// StripHopHeaders removes hop-by-hop headers, including any named in the
// Connection header.
func StripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// CopyHeaders relays backend headers to the client response. Framing
// headers are skipped because the gateway re-encodes the body.
func CopyHeaders(dst, src http.Header) {
	for k, vs := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Content-Type", "Content-Encoding":
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
