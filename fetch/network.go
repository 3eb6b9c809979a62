package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/pwa-cache/telemetry"
)

// DefaultTimeout bounds a single origin fetch.
const DefaultTimeout = 30 * time.Second

// ErrNetwork is wrapped by every transport-level fetch failure. HTTP error
// statuses are responses, not failures.
var ErrNetwork = errors.New("network fetch failed")

// Network performs fetches on behalf of the worker.
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch calls f.
func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPNetwork fetches from the application origin over HTTP. Requests for
// the public origin are sent to the upstream address the application is
// actually served from; other origins are fetched as-is.
type HTTPNetwork struct {
	origin   *url.URL
	upstream *url.URL
	client   *http.Client
	logger   *slog.Logger
}

// NetworkOption configures an HTTPNetwork.
type NetworkOption func(*HTTPNetwork)

// WithHTTPClient sets a custom HTTP client. The client's transport is used
// as given, without metrics.
func WithHTTPClient(client *http.Client) NetworkOption {
	return func(n *HTTPNetwork) {
		n.client = client
	}
}

// WithUpstream routes same-origin fetches to upstream instead of the public origin.
func WithUpstream(upstream *url.URL) NetworkOption {
	return func(n *HTTPNetwork) {
		n.upstream = upstream
	}
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(d time.Duration) NetworkOption {
	return func(n *HTTPNetwork) {
		n.client.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) NetworkOption {
	return func(n *HTTPNetwork) {
		n.logger = logger
	}
}

// NewHTTPNetwork creates a network client for the application at origin.
func NewHTTPNetwork(origin *url.URL, opts ...NetworkOption) *HTTPNetwork {
	n := &HTTPNetwork{
		origin:   origin,
		upstream: origin,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "passthrough"),
			// Redirects go back to the browser, which follows them itself.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Fetch performs req against the network.
func (n *HTTPNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	sameOrigin := req.SameOrigin(n.origin)

	target := *req.URL
	target.Fragment = ""
	target.RawFragment = ""
	if sameOrigin {
		target.Scheme = n.upstream.Scheme
		target.Host = n.upstream.Host
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	out.Header = n.outgoingHeader(req, sameOrigin)
	if sameOrigin {
		out.Host = n.origin.Host
	}

	resp, err := n.client.Do(out)
	if err != nil {
		n.logger.DebugContext(ctx, "network fetch failed",
			"method", req.Method,
			"url", req.URL.String(),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	typ := TypeBasic
	if !sameOrigin {
		typ = TypeCORS
		if req.Mode == ModeNoCORS {
			_ = resp.Body.Close()
			return &Response{
				Header: make(http.Header),
				Type:   TypeOpaque,
				URL:    req.URL.String(),
				body:   http.NoBody,
				buf:    []byte{},
			}, nil
		}
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	r := NewStreamResponse(resp.StatusCode, header, typ, req.URL.String(), resp.Body)
	r.StatusText = resp.Status
	return r, nil
}

func (n *HTTPNetwork) outgoingHeader(req *Request, sameOrigin bool) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
	for _, v := range req.Header.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			h.Del(strings.TrimSpace(f))
		}
	}

	switch req.Credentials {
	case CredentialsOmit:
		h.Del("Cookie")
		h.Del("Authorization")
	case CredentialsSameOrigin:
		if !sameOrigin {
			h.Del("Cookie")
			h.Del("Authorization")
		}
	case CredentialsInclude:
	}

	switch req.Cache {
	case CacheNoStore:
		h.Set("Cache-Control", "no-store")
		h.Set("Pragma", "no-cache")
	case CacheNoCache, CacheReload:
		h.Set("Cache-Control", "no-cache")
		h.Set("Pragma", "no-cache")
	case CacheDefault:
	}
	return h
}
