// Package fetch models intercepted requests and single-read responses, and
// performs network fetches against the application origin.
package fetch

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Mode is the request mode reported by the browser.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
)

// Destination is the kind of resource the request is for.
type Destination string

const (
	DestinationNone     Destination = ""
	DestinationDocument Destination = "document"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationImage    Destination = "image"
	DestinationFont     Destination = "font"
	DestinationManifest Destination = "manifest"
)

// Credentials controls whether cookies and authorization are sent.
type Credentials string

const (
	CredentialsOmit       Credentials = "omit"
	CredentialsSameOrigin Credentials = "same-origin"
	CredentialsInclude    Credentials = "include"
)

// CacheMode controls HTTP cache interaction on the outgoing request.
type CacheMode string

const (
	CacheDefault CacheMode = "default"
	CacheNoStore CacheMode = "no-store"
	CacheNoCache CacheMode = "no-cache"
	CacheReload  CacheMode = "reload"
)

// MaxRequestBody bounds request bodies buffered from intercepted requests.
const MaxRequestBody = 10 << 20

// Request is an intercepted request. URL is always absolute.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Mode        Mode
	Destination Destination
	Credentials Credentials
	Cache       CacheMode
	Body        []byte
}

// NewRequest creates a GET-style request with default metadata.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing request url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %q", rawURL)
	}
	return &Request{
		Method:      method,
		URL:         u,
		Header:      make(http.Header),
		Mode:        ModeCORS,
		Credentials: CredentialsSameOrigin,
		Cache:       CacheDefault,
	}, nil
}

// MustRequest is NewRequest for tests and constants; it panics on error.
func MustRequest(method, rawURL string) *Request {
	r, err := NewRequest(method, rawURL)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRequestFromHTTP converts an incoming server request into a Request.
// Origin-form URLs are resolved against origin; absolute-form URLs (as sent
// to a forward proxy) are kept. Mode and destination come from Sec-Fetch-*
// headers, falling back to Accept: text/html for GET navigations.
func NewRequestFromHTTP(r *http.Request, origin *url.URL) (*Request, error) {
	u := *r.URL
	if !u.IsAbs() {
		u.Scheme = origin.Scheme
		u.Host = origin.Host
	}
	u.Fragment = ""
	u.RawFragment = ""

	req := &Request{
		Method:      r.Method,
		URL:         &u,
		Header:      r.Header.Clone(),
		Mode:        Mode(r.Header.Get("Sec-Fetch-Mode")),
		Destination: Destination(r.Header.Get("Sec-Fetch-Dest")),
		Credentials: CredentialsSameOrigin,
		Cache:       CacheDefault,
	}
	if req.Destination == "empty" {
		req.Destination = DestinationNone
	}
	if req.Mode == "" {
		req.Mode = ModeNoCORS
		if r.Method == http.MethodGet && acceptsHTML(r.Header) {
			req.Mode = ModeNavigate
			req.Destination = DestinationDocument
		}
	}
	switch strings.ToLower(r.Header.Get("Cache-Control")) {
	case "no-store":
		req.Cache = CacheNoStore
	case "no-cache":
		req.Cache = CacheNoCache
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		if len(body) > MaxRequestBody {
			return nil, fmt.Errorf("request body exceeds %d bytes", MaxRequestBody)
		}
		req.Body = body
	}
	return req, nil
}

func acceptsHTML(h http.Header) bool {
	for _, v := range h.Values("Accept") {
		if strings.Contains(v, "text/html") {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	out := *r
	u := *r.URL
	out.URL = &u
	out.Header = r.Header.Clone()
	if r.Body != nil {
		out.Body = bytes.Clone(r.Body)
	}
	return &out
}

// IsNavigation reports whether the request is a top-level page load.
func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate || r.Destination == DestinationDocument
}

// SameOrigin reports whether the request targets origin.
func (r *Request) SameOrigin(origin *url.URL) bool {
	return SameOrigin(r.URL, origin)
}

// SameOrigin compares scheme and host (including port) case-insensitively,
// treating an omitted default port as equal to the explicit one.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(hostPort(a), hostPort(b))
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return u.Hostname() + ":" + port
}

// Key returns the cache identity of the request: the method and the absolute
// URL including its query, without the fragment. Request headers (and any
// Vary on the response) do not take part.
func Key(r *Request) string {
	return KeyFor(r.Method, r.URL)
}

// KeyFor builds a cache key for method and u.
func KeyFor(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return strings.ToUpper(method) + " " + c.String()
}
