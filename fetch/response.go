package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/wolfeidau/pwa-cache/store"
)

// ErrBodyUsed is returned when cloning or reading a response whose body was
// already consumed.
var ErrBodyUsed = errors.New("response body already used")

// ResponseType mirrors the browser's response tainting.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Response is a fetched or cached response. Its body can be read once; take
// a Clone before reading if the body is needed twice.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Type       ResponseType
	URL        string

	mu   sync.Mutex
	body io.ReadCloser
	buf  []byte // set once the body has been buffered for cloning
	used bool
}

// NewResponse creates a response with an in-memory body.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		Status:     status,
		StatusText: statusText(status),
		Header:     header,
		Type:       TypeBasic,
		body:       io.NopCloser(bytes.NewReader(body)),
		buf:        body,
	}
}

// NewStreamResponse wraps a streaming body such as an http.Response body.
func NewStreamResponse(status int, header http.Header, typ ResponseType, url string, body io.ReadCloser) *Response {
	if body == nil {
		body = http.NoBody
	}
	return &Response{
		Status:     status,
		StatusText: statusText(status),
		Header:     header,
		Type:       typ,
		URL:        url,
		body:       body,
	}
}

// ResponseFromEntry rebuilds a response from a cached snapshot.
func ResponseFromEntry(e *store.Entry) *Response {
	r := NewResponse(e.Status, e.Header.Clone(), bytes.Clone(e.Body))
	r.StatusText = e.StatusText
	r.Type = ResponseType(e.Type)
	r.URL = e.URL
	return r
}

func statusText(status int) string {
	if status == 0 {
		return ""
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}

// OK reports whether the status is in the 200-299 range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Cacheable reports whether a cache-first strategy may persist the response:
// an ok status, not opaque, not an error.
func (r *Response) Cacheable() bool {
	return r.OK() && r.Type != TypeOpaque && r.Type != TypeError
}

// BodyUsed reports whether the body has been read.
func (r *Response) BodyUsed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Body returns the body for reading and marks it used.
func (r *Response) Body() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	r.used = true
	return r.body, nil
}

// Bytes reads and closes the whole body.
func (r *Response) Bytes() ([]byte, error) {
	rc, err := r.Body()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return data, nil
}

// Clone returns an independent copy whose body can be read without
// consuming this response. The body is buffered on first clone.
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	if r.buf == nil {
		data, err := io.ReadAll(r.body)
		_ = r.body.Close()
		if err != nil {
			r.used = true
			return nil, fmt.Errorf("buffering response body: %w", err)
		}
		r.buf = data
		r.body = io.NopCloser(bytes.NewReader(data))
	}
	return &Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		Type:       r.Type,
		URL:        r.URL,
		body:       io.NopCloser(bytes.NewReader(r.buf)),
		buf:        r.buf,
	}, nil
}

// Snapshot reads a clone of the response into a cache entry for req,
// leaving the response itself unconsumed.
func (r *Response) Snapshot(req *Request) (*store.Entry, error) {
	c, err := r.Clone()
	if err != nil {
		return nil, err
	}
	body, err := c.Bytes()
	if err != nil {
		return nil, err
	}
	return &store.Entry{
		Method:     http.MethodGet,
		URL:        KeyFor(http.MethodGet, req.URL)[len(http.MethodGet)+1:],
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		Type:       string(r.Type),
		Body:       body,
	}, nil
}

// Close releases the body without reading it.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used = true
	return r.body.Close()
}
