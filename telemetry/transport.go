package telemetry

import (
	"io"
	"net/http"
	"sync"
	"time"
)

// InstrumentedTransport records one origin fetch metric per round trip.
// Successful fetches are recorded when the body is closed so the byte count
// covers what was actually consumed. The strategy label comes from the
// request context when the interceptor set one.
type InstrumentedTransport struct {
	base     http.RoundTripper
	fallback string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
// fallback labels fetches made outside a strategy (e.g. precaching).
func NewInstrumentedTransport(base http.RoundTripper, fallback string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, fallback: fallback}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	strategy := StrategyFromContext(ctx)
	if strategy == "" {
		strategy = t.fallback
	}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		RecordOriginFetch(ctx, strategy, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		done: func(n int64) {
			RecordOriginFetch(ctx, strategy, time.Since(start), n, statusOutcome(resp.StatusCode))
		},
	}
	return resp, nil
}

// statusOutcome buckets an origin status. Redirects are not followed by the
// network layer, so they get their own bucket.
func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status == http.StatusNotModified:
		return "not_modified"
	case status >= 300:
		return "redirect"
	}
	return "success"
}

// countingBody counts bytes read and reports them once on Close.
type countingBody struct {
	io.ReadCloser
	n    int64
	once sync.Once
	done func(n int64)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	b.once.Do(func() { b.done(b.n) })
	return b.ReadCloser.Close()
}
