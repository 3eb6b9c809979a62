// Package download deduplicates concurrent network fetches for the same
// request key. When several cache-first requests miss on the same asset,
// only one network fetch is performed and every caller gets its own copy
// of the response.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/pwa-cache/fetch"
	"golang.org/x/sync/singleflight"
)

// DownloadFunc fetches the response from the network.
// The context passed to DownloadFunc is detached from any single request so
// that one caller timing out does not cancel the fetch for other waiters.
type DownloadFunc func(ctx context.Context) (*fetch.Response, error)

// Downloader deduplicates concurrent fetches for the same request key
// using singleflight. It uses DoChan so each caller can respect its own
// context deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key. The shared response
// is buffered once; each caller receives an independent clone it may read
// or store. Returns the response, whether it was shared with another caller,
// and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*fetch.Response, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		resp, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		// Buffer the body so every waiter can clone it.
		if _, err := resp.Clone(); err != nil {
			return nil, fmt.Errorf("buffering response for %s: %w", key, err)
		}
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		resp, err := res.Val.(*fetch.Response).Clone()
		if err != nil {
			return nil, res.Shared, err
		}
		if res.Shared {
			d.logger.DebugContext(ctx, "shared in-flight fetch", "key", key)
		}
		return resp, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry while an earlier fetch is still in flight.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError calls Forget if err is a real fetch failure and not the
// caller's own context expiring, so a timed-out caller never orphans the
// fetch other waiters are sharing.
func ForgetOnError(d *Downloader, key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
