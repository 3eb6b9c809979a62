package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/wolfeidau/pwa-cache/download"
	"github.com/wolfeidau/pwa-cache/fetch"
	"github.com/wolfeidau/pwa-cache/store"
	"github.com/wolfeidau/pwa-cache/telemetry"
)

var rootRef = &url.URL{Path: "/"}

// handleFetch classifies the request and runs the matching strategy. A
// returned error is a fetch rejection: the network failed and no cached
// response could stand in.
func (w *Worker) handleFetch(ctx context.Context, ev Event) error {
	e := ev.(*FetchEvent)
	req := e.Request

	strategy := w.policy.Classify(req)
	e.Strategy = strategy
	if strategy == StrategyBypass {
		telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
		return nil
	}

	telemetry.SetStrategy(ctx, string(strategy))
	telemetry.SetVersion(ctx, w.Version())
	ctx = telemetry.WithStrategyContext(ctx, string(strategy))

	var (
		resp *fetch.Response
		err  error
	)
	switch strategy {
	case StrategyNetworkOnly:
		resp, err = w.networkOnly(ctx, req)
	case StrategyNavigation:
		resp, err = w.navigation(ctx, req)
	case StrategyNetworkFirst:
		resp, err = w.networkFirst(ctx, req)
	case StrategyCacheFirst:
		resp, err = w.cacheFirst(ctx, req)
	default:
		resp, err = w.networkFallback(ctx, req)
	}
	if err != nil {
		return err
	}
	e.RespondWith(resp)
	return nil
}

// networkOnly never touches the cache. The request goes out with storage
// disabled and credentials included, whatever its method.
func (w *Worker) networkOnly(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	out := req.Clone()
	out.Cache = fetch.CacheNoStore
	out.Credentials = fetch.CredentialsInclude
	telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
	return w.network.Fetch(ctx, out)
}

// navigation always prefers the live document and never writes it. Offline
// it serves the exact cached page, then the cached root document.
func (w *Worker) navigation(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	resp, netErr := w.network.Fetch(ctx, req)
	if netErr == nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
		return resp, nil
	}

	if resp, ok := w.match(ctx, fetch.Key(req)); ok {
		return resp, nil
	}
	root := fetch.KeyFor(http.MethodGet, w.origin.ResolveReference(rootRef))
	if resp, ok := w.match(ctx, root); ok {
		return resp, nil
	}
	return nil, netErr
}

// networkFirst returns the live response and stores a clone of it in the
// runtime namespace. Offline it serves the exact cached entry.
func (w *Worker) networkFirst(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	resp, netErr := w.network.Fetch(ctx, req)
	if netErr == nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
		w.populate(ctx, req, resp)
		return resp, nil
	}
	if resp, ok := w.match(ctx, fetch.Key(req)); ok {
		return resp, nil
	}
	return nil, netErr
}

// cacheFirst serves a cached entry when there is one. On a miss the network
// response is stored if it is ok and not opaque. Concurrent misses for the
// same key share one fetch.
func (w *Worker) cacheFirst(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	key := fetch.Key(req)
	entry, err := w.caches.Match(ctx, key)
	switch {
	case err == nil:
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return fetch.ResponseFromEntry(entry), nil
	case !errors.Is(err, store.ErrNotFound):
		w.logger.WarnContext(ctx, "cache lookup failed", "key", key, "error", err)
	}

	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	if !shareable(req) {
		resp, err := w.network.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		w.populate(ctx, req, resp)
		return resp, nil
	}
	resp, _, err := w.downloader.Do(ctx, key, func(ctx context.Context) (*fetch.Response, error) {
		return w.network.Fetch(ctx, req)
	})
	if err != nil {
		download.ForgetOnError(w.downloader, key, err)
		return nil, err
	}
	if resp.Cacheable() {
		w.populate(ctx, req, resp)
	}
	return resp, nil
}

// shareable reports whether concurrent callers may receive the same network
// response. The key carries neither body nor Range, so only full GETs qualify.
func shareable(req *fetch.Request) bool {
	return req.Method == http.MethodGet && req.Header.Get("Range") == ""
}

// networkFallback is the default: live response, exact cached entry when
// offline, and no writes.
func (w *Worker) networkFallback(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	resp, netErr := w.network.Fetch(ctx, req)
	if netErr == nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
		return resp, nil
	}
	if resp, ok := w.match(ctx, fetch.Key(req)); ok {
		return resp, nil
	}
	return nil, netErr
}

// match looks key up in every namespace. Storage errors count as a miss.
func (w *Worker) match(ctx context.Context, key string) (*fetch.Response, bool) {
	entry, err := w.caches.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.WarnContext(ctx, "cache fallback lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheFallback)
	return fetch.ResponseFromEntry(entry), true
}

// populate writes a snapshot of resp into the runtime namespace. Failures are
// logged and never reach the caller; resp itself stays unconsumed. A replaced
// worker no longer writes, so its namespaces stay deleted.
func (w *Worker) populate(ctx context.Context, req *fetch.Request, resp *fetch.Response) {
	if req.Method != http.MethodGet || !resp.Cacheable() || resp.Status == http.StatusPartialContent {
		return
	}
	gate := w.writeGate()
	gate.RLock()
	defer gate.RUnlock()
	if w.State() == StateRedundant {
		w.logger.DebugContext(ctx, "skipping cache write from replaced worker", "key", fetch.Key(req))
		return
	}
	// The write outlives a client that disconnects after receiving headers.
	ctx = context.WithoutCancel(ctx)
	if err := w.put(ctx, req, resp); err != nil {
		w.logger.WarnContext(ctx, "cache write failed",
			"key", fetch.Key(req),
			"namespace", w.registry.RuntimeName(),
			"error", err,
		)
	}
}

func (w *Worker) put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := resp.Snapshot(req)
	if err != nil {
		return fmt.Errorf("snapshotting response: %w", err)
	}
	ns, err := w.caches.Open(ctx, w.registry.RuntimeName())
	if err != nil {
		return fmt.Errorf("opening runtime namespace: %w", err)
	}
	if err := ns.Put(ctx, entry); err != nil {
		return err
	}
	telemetry.RecordEntryWrite(ctx, "runtime", int64(len(entry.Body)))
	return nil
}
