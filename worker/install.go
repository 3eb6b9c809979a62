package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/wolfeidau/pwa-cache/fetch"
	"github.com/wolfeidau/pwa-cache/store"
	"github.com/wolfeidau/pwa-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

// InstallReport lists which manifest paths were precached.
type InstallReport struct {
	Cached []string
	Failed []string
}

// handleInstall opens the static namespace and precaches the manifest. A
// manifest entry that cannot be fetched or stored is logged and skipped; it
// never fails the install.
func (w *Worker) handleInstall(ctx context.Context, ev Event) error {
	e := ev.(*InstallEvent)

	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	w.setState(StateInstalling)
	logger := w.logger.With("component", "install")

	ns, err := w.caches.Open(ctx, w.registry.StaticName())
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("opening static namespace: %w", err)
	}

	var (
		mu     sync.Mutex
		report InstallReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.installConcurrency)

	for _, path := range w.manifest {
		g.Go(func() error {
			if err := w.precache(gctx, ns, path); err != nil {
				logger.WarnContext(gctx, "precache failed", "path", path, "error", err)
				mu.Lock()
				report.Failed = append(report.Failed, path)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.Cached = append(report.Cached, path)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Cached)
	sort.Strings(report.Failed)
	e.Report = report

	telemetry.RecordInstallAssets(ctx, w.Version(), len(report.Cached), len(report.Failed))
	logger.InfoContext(ctx, "installed",
		"namespace", ns.Name(),
		"cached", len(report.Cached),
		"failed", len(report.Failed),
	)
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) precache(ctx context.Context, ns store.Namespace, path string) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parsing manifest path: %w", err)
	}
	req := &fetch.Request{
		Method:      http.MethodGet,
		URL:         w.origin.ResolveReference(ref),
		Header:      make(http.Header),
		Mode:        fetch.ModeNoCORS,
		Credentials: fetch.CredentialsSameOrigin,
		Cache:       fetch.CacheReload,
	}
	ctx = telemetry.WithStrategyContext(ctx, "install")

	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Close() }()
	if !resp.OK() {
		return fmt.Errorf("bad status %d", resp.Status)
	}

	entry, err := resp.Snapshot(req)
	if err != nil {
		return err
	}
	gate := w.writeGate()
	gate.RLock()
	defer gate.RUnlock()
	if err := ns.Put(ctx, entry); err != nil {
		return fmt.Errorf("storing %s: %w", path, err)
	}
	telemetry.RecordEntryWrite(ctx, "static", int64(len(entry.Body)))
	return nil
}
