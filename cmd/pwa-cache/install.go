package main

import (
	"context"
	"log/slog"
	"net/url"

	pwacache "github.com/wolfeidau/pwa-cache"
	"github.com/wolfeidau/pwa-cache/download"
	"github.com/wolfeidau/pwa-cache/fetch"
	"github.com/wolfeidau/pwa-cache/release"
	"github.com/wolfeidau/pwa-cache/store"
	"github.com/wolfeidau/pwa-cache/worker"
)

// releaseInstaller builds a worker for each new release and registers it.
type releaseInstaller struct {
	prefix      string
	caches      store.CacheStorage
	network     fetch.Network
	origin      *url.URL
	policy      *worker.Policy
	downloader  *download.Downloader
	concurrency int
	logger      *slog.Logger
	reg         *worker.Registration
}

// Install is the release watcher's handler.
func (i *releaseInstaller) Install(ctx context.Context, rel release.Release) error {
	registry, err := pwacache.NewRegistry(rel.Version, pwacache.WithPrefix(i.prefix))
	if err != nil {
		return err
	}
	// worker.New scopes the logger to the release version.
	opts := []worker.Option{
		worker.WithLogger(i.logger),
		worker.WithPolicy(i.policy),
		worker.WithDownloader(i.downloader),
		worker.WithInstallConcurrency(i.concurrency),
	}
	if len(rel.Manifest) > 0 {
		opts = append(opts, worker.WithManifest(rel.Manifest))
	}
	w, err := worker.New(registry, i.caches, i.network, i.origin, opts...)
	if err != nil {
		return err
	}
	return i.reg.Register(ctx, w)
}
