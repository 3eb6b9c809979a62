package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/pwa-cache/config"
	"github.com/wolfeidau/pwa-cache/credentials"
	"github.com/wolfeidau/pwa-cache/credentials/opprovider"
	"github.com/wolfeidau/pwa-cache/download"
	"github.com/wolfeidau/pwa-cache/fetch"
	"github.com/wolfeidau/pwa-cache/logging"
	"github.com/wolfeidau/pwa-cache/release"
	"github.com/wolfeidau/pwa-cache/server"
	"github.com/wolfeidau/pwa-cache/telemetry"
	"github.com/wolfeidau/pwa-cache/worker"
)

// ServeCmd runs the edge service.
type ServeCmd struct {
	Listen  string `help:"Override the listen address."`
	Release string `help:"Override the release file."`
}

// Run loads configuration and serves until SIGINT or SIGTERM.
func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(config.EnvPrefix, cli.Config...).Load(ctx)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	if c.Release != "" {
		cfg.ReleaseFile = c.Release
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if cfg.CredentialsFile != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger.With("component", "credentials")),
			opprovider.WithOnePassword(),
		)
		creds, err := resolver.ResolveFile(ctx, cfg.CredentialsFile)
		if err != nil {
			return err
		}
		creds.Apply(&cfg)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "pwa-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
		FlushInterval:    cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()

	caches, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := caches.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	origin, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	upstream, err := cfg.UpstreamURL()
	if err != nil {
		return err
	}

	network := fetch.NewHTTPNetwork(origin,
		fetch.WithUpstream(upstream),
		fetch.WithTimeout(cfg.FetchTimeout),
		fetch.WithLogger(logger.With("component", "network")),
	)

	policy, err := worker.NewPolicy(origin, worker.PolicyConfig{
		SensitivePaths:         cfg.Policy.SensitivePaths,
		SensitiveHosts:         cfg.Policy.SensitiveHosts,
		SensitiveRules:         cfg.Policy.SensitiveRules,
		APISegment:             cfg.Policy.APISegment,
		NetworkFirstExtensions: cfg.Policy.NetworkFirstExtensions,
		CacheFirstExtensions:   cfg.Policy.CacheFirstExtensions,
	})
	if err != nil {
		return err
	}

	downloader := download.New(download.WithLogger(logger.With("component", "download")))
	reg := worker.NewRegistration(origin, network,
		worker.WithRegistrationLogger(logger.With("component", "registration")),
	)

	installer := &releaseInstaller{
		prefix:      cfg.NamespacePrefix,
		caches:      caches,
		network:     network,
		origin:      origin,
		policy:      policy,
		downloader:  downloader,
		concurrency: cfg.InstallConcurrency,
		logger:      logger.With("component", "worker"),
		reg:         reg,
	}

	watcher, err := release.Watch(ctx, cfg.ReleaseFile, installer.Install,
		release.WithInterval(cfg.PollInterval),
		release.WithLogger(logger.With("component", "release")),
	)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	srv, err := server.New(server.Config{
		Address:      cfg.Listen,
		Origin:       origin,
		ControlToken: cfg.ControlToken,
		OfflinePage:  cfg.OfflinePage,
		Logger:       logger,
	}, reg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"origin", origin.String(),
		"upstream", upstream.String(),
		"storage", cfg.Storage.Driver,
		"release", watcher.Current(),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
