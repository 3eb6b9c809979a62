package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wolfeidau/pwa-cache/backend"
	"github.com/wolfeidau/pwa-cache/config"
	"github.com/wolfeidau/pwa-cache/store"
	"github.com/wolfeidau/pwa-cache/store/boltstore"
	"github.com/wolfeidau/pwa-cache/store/fsstore"
	"github.com/wolfeidau/pwa-cache/store/leveldbstore"
	"github.com/wolfeidau/pwa-cache/store/memory"
	"github.com/wolfeidau/pwa-cache/store/valkeystore"
)

// openStorage opens the configured driver wrapped with metrics.
func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.CacheStorage, error) {
	logger = logger.With("component", "storage", "driver", cfg.Storage.Driver)

	var (
		s   store.CacheStorage
		err error
	)
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		s = memory.New()
	case config.DriverBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
		s, err = boltstore.Open(cfg.Storage.Path,
			boltstore.WithLogger(logger),
			boltstore.WithNoSync(cfg.Storage.NoSync),
		)
	case config.DriverLevelDB:
		s, err = leveldbstore.Open(cfg.Storage.Path, leveldbstore.WithLogger(logger))
	case config.DriverFS:
		var fs *backend.Filesystem
		fs, err = backend.NewFilesystem(cfg.Storage.Path)
		if err != nil {
			break
		}
		s, err = fsstore.New(ctx, backend.NewInstrumentedBackend(fs, "fs"), fsstore.WithLogger(logger))
	case config.DriverValkey:
		v := cfg.Storage.Valkey
		s, err = valkeystore.New(ctx, valkeystore.Config{
			Address:  v.Address,
			Username: v.Username,
			Password: v.Password,
			DB:       v.DB,
			TLS:      v.TLS,
			Prefix:   v.Prefix,
		}, valkeystore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Driver, err)
	}
	return store.NewInstrumented(s, cfg.Storage.Driver), nil
}
