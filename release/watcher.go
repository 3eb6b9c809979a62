package release

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is how often the release file is re-read even when no
// filesystem event arrives (e.g. on network filesystems).
const DefaultPollInterval = time.Minute

const debounce = 25 * time.Millisecond

// Handler is called with each new release version.
type Handler func(ctx context.Context, r Release) error

// Watcher reloads the release file on change and on a fixed interval, and
// calls its handler once per new version.
type Watcher struct {
	path     string
	interval time.Duration
	handler  Handler
	logger   *slog.Logger

	mu      sync.Mutex
	current string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the poll interval. Zero or negative disables polling.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// Watch loads the release at path, hands it to handler, then keeps watching.
// The initial load must succeed. Stop releases the watcher.
func Watch(ctx context.Context, path string, handler Handler, opts ...Option) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("release: watch requires a handler")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving release file: %w", err)
	}
	w := &Watcher{
		path:     filepath.Clean(abs),
		interval: DefaultPollInterval,
		handler:  handler,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "release", "path", w.path)

	if err := w.reload(ctx); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("release: watch: %w", err)
	}
	// Watch the directory: deploys usually replace the file by rename.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("release: watch add %s: %w", filepath.Dir(w.path), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(watchCtx, fsw)
	return w, nil
}

// Current returns the version most recently handed to the handler.
func (w *Watcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop halts the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Check re-reads the release file now.
func (w *Watcher) Check(ctx context.Context) error {
	return w.reload(ctx)
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer func() { _ = fsw.Close() }()

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			w.reloadLogged(ctx)
		case <-timer.C:
			w.reloadLogged(ctx)
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.WarnContext(ctx, "watch error", "error", err)
		}
	}
}

func (w *Watcher) reloadLogged(ctx context.Context) {
	if err := w.reload(ctx); err != nil && ctx.Err() == nil {
		w.logger.WarnContext(ctx, "release reload failed", "error", err)
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	r, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if r.Version == w.current {
		return nil
	}
	if err := w.handler(ctx, r); err != nil {
		return fmt.Errorf("deploying release %s: %w", r.Version, err)
	}
	w.logger.InfoContext(ctx, "release deployed", "version", r.Version, "previous", w.current, "assets", len(r.Manifest))
	w.current = r.Version
	return nil
}
