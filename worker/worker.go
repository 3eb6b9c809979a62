// Package worker implements the offline caching controller: a version-bound
// worker whose install, activate, fetch and message events are settled by an
// explicit dispatch table, and the registration that hosts the active and
// waiting workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	pwacache "github.com/wolfeidau/pwa-cache"
	"github.com/wolfeidau/pwa-cache/download"
	"github.com/wolfeidau/pwa-cache/fetch"
	"github.com/wolfeidau/pwa-cache/store"
	"github.com/wolfeidau/pwa-cache/telemetry"
)

// DefaultInstallConcurrency bounds concurrent manifest fetches during install.
const DefaultInstallConcurrency = 4

// DefaultManifest is precached when no manifest is configured: the root
// document, the web app manifest and the app icon.
var DefaultManifest = []string{"/", "/manifest.json", "/icons/icon-192.png"}

// State is the lifecycle state of a worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Scope is the set of host services a worker can call back into.
type Scope interface {
	// SkipWaiting promotes the calling worker if it is waiting.
	SkipWaiting(ctx context.Context) error
	// Claim makes the calling worker the controller of every known client.
	Claim(ctx context.Context) error
}

type noopScope struct{}

func (noopScope) SkipWaiting(context.Context) error { return nil }
func (noopScope) Claim(context.Context) error       { return nil }

// Worker is one deployed version of the caching controller.
type Worker struct {
	registry   pwacache.Registry
	caches     store.CacheStorage
	network    fetch.Network
	origin     *url.URL
	policy     *Policy
	manifest   []string
	downloader *download.Downloader
	logger     *slog.Logger

	installConcurrency int

	handlers map[EventKind]Handler

	// lifecycleMu serialises install, activate and clear; fetches never take it.
	lifecycleMu sync.Mutex

	// writes is held shared by every cache write and exclusively while
	// namespaces are deleted. A registration shares one across its workers.
	writes *sync.RWMutex

	mu    sync.RWMutex
	scope Scope
	state State
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithManifest sets the paths precached on install.
func WithManifest(paths []string) Option {
	return func(w *Worker) {
		w.manifest = append([]string(nil), paths...)
	}
}

// WithPolicy sets the request classifier.
func WithPolicy(p *Policy) Option {
	return func(w *Worker) {
		w.policy = p
	}
}

// WithDownloader sets the downloader used to deduplicate cache-first fetches.
func WithDownloader(d *download.Downloader) Option {
	return func(w *Worker) {
		w.downloader = d
	}
}

// WithInstallConcurrency bounds concurrent manifest fetches.
func WithInstallConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.installConcurrency = n
		}
	}
}

// WithScope binds the worker to host services up front. Registration.Register
// binds it otherwise.
func WithScope(s Scope) Option {
	return func(w *Worker) {
		w.scope = s
	}
}

// New creates a worker for registry serving the application at origin.
func New(registry pwacache.Registry, caches store.CacheStorage, network fetch.Network, origin *url.URL, opts ...Option) (*Worker, error) {
	if registry.IsZero() {
		return nil, fmt.Errorf("creating worker: %w", pwacache.ErrInvalidVersion)
	}
	if caches == nil || network == nil || origin == nil {
		return nil, errors.New("creating worker: caches, network and origin are required")
	}
	w := &Worker{
		registry:           registry,
		caches:             caches,
		network:            network,
		origin:             origin,
		manifest:           DefaultManifest,
		logger:             slog.Default(),
		installConcurrency: DefaultInstallConcurrency,
		scope:              noopScope{},
		state:              StateParsed,
		writes:             new(sync.RWMutex),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.policy == nil {
		p, err := NewPolicy(origin, PolicyConfig{})
		if err != nil {
			return nil, err
		}
		w.policy = p
	}
	if w.downloader == nil {
		w.downloader = download.New(download.WithLogger(w.logger))
	}
	w.logger = w.logger.With("version", registry.Version())

	w.handlers = map[EventKind]Handler{
		EventInstall:  w.handleInstall,
		EventActivate: w.handleActivate,
		EventFetch:    w.handleFetch,
		EventMessage:  w.handleMessage,
	}
	return w, nil
}

// Version returns the deployment version the worker is bound to.
func (w *Worker) Version() string {
	return w.registry.Version()
}

// Registry returns the worker's namespace registry.
func (w *Worker) Registry() pwacache.Registry {
	return w.registry
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Attach binds the worker to host services.
func (w *Worker) Attach(s Scope) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scope = s
}

func (w *Worker) shareWrites(mu *sync.RWMutex) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = mu
}

func (w *Worker) writeGate() *sync.RWMutex {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.writes
}

func (w *Worker) currentScope() Scope {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.scope
}

// Dispatch runs the handler registered for ev's kind and returns once the
// event has settled. Events of different kinds may be dispatched concurrently.
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	h, ok := w.handlers[ev.Kind()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind())
	}

	start := time.Now()
	err := h(ctx, ev)
	if ev.Kind() != EventFetch {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		telemetry.RecordLifecycleEvent(ctx, string(ev.Kind()), w.Version(), outcome, time.Since(start))
	}
	return err
}

// Install dispatches an install event and returns its report.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	ev := &InstallEvent{}
	err := w.Dispatch(ctx, ev)
	return ev.Report, err
}

// Activate dispatches an activate event and returns its report.
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	ev := &ActivateEvent{}
	err := w.Dispatch(ctx, ev)
	return ev.Report, err
}

// Fetch dispatches a fetch event. The boolean is false when the worker left
// the request to the default fetch.
func (w *Worker) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, bool, error) {
	ev := NewFetchEvent(req)
	if err := w.Dispatch(ctx, ev); err != nil {
		return nil, true, err
	}
	resp, ok := ev.Response()
	return resp, ok, nil
}

// PostMessage dispatches a control-channel message.
func (w *Worker) PostMessage(ctx context.Context, msg Message) error {
	return w.Dispatch(ctx, &MessageEvent{Message: msg})
}
