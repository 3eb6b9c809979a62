package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/pwa-cache/fetch"
	"github.com/wolfeidau/pwa-cache/telemetry"
)

// ErrNoWorker is returned when a message is posted with no worker registered.
var ErrNoWorker = errors.New("no worker registered")

// NotificationType names an event published to registration subscribers.
type NotificationType string

const (
	// NotifyUpdateInstalled is published when a new version is installed
	// and waiting behind the active one.
	NotifyUpdateInstalled NotificationType = "updateinstalled"
	// NotifyControllerChange is published when clients switch to a new
	// controlling worker.
	NotifyControllerChange NotificationType = "controllerchange"
)

// Notification is delivered to subscribers.
type Notification struct {
	Type    NotificationType `json:"type"`
	Version string           `json:"version"`
	At      time.Time        `json:"at"`
}

// Client is an open page known to the registration.
type Client struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Status summarises the registration.
type Status struct {
	Active      string `json:"active,omitempty"`
	ActiveState State  `json:"active_state,omitempty"`
	Waiting     string `json:"waiting,omitempty"`
	Clients     int    `json:"clients"`
	Controlled  int    `json:"controlled"`
	Subscribers int    `json:"subscribers"`
}

// Registration hosts the active worker and at most one waiting worker for
// an application origin. Lifecycle transitions are serialised; fetches run
// concurrently with them.
type Registration struct {
	origin  *url.URL
	network fetch.Network
	logger  *slog.Logger
	now     func() time.Time

	// mu serialises register and promote.
	mu sync.Mutex

	// writes orders cache writes of every worker against namespace deletion.
	writes sync.RWMutex

	state   sync.RWMutex
	active  *Worker
	waiting *Worker
	clients map[string]*Client

	subMu       sync.Mutex
	subscribers map[int]chan Notification
	nextSub     int
}

// RegistrationOption configures a Registration.
type RegistrationOption func(*Registration)

// WithRegistrationLogger sets the logger.
func WithRegistrationLogger(logger *slog.Logger) RegistrationOption {
	return func(r *Registration) {
		r.logger = logger
	}
}

// WithClock sets the time source used for client bookkeeping.
func WithClock(now func() time.Time) RegistrationOption {
	return func(r *Registration) {
		r.now = now
	}
}

// NewRegistration creates an empty registration. network serves requests
// no worker responds to.
func NewRegistration(origin *url.URL, network fetch.Network, opts ...RegistrationOption) *Registration {
	r := &Registration{
		origin:      origin,
		network:     network,
		logger:      slog.Default(),
		now:         time.Now,
		clients:     make(map[string]*Client),
		subscribers: make(map[int]chan Notification),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registration")
	return r
}

// scope is the Scope a registration hands to one of its workers.
type scope struct {
	r *Registration
	w *Worker
}

func (s scope) SkipWaiting(ctx context.Context) error { return s.r.promote(ctx, s.w) }
func (s scope) Claim(ctx context.Context) error       { return s.r.claim(ctx, s.w) }

// Register installs w. With no active worker it is activated straight away;
// otherwise it waits, replacing any older waiting worker, until a
// skip-waiting message promotes it. Registering the active or waiting
// version again is a no-op.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.RLock()
	active, waiting := r.active, r.waiting
	r.state.RUnlock()
	if (active != nil && active.Version() == w.Version()) || (waiting != nil && waiting.Version() == w.Version()) {
		r.logger.DebugContext(ctx, "version already registered", "version", w.Version())
		return nil
	}

	w.Attach(scope{r: r, w: w})
	w.shareWrites(&r.writes)
	if _, err := w.Install(ctx); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("installing %s: %w", w.Version(), err)
	}

	if active == nil {
		return r.activate(ctx, w)
	}

	r.state.Lock()
	if r.waiting != nil {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = w
	r.state.Unlock()

	r.logger.InfoContext(ctx, "update installed", "version", w.Version(), "active", active.Version())
	r.publish(NotifyUpdateInstalled, w.Version())
	return nil
}

// SkipWaiting promotes the waiting worker, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.state.RLock()
	waiting := r.waiting
	r.state.RUnlock()
	if waiting == nil {
		return nil
	}
	return r.promote(ctx, waiting)
}

func (r *Registration) promote(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.RLock()
	isWaiting := r.waiting == w
	r.state.RUnlock()
	if !isWaiting {
		return nil
	}
	return r.activate(ctx, w)
}

// activate makes w the active worker and runs its activate event. Callers hold mu.
func (r *Registration) activate(ctx context.Context, w *Worker) error {
	r.state.Lock()
	old := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.state.Unlock()

	if old != nil {
		old.setState(StateRedundant)
		r.logger.InfoContext(ctx, "replacing active worker", "from", old.Version(), "to", w.Version())
	}

	if _, err := w.Activate(ctx); err != nil {
		return fmt.Errorf("activating %s: %w", w.Version(), err)
	}
	return nil
}

// Claim makes the active worker control every known client.
func (r *Registration) Claim(ctx context.Context) error {
	r.state.RLock()
	active := r.active
	r.state.RUnlock()
	if active == nil {
		return nil
	}
	return r.claim(ctx, active)
}

func (r *Registration) claim(ctx context.Context, w *Worker) error {
	r.state.Lock()
	if r.active != w {
		r.state.Unlock()
		return nil
	}
	changed := 0
	for _, c := range r.clients {
		if c.Controller != w.Version() {
			c.Controller = w.Version()
			changed++
		}
	}
	total := len(r.clients)
	r.state.Unlock()

	telemetry.UpdateControlledClients(ctx, w.Version(), total)
	if changed > 0 {
		r.logger.InfoContext(ctx, "claimed clients", "version", w.Version(), "changed", changed)
		r.publish(NotifyControllerChange, w.Version())
	}
	return nil
}

// Active returns the active worker or nil.
func (r *Registration) Active() *Worker {
	r.state.RLock()
	defer r.state.RUnlock()
	return r.active
}

// Waiting returns the waiting worker or nil.
func (r *Registration) Waiting() *Worker {
	r.state.RLock()
	defer r.state.RUnlock()
	return r.waiting
}

// Touch records that the client with id is open and returns a copy of it.
// A new client is controlled by the active worker, if there is one.
func (r *Registration) Touch(id string) Client {
	now := r.now()
	r.state.Lock()
	defer r.state.Unlock()

	c, ok := r.clients[id]
	if !ok {
		c = &Client{ID: id, FirstSeen: now}
		if r.active != nil {
			c.Controller = r.active.Version()
		}
		r.clients[id] = c
	}
	c.LastSeen = now
	return *c
}

// Forget drops a client, e.g. when its page closed.
func (r *Registration) Forget(id string) {
	r.state.Lock()
	defer r.state.Unlock()
	delete(r.clients, id)
}

// Clients returns a snapshot of known clients sorted by id.
func (r *Registration) Clients() []Client {
	r.state.RLock()
	defer r.state.RUnlock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fetch routes an intercepted request through the active worker. Requests
// for other origins, requests the worker does not respond to, and requests
// arriving before any worker is active go straight to the network.
func (r *Registration) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	active := r.Active()
	if active == nil || !req.SameOrigin(r.origin) {
		telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
		return r.network.Fetch(ctx, req)
	}

	resp, responded, err := active.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !responded {
		return r.network.Fetch(ctx, req)
	}
	return resp, nil
}

// PostMessage delivers msg from the foreground application. Skip-waiting is
// delivered to the waiting worker when there is one, as a page posts it to
// registration.waiting; everything else goes to the active worker.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	r.state.RLock()
	target := r.active
	if msg.Type == MessageSkipWaiting && r.waiting != nil {
		target = r.waiting
	}
	if target == nil {
		target = r.waiting
	}
	r.state.RUnlock()

	if target == nil {
		return ErrNoWorker
	}
	return target.PostMessage(ctx, msg)
}

// Status returns the registration summary.
func (r *Registration) Status() Status {
	r.state.RLock()
	defer r.state.RUnlock()

	var s Status
	if r.active != nil {
		s.Active = r.active.Version()
		s.ActiveState = r.active.State()
		for _, c := range r.clients {
			if c.Controller == s.Active {
				s.Controlled++
			}
		}
	}
	if r.waiting != nil {
		s.Waiting = r.waiting.Version()
	}
	s.Clients = len(r.clients)

	r.subMu.Lock()
	s.Subscribers = len(r.subscribers)
	r.subMu.Unlock()
	return s
}

// Subscribe returns a channel of notifications and a function that cancels
// the subscription. Slow subscribers miss notifications rather than block
// lifecycle transitions.
func (r *Registration) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 8)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subscribers, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registration) publish(t NotificationType, version string) {
	n := Notification{Type: t, Version: version, At: r.now()}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subscribers {
		select {
		case ch <- n:
		default:
			r.logger.Warn("dropping notification for slow subscriber", "subscriber", id, "type", t)
		}
	}
}
