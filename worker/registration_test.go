package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/pwa-cache/fetch"
)

func newTestRegistration(t *testing.T, network fetch.Network) *Registration {
	t.Helper()
	return NewRegistration(originURL(t), network)
}

func appNetwork() *fakeNetwork {
	n := newFakeNetwork()
	n.serve("/", http.StatusOK, "text/html", "<html>")
	n.serve("/manifest.json", http.StatusOK, "application/manifest+json", "{}")
	n.serve("/icons/icon-192.png", http.StatusOK, "image/png", "png")
	return n
}

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification")
		return Notification{}
	}
}

func assertNoNotification(t *testing.T, ch <-chan Notification) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegistration_FirstWorkerActivatesImmediately(t *testing.T) {
	caches := newSpyStorage()
	network := appNetwork()
	reg := newTestRegistration(t, network)

	reg.Touch("page-1")
	w := newTestWorker(t, "v1", caches, network)
	require.NoError(t, reg.Register(context.Background(), w))

	assert.Same(t, w, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateActivated, w.State())

	s := reg.Status()
	assert.Equal(t, "v1", s.Active)
	assert.Equal(t, 1, s.Clients)
	assert.Equal(t, 1, s.Controlled, "activate claims open clients")
}

func TestRegistration_UpdateWaitsUntilSkipWaiting(t *testing.T) {
	caches := newSpyStorage()
	network := appNetwork()
	reg := newTestRegistration(t, network)
	events, cancel := reg.Subscribe()
	defer cancel()

	v1 := newTestWorker(t, "v1", caches, network)
	require.NoError(t, reg.Register(context.Background(), v1))
	reg.Touch("page-1")

	v2 := newTestWorker(t, "v2", caches, network)
	require.NoError(t, reg.Register(context.Background(), v2))

	n := receive(t, events)
	assert.Equal(t, NotifyUpdateInstalled, n.Type)
	assert.Equal(t, "v2", n.Version)

	assert.Same(t, v1, reg.Active(), "installing never takes over open pages")
	assert.Same(t, v2, reg.Waiting())
	assert.Equal(t, StateInstalled, v2.State())
	assert.ElementsMatch(t, []string{"static-v1", "static-v2"}, names(t, caches))

	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageSkipWaiting}))

	n = receive(t, events)
	assert.Equal(t, NotifyControllerChange, n.Type)
	assert.Equal(t, "v2", n.Version)

	assert.Same(t, v2, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, []string{"static-v2"}, names(t, caches))
	assert.Equal(t, "v2", reg.Clients()[0].Controller)
}

func TestRegistration_SkipWaitingIdempotent(t *testing.T) {
	caches := newSpyStorage()
	network := appNetwork()
	reg := newTestRegistration(t, network)

	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", caches, network)))
	reg.Touch("page-1")
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v2", caches, network)))

	events, cancel := reg.Subscribe()
	defer cancel()

	for range 3 {
		require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageSkipWaiting}))
	}
	require.NoError(t, reg.SkipWaiting(context.Background()))

	n := receive(t, events)
	assert.Equal(t, NotifyControllerChange, n.Type)
	assertNoNotification(t, events)
	assert.Equal(t, "v2", reg.Status().Active)
}

func TestRegistration_NewerUpdateReplacesWaiting(t *testing.T) {
	caches := newSpyStorage()
	network := appNetwork()
	reg := newTestRegistration(t, network)

	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", caches, network)))
	v2 := newTestWorker(t, "v2", caches, network)
	require.NoError(t, reg.Register(context.Background(), v2))
	v3 := newTestWorker(t, "v3", caches, network)
	require.NoError(t, reg.Register(context.Background(), v3))

	assert.Same(t, v3, reg.Waiting())
	assert.Equal(t, StateRedundant, v2.State())

	require.NoError(t, reg.SkipWaiting(context.Background()))
	assert.Equal(t, []string{"static-v3"}, names(t, caches))
}

func TestRegistration_RegisterSameVersionNoop(t *testing.T) {
	network := appNetwork()
	reg := newTestRegistration(t, network)
	caches := newSpyStorage()

	v1 := newTestWorker(t, "v1", caches, network)
	require.NoError(t, reg.Register(context.Background(), v1))
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", caches, network)))
	assert.Same(t, v1, reg.Active())
	assert.Nil(t, reg.Waiting())
}

func TestRegistration_FetchRouting(t *testing.T) {
	caches := newSpyStorage()
	network := appNetwork()
	network.serve("/api/menu", http.StatusOK, "application/json", "[]")
	reg := newTestRegistration(t, network)

	// No active worker: straight to the network, no cache calls.
	resp, err := reg.Fetch(context.Background(), get("/api/menu"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, caches.Ops())

	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", caches, network)))
	caches.Reset()

	_, err = reg.Fetch(context.Background(), get("/api/menu"))
	require.NoError(t, err)
	assert.Contains(t, names(t, caches), "runtime-v1")

	caches.Reset()
	resp, err = reg.Fetch(context.Background(), fetch.MustRequest(http.MethodGet, "https://cdn.example/lib.js"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, caches.Ops())
}

func TestRegistration_FetchFailurePropagates(t *testing.T) {
	network := appNetwork()
	reg := newTestRegistration(t, network)
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", newSpyStorage(), network)))

	network.setOffline(true)
	_, err := reg.Fetch(context.Background(), get("/api/orders/history"))
	require.ErrorIs(t, err, fetch.ErrNetwork)
}

func TestRegistration_PostMessageWithoutWorker(t *testing.T) {
	reg := newTestRegistration(t, newFakeNetwork())
	err := reg.PostMessage(context.Background(), Message{Type: MessageClearCache})
	require.ErrorIs(t, err, ErrNoWorker)
}

func TestRegistration_ClearCacheGoesToActive(t *testing.T) {
	caches := newSpyStorage()
	network := appNetwork()
	reg := newTestRegistration(t, network)
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", caches, network)))
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v2", caches, network)))

	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	assert.Empty(t, names(t, caches))
	assert.Equal(t, "v1", reg.Status().Active, "clearing caches does not change workers")
	assert.Equal(t, "v2", reg.Status().Waiting)
}

func TestRegistration_ClientsAndClaim(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	network := appNetwork()
	reg := NewRegistration(originURL(t), network, WithClock(func() time.Time { return now }))

	c := reg.Touch("a")
	assert.Empty(t, c.Controller)
	assert.Equal(t, now, c.FirstSeen)

	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", newSpyStorage(), network)))
	c = reg.Touch("b")
	assert.Equal(t, "v1", c.Controller, "new pages are controlled by the active worker")

	clients := reg.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "v1", clients[0].Controller)

	reg.Forget("a")
	assert.Len(t, reg.Clients(), 1)

	// Claiming again changes nothing and publishes nothing.
	events, cancel := reg.Subscribe()
	defer cancel()
	require.NoError(t, reg.Claim(context.Background()))
	assertNoNotification(t, events)
}

func TestRegistration_SubscribeCancel(t *testing.T) {
	reg := newTestRegistration(t, newFakeNetwork())
	ch, cancel := reg.Subscribe()
	assert.Equal(t, 1, reg.Status().Subscribers)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Status().Subscribers)
}

// holdNetwork parks the first request for path until release is closed.
type holdNetwork struct {
	*fakeNetwork
	path    string
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newHoldNetwork(path string) *holdNetwork {
	n := &holdNetwork{
		fakeNetwork: appNetwork(),
		path:        path,
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	n.serve(path, http.StatusOK, "text/javascript", "app")
	return n
}

func (n *holdNetwork) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if req.URL.Path == n.path {
		held := false
		n.once.Do(func() { held = true })
		if held {
			close(n.started)
			<-n.release
		}
	}
	return n.fakeNetwork.Fetch(ctx, req)
}

// fetchInBackground starts a registration fetch and returns its settled result.
func fetchInBackground(reg *Registration, req *fetch.Request) <-chan string {
	done := make(chan string, 1)
	go func() {
		resp, err := reg.Fetch(context.Background(), req)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		body, err := resp.Bytes()
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- string(body)
	}()
	return done
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestRegistration_InFlightFetchAcrossPromotion(t *testing.T) {
	caches := newSpyStorage()
	network := newHoldNetwork("/assets/app.js")
	reg := newTestRegistration(t, network)

	v1 := newTestWorker(t, "v1", caches, network)
	require.NoError(t, reg.Register(context.Background(), v1))

	done := fetchInBackground(reg, get("/assets/app.js"))
	waitFor[struct{}](t, network.started)

	v2 := newTestWorker(t, "v2", caches, network)
	require.NoError(t, reg.Register(context.Background(), v2))
	require.NoError(t, reg.SkipWaiting(context.Background()))
	require.Equal(t, []string{"static-v2"}, names(t, caches))

	close(network.release)
	assert.Equal(t, "app", waitFor(t, done), "the replaced worker still answers its own fetch")
	assert.Equal(t, []string{"static-v2"}, names(t, caches), "a replaced worker never recreates its namespaces")

	resp, err := reg.Fetch(context.Background(), get("/assets/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "app", readBody(t, resp))
	assert.Equal(t, []string{"static-v2", "runtime-v2"}, names(t, caches))

	entry, err := caches.Match(context.Background(), "GET "+testOrigin+"/assets/app.js")
	require.NoError(t, err)
	assert.Equal(t, "app", string(entry.Body))
}

func TestRegistration_InFlightFetchAcrossClearCache(t *testing.T) {
	caches := newSpyStorage()
	network := newHoldNetwork("/assets/app.js")
	reg := newTestRegistration(t, network)
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", caches, network)))

	done := fetchInBackground(reg, get("/assets/app.js"))
	waitFor[struct{}](t, network.started)

	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	require.Empty(t, names(t, caches))

	close(network.release)
	assert.Equal(t, "app", waitFor(t, done))
	assert.Equal(t, []string{"runtime-v1"}, names(t, caches), "only the active version writes after a purge")
}

func TestRegistration_FetchesConcurrentWithTransitions(t *testing.T) {
	caches := newSpyStorage()
	network := appNetwork()
	for i := range 4 {
		network.serve(fmt.Sprintf("/assets/chunk-%d.js", i), http.StatusOK, "text/javascript", "chunk")
	}
	reg := newTestRegistration(t, network)
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v1", caches, network)))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := get(fmt.Sprintf("/assets/chunk-%d.js", i))
			for {
				select {
				case <-stop:
					return
				default:
				}
				resp, err := reg.Fetch(context.Background(), req)
				if assert.NoError(t, err) {
					_ = resp.Close()
				}
			}
		}(i)
	}

	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	require.NoError(t, reg.Register(context.Background(), newTestWorker(t, "v2", caches, network)))
	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	require.NoError(t, reg.SkipWaiting(context.Background()))
	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageClearCache}))

	close(stop)
	wg.Wait()

	current := reg.Active().Registry()
	for _, name := range names(t, caches) {
		assert.True(t, current.IsCurrent(name), "stale namespace %s reappeared", name)
	}
}
