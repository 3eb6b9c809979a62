package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pwacache "github.com/wolfeidau/pwa-cache"
	"github.com/wolfeidau/pwa-cache/fetch"
)

func TestDispatch_TableCoversEveryKind(t *testing.T) {
	w := newTestWorker(t, "v1", newSpyStorage(), newFakeNetwork())
	for _, k := range []EventKind{EventInstall, EventActivate, EventFetch, EventMessage} {
		assert.Contains(t, w.handlers, k)
	}
}

type bogusEvent struct{}

func (bogusEvent) Kind() EventKind { return "push" }

func TestDispatch_UnknownKind(t *testing.T) {
	w := newTestWorker(t, "v1", newSpyStorage(), newFakeNetwork())
	err := w.Dispatch(context.Background(), bogusEvent{})
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(pwacache.Registry{}, newSpyStorage(), newFakeNetwork(), originURL(t))
	require.Error(t, err)
}

func TestInstall_PrecachesManifest(t *testing.T) {
	caches := newSpyStorage()
	network := newFakeNetwork()
	network.serve("/", http.StatusOK, "text/html", "<html>")
	network.serve("/manifest.json", http.StatusOK, "application/manifest+json", "{}")
	network.serve("/icons/icon-192.png", http.StatusOK, "image/png", "png")
	w := newTestWorker(t, "v1", caches, network)

	report, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/icons/icon-192.png", "/manifest.json"}, report.Cached)
	assert.Empty(t, report.Failed)
	assert.Equal(t, StateInstalled, w.State())

	ns, err := caches.inner.Open(context.Background(), "static-v1")
	require.NoError(t, err)
	keys, err := ns.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GET https://menu.example/",
		"GET https://menu.example/icons/icon-192.png",
		"GET https://menu.example/manifest.json",
	}, keys)

	for _, r := range network.Requests() {
		assert.Equal(t, fetch.CacheReload, r.Cache)
	}
}

func TestInstall_ToleratesBrokenAssets(t *testing.T) {
	caches := newSpyStorage()
	network := newFakeNetwork()
	network.serve("/", http.StatusOK, "text/html", "<html>")
	network.serve("/manifest.json", http.StatusOK, "application/json", "{}")
	// /icons/icon-192.png is not served: 404.
	w := newTestWorker(t, "v1", caches, network, WithManifest([]string{"/", "/manifest.json", "/icons/icon-192.png"}))

	report, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/manifest.json"}, report.Cached)
	assert.Equal(t, []string{"/icons/icon-192.png"}, report.Failed)
}

func TestInstall_OfflineStillInstalls(t *testing.T) {
	caches := newSpyStorage()
	network := newFakeNetwork()
	network.setOffline(true)
	w := newTestWorker(t, "v1", caches, network)

	report, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Cached)
	assert.Len(t, report.Failed, 3)
	assert.Equal(t, []string{"static-v1"}, names(t, caches), "install creates the static namespace")
}

func TestInstall_StorageWriteFailureIsTolerated(t *testing.T) {
	caches := newSpyStorage()
	caches.failPut = errors.New("disk full")
	network := newFakeNetwork()
	network.serve("/", http.StatusOK, "text/html", "<html>")
	w := newTestWorker(t, "v1", caches, network, WithManifest([]string{"/"}))

	report, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, report.Failed)
}

type recordingScope struct {
	mu          sync.Mutex
	claims      int
	skipWaiting int
}

func (s *recordingScope) SkipWaiting(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipWaiting++
	return nil
}

func (s *recordingScope) Claim(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	return nil
}

func TestInstall_DoesNotSkipWaiting(t *testing.T) {
	sc := &recordingScope{}
	w := newTestWorker(t, "v1", newSpyStorage(), newFakeNetwork(), WithScope(sc))

	_, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sc.skipWaiting)
	assert.Zero(t, sc.claims)
}

func TestActivate_DeletesStaleAndClaims(t *testing.T) {
	caches := newSpyStorage()
	seed(t, caches, "static-v1", "/", "text/html", "v1")
	seed(t, caches, "runtime-v1", "/api/menu", "application/json", "v1")
	seed(t, caches, "static-v2", "/", "text/html", "v2")
	seed(t, caches, "runtime-v2", "/api/menu", "application/json", "v2")
	seed(t, caches, "legacy-images", "/a.png", "image/png", "x")

	sc := &recordingScope{}
	w := newTestWorker(t, "v2", caches, newFakeNetwork(), WithScope(sc))

	report, err := w.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy-images", "runtime-v1", "static-v1"}, report.Deleted)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"static-v2", "runtime-v2"}, names(t, caches))
	assert.Equal(t, 1, sc.claims)
	assert.Equal(t, StateActivated, w.State())
}

func TestActivate_V1ThenV2(t *testing.T) {
	caches := newSpyStorage()
	network := newFakeNetwork()
	network.serve("/", http.StatusOK, "text/html", "<html>")
	network.serve("/api/menu", http.StatusOK, "application/json", "[]")

	v1 := newTestWorker(t, "V1", caches, network)
	_, err := v1.Install(context.Background())
	require.NoError(t, err)
	_, err = v1.Activate(context.Background())
	require.NoError(t, err)
	_, _, err = v1.Fetch(context.Background(), get("/api/menu"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-V1", "runtime-V1"}, names(t, caches))

	v2 := newTestWorker(t, "V2", caches, network)
	_, err = v2.Install(context.Background())
	require.NoError(t, err)
	seed(t, caches, "runtime-V2", "/api/menu", "application/json", "[]")

	_, err = v2.Activate(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-V2", "runtime-V2"}, names(t, caches))
}

func TestActivate_Idempotent(t *testing.T) {
	caches := newSpyStorage()
	seed(t, caches, "static-v1", "/", "text/html", "v1")
	seed(t, caches, "static-v2", "/", "text/html", "v2")
	w := newTestWorker(t, "v2", caches, newFakeNetwork())

	first, err := w.Activate(context.Background())
	require.NoError(t, err)
	once := names(t, caches)

	second, err := w.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, once, names(t, caches))
	assert.Equal(t, []string{"static-v1"}, first.Deleted)
	assert.Empty(t, second.Deleted)
	assert.Empty(t, second.Failed)
}

func TestActivate_ConcurrentDoubleTrigger(t *testing.T) {
	caches := newSpyStorage()
	seed(t, caches, "static-v1", "/", "text/html", "v1")
	seed(t, caches, "runtime-v1", "/x.js", "text/javascript", "v1")
	seed(t, caches, "static-v2", "/", "text/html", "v2")
	w := newTestWorker(t, "v2", caches, newFakeNetwork())

	var wg sync.WaitGroup
	reports := make([]ActivateReport, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			reports[i], err = w.Activate(context.Background())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{"static-v2"}, names(t, caches))
	assert.Equal(t, 2, len(reports[0].Deleted)+len(reports[1].Deleted), "each stale namespace is deleted once")

	deletes := 0
	for _, op := range caches.Ops() {
		if op == "delete static-v1" {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestActivate_DeletionFailureDoesNotBlockSiblings(t *testing.T) {
	caches := newSpyStorage()
	seed(t, caches, "static-v1", "/", "text/html", "v1")
	seed(t, caches, "runtime-v1", "/a.js", "text/javascript", "v1")
	seed(t, caches, "static-v0", "/", "text/html", "v0")
	caches.failDelete["runtime-v1"] = errors.New("storage unavailable")

	w := newTestWorker(t, "v2", caches, newFakeNetwork())
	report, err := w.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v0", "static-v1"}, report.Deleted)
	assert.Equal(t, []string{"runtime-v1"}, report.Failed)
	assert.Equal(t, []string{"runtime-v1"}, names(t, caches))
}

func TestMessage_ClearCache(t *testing.T) {
	caches := newSpyStorage()
	seed(t, caches, "static-v2", "/", "text/html", "v2")
	seed(t, caches, "runtime-v2", "/menu/icon.png", "image/png", "cached-icon")
	seed(t, caches, "runtime-v1", "/old.js", "text/javascript", "old")

	network := newFakeNetwork()
	network.serve("/menu/icon.png", http.StatusOK, "image/png", "network-icon")
	w := newTestWorker(t, "v2", caches, network)

	require.NoError(t, w.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	assert.Empty(t, names(t, caches))

	resp, _, err := w.Fetch(context.Background(), get("/menu/icon.png"))
	require.NoError(t, err)
	assert.Equal(t, "network-icon", readBody(t, resp))
	assert.Equal(t, 1, network.count("/menu/icon.png"))

	// Repeating the purge is a no-op.
	require.NoError(t, w.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	require.NoError(t, w.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	assert.Empty(t, names(t, caches))
}

func TestMessage_ClearCacheReportsFailures(t *testing.T) {
	caches := newSpyStorage()
	seed(t, caches, "static-v1", "/", "text/html", "v1")
	seed(t, caches, "runtime-v1", "/a.js", "text/javascript", "v1")
	caches.failDelete["static-v1"] = errors.New("locked")

	w := newTestWorker(t, "v1", caches, newFakeNetwork())
	err := w.PostMessage(context.Background(), Message{Type: MessageClearCache})
	require.Error(t, err)
	assert.Equal(t, []string{"static-v1"}, names(t, caches))
}

func TestMessage_SkipWaitingCallsScope(t *testing.T) {
	sc := &recordingScope{}
	w := newTestWorker(t, "v1", newSpyStorage(), newFakeNetwork(), WithScope(sc))

	require.NoError(t, w.PostMessage(context.Background(), Message{Type: MessageSkipWaiting}))
	assert.Equal(t, 1, sc.skipWaiting)
}

func TestMessage_UnknownIgnored(t *testing.T) {
	caches := newSpyStorage()
	seed(t, caches, "static-v1", "/", "text/html", "v1")
	caches.Reset()
	sc := &recordingScope{}
	w := newTestWorker(t, "v1", caches, newFakeNetwork(), WithScope(sc))

	for _, typ := range []MessageType{"", "skip_waiting", "PUSH", "CLEAR_CACHES"} {
		require.NoError(t, w.PostMessage(context.Background(), Message{Type: typ}))
	}
	assert.Empty(t, caches.Ops())
	assert.Zero(t, sc.skipWaiting)
}

func TestParseMessage(t *testing.T) {
	m, err := ParseMessage([]byte(`{"type":"SKIP_WAITING"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageSkipWaiting, m.Type)
	assert.True(t, m.Recognised())

	m, err = ParseMessage([]byte(`{"type":"HELLO","extra":1}`))
	require.NoError(t, err)
	assert.False(t, m.Recognised())

	_, err = ParseMessage([]byte(`not json`))
	require.Error(t, err)
}
