package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	pwacache "github.com/wolfeidau/pwa-cache"
	"github.com/wolfeidau/pwa-cache/fetch"
	"github.com/wolfeidau/pwa-cache/store"
	"github.com/wolfeidau/pwa-cache/store/memory"
)

const testOrigin = "https://menu.example"

// spyStorage records every cache API call made through it.
type spyStorage struct {
	inner store.CacheStorage

	mu         sync.Mutex
	ops        []string
	failDelete map[string]error
	failPut    error
}

func newSpyStorage() *spyStorage {
	return &spyStorage{inner: memory.New(), failDelete: map[string]error{}}
}

func (s *spyStorage) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *spyStorage) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *spyStorage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

func (s *spyStorage) Open(ctx context.Context, name string) (store.Namespace, error) {
	s.record("open " + name)
	ns, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyNamespace{ns: ns, spy: s}, nil
}

func (s *spyStorage) Has(ctx context.Context, name string) (bool, error) {
	s.record("has " + name)
	return s.inner.Has(ctx, name)
}

func (s *spyStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.record("delete " + name)
	s.mu.Lock()
	err := s.failDelete[name]
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.inner.Delete(ctx, name)
}

func (s *spyStorage) Names(ctx context.Context) ([]string, error) {
	s.record("names")
	return s.inner.Names(ctx)
}

func (s *spyStorage) Match(ctx context.Context, key string) (*store.Entry, error) {
	s.record("match " + key)
	return s.inner.Match(ctx, key)
}

func (s *spyStorage) Close() error { return s.inner.Close() }

type spyNamespace struct {
	ns  store.Namespace
	spy *spyStorage
}

func (n *spyNamespace) Name() string { return n.ns.Name() }

func (n *spyNamespace) Match(ctx context.Context, key string) (*store.Entry, error) {
	n.spy.record("ns.match " + key)
	return n.ns.Match(ctx, key)
}

func (n *spyNamespace) Put(ctx context.Context, e *store.Entry) error {
	n.spy.record("ns.put " + e.Key())
	n.spy.mu.Lock()
	err := n.spy.failPut
	n.spy.mu.Unlock()
	if err != nil {
		return err
	}
	return n.ns.Put(ctx, e)
}

func (n *spyNamespace) Delete(ctx context.Context, key string) (bool, error) {
	n.spy.record("ns.delete " + key)
	return n.ns.Delete(ctx, key)
}

func (n *spyNamespace) Keys(ctx context.Context) ([]string, error) {
	n.spy.record("ns.keys")
	return n.ns.Keys(ctx)
}

// fakeNetwork serves canned responses by path and records every request.
type fakeNetwork struct {
	mu       sync.Mutex
	offline  bool
	routes   map[string]func() *fetch.Response
	requests []*fetch.Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: map[string]func() *fetch.Response{}}
}

func (n *fakeNetwork) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req.Clone())
	if n.offline {
		return nil, fmt.Errorf("%w: offline", fetch.ErrNetwork)
	}
	if h, ok := n.routes[req.URL.Path]; ok {
		return h(), nil
	}
	return fetch.NewResponse(http.StatusNotFound, nil, []byte("not found")), nil
}

func (n *fakeNetwork) serve(path string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = func() *fetch.Response {
		return fetch.NewResponse(status, http.Header{"Content-Type": {contentType}}, []byte(body))
	}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) Requests() []*fetch.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fetch.Request(nil), n.requests...)
}

func (n *fakeNetwork) count(path string) int {
	c := 0
	for _, r := range n.Requests() {
		if r.URL.Path == path {
			c++
		}
	}
	return c
}

func originURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return u
}

func newTestWorker(t *testing.T, version string, caches store.CacheStorage, network fetch.Network, opts ...Option) *Worker {
	t.Helper()
	w, err := New(pwacache.MustRegistry(version), caches, network, originURL(t), opts...)
	require.NoError(t, err)
	return w
}

func get(path string) *fetch.Request {
	req := fetch.MustRequest(http.MethodGet, testOrigin+path)
	req.Mode = fetch.ModeNoCORS
	return req
}

func navigate(path string) *fetch.Request {
	req := fetch.MustRequest(http.MethodGet, testOrigin+path)
	req.Mode = fetch.ModeNavigate
	req.Destination = fetch.DestinationDocument
	return req
}

func readBody(t *testing.T, resp *fetch.Response) string {
	t.Helper()
	body, err := resp.Bytes()
	require.NoError(t, err)
	return string(body)
}

func seed(t *testing.T, caches store.CacheStorage, namespace, path, contentType, body string) {
	t.Helper()
	ns, err := caches.Open(context.Background(), namespace)
	require.NoError(t, err)
	require.NoError(t, ns.Put(context.Background(), &store.Entry{
		Method:     http.MethodGet,
		URL:        testOrigin + path,
		Status:     http.StatusOK,
		StatusText: "200 OK",
		Header:     http.Header{"Content-Type": {contentType}},
		Type:       string(fetch.TypeBasic),
		Body:       []byte(body),
	}))
}

func names(t *testing.T, caches store.CacheStorage) []string {
	t.Helper()
	n, err := caches.Names(context.Background())
	require.NoError(t, err)
	return n
}
