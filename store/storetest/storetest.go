// Package storetest provides a conformance suite every store driver runs.
package storetest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/pwa-cache/store"
)

// Factory returns a fresh, empty storage. The suite closes it.
type Factory func(t *testing.T) store.CacheStorage

// NewEntry builds a GET entry for url with the given body.
func NewEntry(url string, body string) *store.Entry {
	return &store.Entry{
		Method:     http.MethodGet,
		URL:        url,
		Status:     http.StatusOK,
		StatusText: "200 OK",
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Type:       "basic",
		Body:       []byte(body),
	}
}

// Run exercises the CacheStorage contract against storages from newStorage.
func Run(t *testing.T, newStorage Factory) {
	ctx := context.Background()

	open := func(t *testing.T) store.CacheStorage {
		t.Helper()
		s := newStorage(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("Open creates namespace", func(t *testing.T) {
		s := open(t)

		ok, err := s.Has(ctx, "static-v1")
		require.NoError(t, err)
		assert.False(t, ok)

		ns, err := s.Open(ctx, "static-v1")
		require.NoError(t, err)
		assert.Equal(t, "static-v1", ns.Name())

		ok, err = s.Has(ctx, "static-v1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Put and Match round-trip", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)

		e := NewEntry("https://app.example/menu/icon.png", "png-bytes")
		e.Header.Set("Cache-Control", "max-age=60")
		require.NoError(t, ns.Put(ctx, e))

		got, err := ns.Match(ctx, e.Key())
		require.NoError(t, err)
		assert.Equal(t, e.URL, got.URL)
		assert.Equal(t, http.StatusOK, got.Status)
		assert.Equal(t, []byte("png-bytes"), got.Body)
		assert.Equal(t, "max-age=60", got.Header.Get("Cache-Control"))
		assert.Equal(t, "basic", got.Type)
		assert.NotEmpty(t, got.Digest)
		assert.False(t, got.StoredAt.IsZero())
		require.NoError(t, got.Verify())
	})

	t.Run("Put replaces existing entry", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)

		require.NoError(t, ns.Put(ctx, NewEntry("https://app.example/api/menu", "old")))
		require.NoError(t, ns.Put(ctx, NewEntry("https://app.example/api/menu", "new")))

		got, err := ns.Match(ctx, "GET https://app.example/api/menu")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got.Body)

		keys, err := ns.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	})

	t.Run("Match is exact", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)
		require.NoError(t, ns.Put(ctx, NewEntry("https://app.example/api/menu?page=1", "p1")))

		_, err = ns.Match(ctx, "GET https://app.example/api/menu")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = ns.Match(ctx, "GET https://app.example/api/menu?page=2")
		require.ErrorIs(t, err, store.ErrNotFound)
		_, err = ns.Match(ctx, "GET https://app.example/api/menu?page=1")
		require.NoError(t, err)
	})

	t.Run("Put rejects non-GET and partial", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)

		post := NewEntry("https://app.example/api/orders", "{}")
		post.Method = http.MethodPost
		require.ErrorIs(t, ns.Put(ctx, post), store.ErrMethodNotCacheable)

		partial := NewEntry("https://app.example/video.mp4", "chunk")
		partial.Status = http.StatusPartialContent
		require.ErrorIs(t, ns.Put(ctx, partial), store.ErrPartialResponse)

		keys, err := ns.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Delete entry", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)
		e := NewEntry("https://app.example/app.css", "body{}")
		require.NoError(t, ns.Put(ctx, e))

		deleted, err := ns.Delete(ctx, e.Key())
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = ns.Delete(ctx, e.Key())
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = ns.Match(ctx, e.Key())
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Keys sorted", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "static-v1")
		require.NoError(t, err)
		for _, p := range []string{"/manifest.json", "/", "/icons/icon-192.png"} {
			require.NoError(t, ns.Put(ctx, NewEntry("https://app.example"+p, p)))
		}

		keys, err := ns.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"GET https://app.example/",
			"GET https://app.example/icons/icon-192.png",
			"GET https://app.example/manifest.json",
		}, keys)
	})

	t.Run("Names in creation order", func(t *testing.T) {
		s := open(t)
		for _, name := range []string{"static-v1", "runtime-v1", "static-v2", "runtime-v2"} {
			_, err := s.Open(ctx, name)
			require.NoError(t, err)
		}
		// Reopening does not move a namespace.
		_, err := s.Open(ctx, "static-v1")
		require.NoError(t, err)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"static-v1", "runtime-v1", "static-v2", "runtime-v2"}, names)
	})

	t.Run("Delete namespace removes entries", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)
		e := NewEntry("https://app.example/logo.svg", "<svg/>")
		require.NoError(t, ns.Put(ctx, e))

		other, err := s.Open(ctx, "runtime-v2")
		require.NoError(t, err)
		require.NoError(t, other.Put(ctx, e))

		deleted, err := s.Delete(ctx, "runtime-v1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "runtime-v1")
		require.NoError(t, err)
		assert.False(t, deleted)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"runtime-v2"}, names)

		_, err = ns.Match(ctx, e.Key())
		require.ErrorIs(t, err, store.ErrNotFound)

		// Sibling namespace with the same key is untouched.
		_, err = other.Match(ctx, e.Key())
		require.NoError(t, err)

		// A recreated namespace starts empty.
		again, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)
		keys, err := again.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Put through stale handle recreates namespace", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)
		_, err = s.Delete(ctx, "runtime-v1")
		require.NoError(t, err)

		require.NoError(t, ns.Put(ctx, NewEntry("https://app.example/a.js", "a")))
		ok, err := s.Has(ctx, "runtime-v1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Storage Match searches namespaces in creation order", func(t *testing.T) {
		s := open(t)
		first, err := s.Open(ctx, "static-v1")
		require.NoError(t, err)
		second, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)

		require.NoError(t, second.Put(ctx, NewEntry("https://app.example/", "runtime")))
		got, err := s.Match(ctx, "GET https://app.example/")
		require.NoError(t, err)
		assert.Equal(t, []byte("runtime"), got.Body)

		require.NoError(t, first.Put(ctx, NewEntry("https://app.example/", "static")))
		got, err = s.Match(ctx, "GET https://app.example/")
		require.NoError(t, err)
		assert.Equal(t, []byte("static"), got.Body)

		_, err = s.Match(ctx, "GET https://app.example/missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Concurrent puts", func(t *testing.T) {
		s := open(t)
		ns, err := s.Open(ctx, "runtime-v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				url := fmt.Sprintf("https://app.example/img/%d.png", i)
				assert.NoError(t, ns.Put(ctx, NewEntry(url, url)))
			}()
		}
		wg.Wait()

		keys, err := ns.Keys(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 16)
	})
}
