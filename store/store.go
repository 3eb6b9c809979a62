// Package store defines the named, versioned cache namespaces the worker
// reads and writes, and the entry snapshot they hold.
//
// Namespaces are only ever removed whole; entries carry no TTL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	pwacache "github.com/wolfeidau/pwa-cache"
)

var (
	// ErrNotFound is returned when a namespace or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMethodNotCacheable is returned when putting an entry for a non-GET request.
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")

	// ErrPartialResponse is returned when putting a 206 Partial Content response.
	ErrPartialResponse = errors.New("partial responses cannot be cached")

	// ErrCorrupted is returned when a stored body no longer matches its digest.
	ErrCorrupted = errors.New("entry body digest mismatch")
)

// CacheStorage is the set of named namespaces.
// Implementations must be safe for concurrent use.
type CacheStorage interface {
	// Open returns the namespace with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Namespace, error)

	// Has reports whether the namespace exists.
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the namespace and every entry in it.
	// Returns false (and no error) if it did not exist.
	Delete(ctx context.Context, name string) (bool, error)

	// Names returns all namespace names in creation order.
	Names(ctx context.Context) ([]string, error)

	// Match looks key up in every namespace in creation order and returns
	// the first hit. Returns ErrNotFound on a miss.
	Match(ctx context.Context, key string) (*Entry, error)

	// Close releases resources held by the storage.
	Close() error
}

// Namespace is a single named partition of key to response snapshots.
// A handle stays usable after its namespace is deleted: a later Put
// recreates the namespace, reads report ErrNotFound.
type Namespace interface {
	// Name returns the namespace name.
	Name() string

	// Match returns the entry stored under key or ErrNotFound.
	Match(ctx context.Context, key string) (*Entry, error)

	// Put stores the entry under its own Key, replacing any previous one.
	Put(ctx context.Context, e *Entry) error

	// Delete removes the entry under key. Returns false if it was absent.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns all request keys in the namespace, sorted.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is an immutable snapshot of a response, keyed by the request that produced it.
type Entry struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Type       string      `json:"type"`
	Body       []byte      `json:"body,omitempty"`
	Digest     string      `json:"digest"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Key returns the request identity the entry is stored under.
func (e *Entry) Key() string {
	return e.Method + " " + e.URL
}

// Clone returns a deep copy so callers never share header maps or body slices.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Header = e.Header.Clone()
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return &out
}

// Verify checks the body against the stored digest.
func (e *Entry) Verify() error {
	if e.Digest == "" {
		return nil
	}
	d, err := pwacache.ParseDigest(e.Digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if !d.Matches(e.Body) {
		return fmt.Errorf("%w: %s", ErrCorrupted, e.Key())
	}
	return nil
}

// Prepare validates e for storage and returns a sealed copy with the digest
// and stored-at time filled in. Every driver calls it from Put.
func Prepare(e *Entry, now time.Time) (*Entry, error) {
	if e == nil {
		return nil, fmt.Errorf("nil entry")
	}
	if e.Method != http.MethodGet {
		return nil, fmt.Errorf("%w: %s %s", ErrMethodNotCacheable, e.Method, e.URL)
	}
	if e.Status == http.StatusPartialContent {
		return nil, fmt.Errorf("%w: %s", ErrPartialResponse, e.URL)
	}
	out := e.Clone()
	out.Digest = pwacache.DigestOf(out.Body).String()
	if out.StoredAt.IsZero() {
		out.StoredAt = now.UTC()
	}
	return out, nil
}

// MatchAll implements CacheStorage.Match for drivers: it walks namespaces in
// creation order and returns the first exact hit. An entry that cannot be
// read is logged and treated as a miss in its namespace. handle must return a
// namespace handle without creating the namespace, so a concurrent Delete
// is never undone by a read.
func MatchAll(ctx context.Context, s CacheStorage, key string, handle func(name string) Namespace) (*Entry, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	for _, name := range names {
		e, err := handle(name).Match(ctx, key)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			slog.WarnContext(ctx, "skipping unreadable entry", "namespace", name, "key", key, "error", err)
		}
	}
	return nil, ErrNotFound
}

// ordered is a namespace name with its creation sequence, used by drivers
// to report Names in creation order.
type ordered struct {
	name string
	seq  uint64
}

// SortByCreation returns names ordered by their creation sequence.
func SortByCreation(seqs map[string]uint64) []string {
	list := make([]ordered, 0, len(seqs))
	for name, seq := range seqs {
		list = append(list, ordered{name: name, seq: seq})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].seq == list[j].seq {
			return list[i].name < list[j].name
		}
		return list[i].seq < list[j].seq
	})
	names := make([]string, len(list))
	for i, o := range list {
		names[i] = o.name
	}
	return names
}
