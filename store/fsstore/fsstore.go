// Package fsstore implements store.CacheStorage on a backend.Backend, one
// framed file per entry and one index file per namespace.
//
// Layout:
//
//	index/<blake3(name)>                         -> {"name", "seq"}
//	ns/<blake3(name)>/<hh>/<blake3(request key)> -> framed entry
package fsstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"

	pwacache "github.com/wolfeidau/pwa-cache"
	"github.com/wolfeidau/pwa-cache/backend"
	"github.com/wolfeidau/pwa-cache/store"
)

const (
	indexPrefix     = "index"
	namespacePrefix = "ns"
)

// entryHeader is the JSON header of a framed entry file.
type entryHeader struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Type       string      `json:"type"`
	Digest     string      `json:"digest"`
	StoredAt   time.Time   `json:"stored_at"`
	Encoding   string      `json:"encoding"`
	Size       int         `json:"size"`
}

type indexRecord struct {
	Name string `json:"name"`
	Seq  uint64 `json:"seq"`
}

// Storage implements store.CacheStorage over a backend.
//
// mu orders namespace creation and deletion against entry writes: writers
// hold the read lock while the namespace's index file is known to exist,
// Delete holds the write lock while removing it.
type Storage struct {
	b      backend.Backend
	codec  *store.Codec
	logger *slog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	seq uint64
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// New creates a storage on b, recovering the creation sequence from the
// existing index.
func New(ctx context.Context, b backend.Backend, opts ...Option) (*Storage, error) {
	s := &Storage{
		b:      b,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	codec, err := store.NewCodec()
	if err != nil {
		return nil, err
	}
	s.codec = codec

	records, err := s.readIndex(ctx)
	if err != nil {
		codec.Close()
		return nil, err
	}
	for _, rec := range records {
		if rec.Seq > s.seq {
			s.seq = rec.Seq
		}
	}

	s.logger.Debug("opened fs cache storage", "namespaces", len(records), "seq", s.seq)
	return s, nil
}

func nameHash(name string) string {
	return pwacache.HashBytes([]byte(name)).String()
}

func indexKey(name string) string {
	return path.Join(indexPrefix, nameHash(name))
}

func namespaceDir(name string) string {
	return path.Join(namespacePrefix, nameHash(name))
}

func entryKey(name, key string) string {
	h := pwacache.HashBytes([]byte(key)).String()
	return path.Join(namespaceDir(name), h[:2], h)
}

func (s *Storage) readIndex(ctx context.Context) ([]indexRecord, error) {
	keys, err := s.b.List(ctx, indexPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing index: %w", err)
	}
	records := make([]indexRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := s.readIndexRecord(ctx, k)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Storage) readIndexRecord(ctx context.Context, key string) (indexRecord, error) {
	var rec indexRecord
	rc, err := s.b.Read(ctx, key)
	if err != nil {
		return rec, err
	}
	defer func() { _ = rc.Close() }()
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return rec, fmt.Errorf("decoding index %s: %w", key, err)
	}
	return rec, nil
}

// exists must be called with mu held (read or write).
func (s *Storage) exists(ctx context.Context, name string) (bool, error) {
	return s.b.Exists(ctx, indexKey(name))
}

// create must be called with mu held for writing.
func (s *Storage) create(ctx context.Context, name string) error {
	ok, err := s.exists(ctx, name)
	if err != nil || ok {
		return err
	}
	s.seq++
	data, err := json.Marshal(indexRecord{Name: name, Seq: s.seq})
	if err != nil {
		return err
	}
	if err := s.b.Write(ctx, indexKey(name), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// withNamespace runs fn with the read lock held and the namespace present,
// creating it first if needed.
func (s *Storage) withNamespace(ctx context.Context, name string, fn func() error) error {
	for {
		s.mu.RLock()
		ok, err := s.exists(ctx, name)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		if ok {
			defer s.mu.RUnlock()
			return fn()
		}
		s.mu.RUnlock()

		s.mu.Lock()
		err = s.create(ctx, name)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// Open implements store.CacheStorage.
func (s *Storage) Open(ctx context.Context, name string) (store.Namespace, error) {
	if err := s.withNamespace(ctx, name, func() error { return nil }); err != nil {
		return nil, fmt.Errorf("opening namespace %s: %w", name, err)
	}
	return &namespace{s: s, name: name}, nil
}

// Has implements store.CacheStorage.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exists(ctx, name)
}

// Delete implements store.CacheStorage.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.b.Delete(ctx, indexKey(name)); err != nil {
		return false, fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	if err := s.b.DeletePrefix(ctx, namespaceDir(name)); err != nil {
		return false, fmt.Errorf("deleting namespace %s entries: %w", name, err)
	}
	return true, nil
}

// Names implements store.CacheStorage.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	seqs := make(map[string]uint64, len(records))
	for _, rec := range records {
		seqs[rec.Name] = rec.Seq
	}
	return store.SortByCreation(seqs), nil
}

// Match implements store.CacheStorage.
func (s *Storage) Match(ctx context.Context, key string) (*store.Entry, error) {
	return store.MatchAll(ctx, s, key, func(name string) store.Namespace {
		return &namespace{s: s, name: name}
	})
}

// Close implements store.CacheStorage.
func (s *Storage) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	return nil
}

type namespace struct {
	s    *Storage
	name string
}

func (n *namespace) Name() string { return n.name }

func (n *namespace) Match(ctx context.Context, key string) (*store.Entry, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	e, err := n.s.readEntry(ctx, entryKey(n.name, key))
	if errors.Is(err, backend.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s in %s: %w", key, n.name, err)
	}
	// Hash collisions would surface as a different request key.
	if e.Key() != key {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (s *Storage) readEntry(ctx context.Context, key string) (*store.Entry, error) {
	rc, err := s.b.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var hdr entryHeader
	body, err := backend.ReadFramed(rc, &hdr)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(io.LimitReader(body, store.MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	data, err := s.codec.Decompress(payload, hdr.Encoding, hdr.Size)
	if err != nil {
		return nil, err
	}
	e := &store.Entry{
		Method:     hdr.Method,
		URL:        hdr.URL,
		Status:     hdr.Status,
		StatusText: hdr.StatusText,
		Header:     hdr.Header,
		Type:       hdr.Type,
		Body:       data,
		Digest:     hdr.Digest,
		StoredAt:   hdr.StoredAt,
	}
	if err := e.Verify(); err != nil {
		return nil, err
	}
	return e, nil
}

func (n *namespace) Put(ctx context.Context, e *store.Entry) error {
	sealed, err := store.Prepare(e, n.s.now())
	if err != nil {
		return err
	}
	payload, encoding := n.s.codec.Compress(sealed.Body)
	hdr := &entryHeader{
		Method:     sealed.Method,
		URL:        sealed.URL,
		Status:     sealed.Status,
		StatusText: sealed.StatusText,
		Header:     sealed.Header,
		Type:       sealed.Type,
		Digest:     sealed.Digest,
		StoredAt:   sealed.StoredAt,
		Encoding:   encoding,
		Size:       len(sealed.Body),
	}

	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, hdr, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("framing %s: %w", sealed.Key(), err)
	}

	err = n.s.withNamespace(ctx, n.name, func() error {
		return n.s.b.Write(ctx, entryKey(n.name, sealed.Key()), &buf)
	})
	if err != nil {
		return fmt.Errorf("putting %s in %s: %w", sealed.Key(), n.name, err)
	}
	return nil
}

func (n *namespace) Delete(ctx context.Context, key string) (bool, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	k := entryKey(n.name, key)
	ok, err := n.s.b.Exists(ctx, k)
	if err != nil || !ok {
		return false, err
	}
	if err := n.s.b.Delete(ctx, k); err != nil {
		return false, fmt.Errorf("deleting %s in %s: %w", key, n.name, err)
	}
	return true, nil
}

func (n *namespace) Keys(ctx context.Context) ([]string, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	files, err := n.s.b.List(ctx, namespaceDir(n.name))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", n.name, err)
	}
	keys := make([]string, 0, len(files))
	for _, f := range files {
		rc, err := n.s.b.Read(ctx, f)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var hdr entryHeader
		_, err = backend.ReadFramed(rc, &hdr)
		_ = rc.Close()
		if err != nil {
			n.s.logger.Warn("skipping unreadable entry", "namespace", n.name, "file", f, "error", err)
			continue
		}
		keys = append(keys, hdr.Method+" "+hdr.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

// Compile-time interface checks
var (
	_ store.CacheStorage = (*Storage)(nil)
	_ store.Namespace    = (*namespace)(nil)
)
