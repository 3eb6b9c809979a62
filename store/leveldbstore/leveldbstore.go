// Package leveldbstore implements store.CacheStorage on goleveldb.
//
// Keys:
//
//	n:<name>              -> 8-byte creation sequence
//	e:<name>\x00<request> -> encoded entry record
//	seq                   -> last issued sequence
package leveldbstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/wolfeidau/pwa-cache/store"
)

var seqKey = []byte("seq")

func namespaceKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(name string) []byte { return []byte("e:" + name + "\x00") }

func entryKey(name, key string) []byte { return append(entryPrefix(name), key...) }

// Storage implements store.CacheStorage on a leveldb directory.
// Writes are serialised by mu so namespace deletion and entry writes never interleave.
type Storage struct {
	db     *leveldb.DB
	codec  *store.Codec
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
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

// Open opens (or creates) the leveldb database at path.
func Open(path string, opts ...Option) (*Storage, error) {
	s := &Storage{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}

	v, err := db.Get(seqKey, nil)
	switch {
	case err == nil:
		s.seq = binary.BigEndian.Uint64(v)
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		_ = db.Close()
		return nil, fmt.Errorf("reading sequence: %w", err)
	}

	codec, err := store.NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.codec = codec
	s.logger.Debug("opened leveldb cache storage", "path", path, "seq", s.seq)
	return s, nil
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// ensure adds the namespace to batch if it does not exist. Must be called with mu held.
func (s *Storage) ensure(name string, batch *leveldb.Batch) error {
	ok, err := s.db.Has(namespaceKey(name), nil)
	if err != nil || ok {
		return err
	}
	s.seq++
	batch.Put(namespaceKey(name), encodeSeq(s.seq))
	batch.Put(seqKey, encodeSeq(s.seq))
	return nil
}

// Open implements store.CacheStorage.
func (s *Storage) Open(_ context.Context, name string) (store.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	if err := s.ensure(name, batch); err != nil {
		return nil, fmt.Errorf("opening namespace %s: %w", name, err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return nil, fmt.Errorf("creating namespace %s: %w", name, err)
		}
	}
	return &namespace{s: s, name: name}, nil
}

// Has implements store.CacheStorage.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	return s.db.Has(namespaceKey(name), nil)
}

// Delete implements store.CacheStorage.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(namespaceKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(namespaceKey(name))
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("iterating namespace %s: %w", name, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	return true, nil
}

// Names implements store.CacheStorage.
func (s *Storage) Names(_ context.Context) ([]string, error) {
	seqs := make(map[string]uint64)
	it := s.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()
	for it.Next() {
		name := strings.TrimPrefix(string(it.Key()), "n:")
		seqs[name] = binary.BigEndian.Uint64(it.Value())
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type namespace struct {
	s    *Storage
	name string
}

func (n *namespace) Name() string { return n.name }

func (n *namespace) Match(_ context.Context, key string) (*store.Entry, error) {
	data, err := n.s.db.Get(entryKey(n.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s in %s: %w", key, n.name, err)
	}
	e, err := n.s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s in %s: %w", key, n.name, err)
	}
	return e, nil
}

func (n *namespace) Put(_ context.Context, e *store.Entry) error {
	sealed, err := store.Prepare(e, n.s.now())
	if err != nil {
		return err
	}
	data, err := n.s.codec.Encode(sealed)
	if err != nil {
		return err
	}

	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	batch := new(leveldb.Batch)
	if err := n.s.ensure(n.name, batch); err != nil {
		return err
	}
	batch.Put(entryKey(n.name, sealed.Key()), data)
	if err := n.s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("putting %s in %s: %w", sealed.Key(), n.name, err)
	}
	return nil
}

func (n *namespace) Delete(_ context.Context, key string) (bool, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	k := entryKey(n.name, key)
	ok, err := n.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := n.s.db.Delete(k, nil); err != nil {
		return false, fmt.Errorf("deleting %s in %s: %w", key, n.name, err)
	}
	return true, nil
}

func (n *namespace) Keys(_ context.Context) ([]string, error) {
	prefix := entryPrefix(n.name)
	it := n.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()[len(prefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("listing keys in %s: %w", n.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Compile-time interface checks
var (
	_ store.CacheStorage = (*Storage)(nil)
	_ store.Namespace    = (*namespace)(nil)
)
