// Package boltstore implements store.CacheStorage on a single bbolt file.
package boltstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/pwa-cache/store"
)

// Bucket layout.
var (
	bucketNamespaces = []byte("namespaces") // name -> 8-byte creation sequence
	bucketEntries    = []byte("entries")    // name -> nested bucket of key -> record
)

// Storage implements store.CacheStorage using bbolt.
type Storage struct {
	db     *bbolt.DB
	codec  *store.Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
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

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Storage) {
		s.noSync = noSync
	}
}

// Open opens (or creates) the database at path.
func Open(path string, opts ...Option) (*Storage, error) {
	s := &Storage{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketNamespaces, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := store.NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.codec = codec
	s.logger.Debug("opened bolt cache storage", "path", path, "noSync", s.noSync)
	return s, nil
}

// Open implements store.CacheStorage.
func (s *Storage) Open(_ context.Context, name string) (store.Namespace, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := ensure(tx, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("opening namespace %s: %w", name, err)
	}
	return &namespace{s: s, name: name}, nil
}

// ensure creates the namespace if missing and returns its entries bucket.
func ensure(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	idx := tx.Bucket(bucketNamespaces)
	if idx.Get([]byte(name)) == nil {
		seq, err := idx.NextSequence()
		if err != nil {
			return nil, fmt.Errorf("allocating sequence: %w", err)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		if err := idx.Put([]byte(name), buf); err != nil {
			return nil, fmt.Errorf("indexing namespace: %w", err)
		}
	}
	return tx.Bucket(bucketEntries).CreateBucketIfNotExists([]byte(name))
}

// Has implements store.CacheStorage.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketNamespaces).Get([]byte(name)) != nil
		return nil
	})
	return ok, err
}

// Delete implements store.CacheStorage.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketNamespaces)
		if idx.Get([]byte(name)) == nil {
			return nil
		}
		existed = true
		if err := idx.Delete([]byte(name)); err != nil {
			return err
		}
		err := tx.Bucket(bucketEntries).DeleteBucket([]byte(name))
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	return existed, nil
}

// Names implements store.CacheStorage.
func (s *Storage) Names(_ context.Context) ([]string, error) {
	seqs := make(map[string]uint64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			seqs[string(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	if err != nil {
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
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type namespace struct {
	s    *Storage
	name string
}

func (n *namespace) Name() string { return n.name }

func (n *namespace) Match(_ context.Context, key string) (*store.Entry, error) {
	var data []byte
	err := n.s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries).Bucket([]byte(n.name))
		if b == nil {
			return store.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return store.ErrNotFound
		}
		// Copy: v is only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
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
	err = n.s.db.Update(func(tx *bbolt.Tx) error {
		b, err := ensure(tx, n.name)
		if err != nil {
			return err
		}
		return b.Put([]byte(sealed.Key()), data)
	})
	if err != nil {
		return fmt.Errorf("putting %s in %s: %w", sealed.Key(), n.name, err)
	}
	return nil
}

func (n *namespace) Delete(_ context.Context, key string) (bool, error) {
	var existed bool
	err := n.s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries).Bucket([]byte(n.name))
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("deleting %s in %s: %w", key, n.name, err)
	}
	return existed, nil
}

func (n *namespace) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := n.s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries).Bucket([]byte(n.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
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
