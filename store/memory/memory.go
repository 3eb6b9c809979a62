// Package memory provides an in-process CacheStorage.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/pwa-cache/store"
)

// Storage keeps namespaces in maps guarded by a single RWMutex.
type Storage struct {
	mu     sync.RWMutex
	seq    uint64
	spaces map[string]*space
	now    func() time.Time
}

type space struct {
	seq     uint64
	entries map[string]*store.Entry
}

// New creates an empty in-memory storage.
func New() *Storage {
	return &Storage{
		spaces: make(map[string]*space),
		now:    time.Now,
	}
}

// Open implements store.CacheStorage.
func (s *Storage) Open(_ context.Context, name string) (store.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(name)
	return &namespace{s: s, name: name}, nil
}

// ensure must be called with mu held.
func (s *Storage) ensure(name string) *space {
	sp, ok := s.spaces[name]
	if !ok {
		s.seq++
		sp = &space{seq: s.seq, entries: make(map[string]*store.Entry)}
		s.spaces[name] = sp
	}
	return sp
}

// Has implements store.CacheStorage.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spaces[name]
	return ok, nil
}

// Delete implements store.CacheStorage.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[name]; !ok {
		return false, nil
	}
	delete(s.spaces, name)
	return true, nil
}

// Names implements store.CacheStorage.
func (s *Storage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seqs := make(map[string]uint64, len(s.spaces))
	for name, sp := range s.spaces {
		seqs[name] = sp.seq
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
	return nil
}

type namespace struct {
	s    *Storage
	name string
}

func (n *namespace) Name() string { return n.name }

func (n *namespace) Match(_ context.Context, key string) (*store.Entry, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	sp, ok := n.s.spaces[n.name]
	if !ok {
		return nil, store.ErrNotFound
	}
	e, ok := sp.entries[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (n *namespace) Put(_ context.Context, e *store.Entry) error {
	sealed, err := store.Prepare(e, n.s.now())
	if err != nil {
		return err
	}
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	n.s.ensure(n.name).entries[sealed.Key()] = sealed
	return nil
}

func (n *namespace) Delete(_ context.Context, key string) (bool, error) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	sp, ok := n.s.spaces[n.name]
	if !ok {
		return false, nil
	}
	if _, ok := sp.entries[key]; !ok {
		return false, nil
	}
	delete(sp.entries, key)
	return true, nil
}

func (n *namespace) Keys(_ context.Context) ([]string, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	sp, ok := n.s.spaces[n.name]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(sp.entries))
	for k := range sp.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Compile-time interface checks
var (
	_ store.CacheStorage = (*Storage)(nil)
	_ store.Namespace    = (*namespace)(nil)
)
