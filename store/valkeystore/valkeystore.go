// Package valkeystore implements store.CacheStorage on Valkey/Redis.
//
// Keys (under a configurable prefix):
//
//	<prefix>:namespaces  sorted set, member = name, score = creation sequence
//	<prefix>:seq         sequence counter
//	<prefix>:ns:<name>   hash, field = request key, value = encoded entry record
package valkeystore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/wolfeidau/pwa-cache/store"
)

// Config configures the Valkey connection.
type Config struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Prefix   string
}

// Storage implements store.CacheStorage on a Valkey server.
// mu orders in-process namespace deletion against entry writes.
type Storage struct {
	client valkey.Client
	codec  *store.Codec
	prefix string
	logger *slog.Logger
	now    func() time.Time

	mu sync.RWMutex
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

// New connects to Valkey and verifies the connection with PING.
func New(ctx context.Context, cfg Config, opts ...Option) (*Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey address required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "pwa-cache"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS {
		option.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("creating valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging valkey: %w", err)
	}

	codec, err := store.NewCodec()
	if err != nil {
		client.Close()
		return nil, err
	}

	s := &Storage{
		client: client,
		codec:  codec,
		prefix: cfg.Prefix,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("connected valkey cache storage", "address", cfg.Address, "prefix", cfg.Prefix)
	return s, nil
}

func (s *Storage) indexKey() string { return s.prefix + ":namespaces" }

func (s *Storage) seqKey() string { return s.prefix + ":seq" }

func (s *Storage) hashKey(name string) string { return s.prefix + ":ns:" + name }

func (s *Storage) exists(ctx context.Context, name string) (bool, error) {
	err := s.client.Do(ctx, s.client.B().Zscore().Key(s.indexKey()).Member(name).Build()).Error()
	if errors.Is(err, valkey.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking namespace %s: %w", name, err)
	}
	return true, nil
}

// create must be called with mu held for writing.
func (s *Storage) create(ctx context.Context, name string) error {
	ok, err := s.exists(ctx, name)
	if err != nil || ok {
		return err
	}
	seq, err := s.client.Do(ctx, s.client.B().Incr().Key(s.seqKey()).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("allocating sequence: %w", err)
	}
	cmd := s.client.B().Zadd().Key(s.indexKey()).ScoreMember().ScoreMember(float64(seq), name).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("indexing namespace %s: %w", name, err)
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
	return s.exists(ctx, name)
}

// Delete implements store.CacheStorage.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.client.Do(ctx, s.client.B().Zrem().Key(s.indexKey()).Member(name).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.hashKey(name)).Build()).Error(); err != nil {
		return false, fmt.Errorf("deleting namespace %s entries: %w", name, err)
	}
	return removed > 0, nil
}

// Names implements store.CacheStorage.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	// ZRANGE orders by score, ties by member, which matches store.SortByCreation.
	names, err := s.client.Do(ctx, s.client.B().Zrange().Key(s.indexKey()).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	return names, nil
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
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}

type namespace struct {
	s    *Storage
	name string
}

func (n *namespace) Name() string { return n.name }

func (n *namespace) Match(ctx context.Context, key string) (*store.Entry, error) {
	c := n.s.client
	data, err := c.Do(ctx, c.B().Hget().Key(n.s.hashKey(n.name)).Field(key).Build()).AsBytes()
	if errors.Is(err, valkey.Nil) {
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

func (n *namespace) Put(ctx context.Context, e *store.Entry) error {
	sealed, err := store.Prepare(e, n.s.now())
	if err != nil {
		return err
	}
	data, err := n.s.codec.Encode(sealed)
	if err != nil {
		return err
	}

	c := n.s.client
	err = n.s.withNamespace(ctx, n.name, func() error {
		cmd := c.B().Hset().Key(n.s.hashKey(n.name)).FieldValue().FieldValue(sealed.Key(), string(data)).Build()
		return c.Do(ctx, cmd).Error()
	})
	if err != nil {
		return fmt.Errorf("putting %s in %s: %w", sealed.Key(), n.name, err)
	}
	return nil
}

func (n *namespace) Delete(ctx context.Context, key string) (bool, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	c := n.s.client
	removed, err := c.Do(ctx, c.B().Hdel().Key(n.s.hashKey(n.name)).Field(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("deleting %s in %s: %w", key, n.name, err)
	}
	return removed > 0, nil
}

func (n *namespace) Keys(ctx context.Context) ([]string, error) {
	c := n.s.client
	keys, err := c.Do(ctx, c.B().Hkeys().Key(n.s.hashKey(n.name)).Build()).AsStrSlice()
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
