package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/pwa-cache/telemetry"
)

// Instrumented wraps a CacheStorage and records per-operation metrics.
type Instrumented struct {
	s      CacheStorage
	driver string
}

// NewInstrumented wraps s, labelling metrics with driver.
func NewInstrumented(s CacheStorage, driver string) *Instrumented {
	return &Instrumented{s: s, driver: driver}
}

func (i *Instrumented) record(ctx context.Context, op string, start time.Time, err error, bytes int64) {
	telemetry.RecordStoreOp(ctx, i.driver, op, outcomeFromError(err), time.Since(start), bytes)
}

func (i *Instrumented) Open(ctx context.Context, name string) (Namespace, error) {
	start := time.Now()
	ns, err := i.s.Open(ctx, name)
	i.record(ctx, "open", start, err, 0)
	if err != nil {
		return nil, err
	}
	return &instrumentedNamespace{ns: ns, i: i}, nil
}

func (i *Instrumented) Has(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	ok, err := i.s.Has(ctx, name)
	i.record(ctx, "has", start, err, 0)
	return ok, err
}

func (i *Instrumented) Delete(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	ok, err := i.s.Delete(ctx, name)
	i.record(ctx, "delete_namespace", start, err, 0)
	return ok, err
}

func (i *Instrumented) Names(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := i.s.Names(ctx)
	i.record(ctx, "names", start, err, 0)
	return names, err
}

func (i *Instrumented) Match(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	e, err := i.s.Match(ctx, key)
	i.record(ctx, "match_all", start, err, bodySize(e))
	return e, err
}

func (i *Instrumented) Close() error {
	return i.s.Close()
}

// Unwrap returns the underlying storage.
func (i *Instrumented) Unwrap() CacheStorage {
	return i.s
}

type instrumentedNamespace struct {
	ns Namespace
	i  *Instrumented
}

func (n *instrumentedNamespace) Name() string { return n.ns.Name() }

func (n *instrumentedNamespace) Match(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	e, err := n.ns.Match(ctx, key)
	n.i.record(ctx, "match", start, err, bodySize(e))
	return e, err
}

func (n *instrumentedNamespace) Put(ctx context.Context, e *Entry) error {
	start := time.Now()
	err := n.ns.Put(ctx, e)
	n.i.record(ctx, "put", start, err, bodySize(e))
	return err
}

func (n *instrumentedNamespace) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := n.ns.Delete(ctx, key)
	n.i.record(ctx, "delete", start, err, 0)
	return ok, err
}

func (n *instrumentedNamespace) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := n.ns.Keys(ctx)
	n.i.record(ctx, "keys", start, err, 0)
	return keys, err
}

func bodySize(e *Entry) int64 {
	if e == nil {
		return 0
	}
	return int64(len(e.Body))
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrMethodNotCacheable), errors.Is(err, ErrPartialResponse):
		return "rejected"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ CacheStorage = (*Instrumented)(nil)
	_ Namespace    = (*instrumentedNamespace)(nil)
)
