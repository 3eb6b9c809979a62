package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/wolfeidau/pwa-cache/telemetry"
)

// InstrumentedBackend records a store-operation metric for every call it
// forwards. Reads are recorded when the returned reader is closed, so the
// byte count covers what the caller actually consumed.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

var _ Backend = (*InstrumentedBackend)(nil)

// NewInstrumentedBackend wraps b, labelling its metrics with name.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) observe(ctx context.Context, op string, start time.Time, n int64, err error) {
	telemetry.RecordStoreOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.observe(ctx, "write", start, cr.n, err)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		ib.observe(ctx, "read", start, 0, err)
		return nil, err
	}
	return &observedReader{
		countingReader: countingReader{r: rc},
		closer:         rc,
		done: func(n int64, err error) {
			ib.observe(ctx, "read", start, n, err)
		},
	}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.observe(ctx, "delete", start, 0, err)
	return err
}

func (ib *InstrumentedBackend) DeletePrefix(ctx context.Context, prefix string) error {
	start := time.Now()
	err := ib.backend.DeletePrefix(ctx, prefix)
	ib.observe(ctx, "delete_prefix", start, 0, err)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	ib.observe(ctx, "exists", start, 0, err)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.observe(ctx, "list", start, 0, err)
	return keys, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		cr.err = err
	}
	return n, err
}

// observedReader reports the bytes read once, on the first Close.
type observedReader struct {
	countingReader
	closer io.Closer
	done   func(n int64, err error)
	once   sync.Once
}

func (o *observedReader) Close() error {
	err := o.closer.Close()
	o.once.Do(func() { o.done(o.n, o.err) })
	return err
}
