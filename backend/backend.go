// Package backend provides the key/byte storage the filesystem cache driver
// builds on.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Keys use "/" as the path separator.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any previous value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key under prefix.
	// Returns nil if nothing exists under it.
	DeletePrefix(ctx context.Context, prefix string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
