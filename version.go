package pwacache

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// StaticKind names the manifest-seeded namespace.
	StaticKind = "static"

	// RuntimeKind names the namespace populated by intercepted fetches.
	RuntimeKind = "runtime"
)

// ErrInvalidVersion is returned when a registry is built from an unusable version string.
var ErrInvalidVersion = errors.New("invalid version")

// Registry is the immutable pair of current namespace names derived from a
// single deployment version. It is built once per worker and passed to every
// handler; nothing reads it from package state.
type Registry struct {
	version string
	prefix  string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPrefix namespaces the cache names, e.g. "menu-app" yields
// "menu-app-static-v3". Activation still treats every other name in the
// storage as stale, so apps sharing a valkey server separate by key prefix
// instead.
func WithPrefix(prefix string) RegistryOption {
	return func(r *Registry) {
		r.prefix = strings.TrimSuffix(prefix, "-")
	}
}

// NewRegistry creates the registry for version. The version must be non-empty
// and must not contain whitespace or '/'.
func NewRegistry(version string, opts ...RegistryOption) (Registry, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return Registry{}, fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	if strings.ContainsAny(version, " \t\n/") {
		return Registry{}, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	r := Registry{version: version}
	for _, opt := range opts {
		opt(&r)
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error. Intended for tests
// and package-level defaults.
func MustRegistry(version string, opts ...RegistryOption) Registry {
	r, err := NewRegistry(version, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Version returns the deployment version the registry was built from.
func (r Registry) Version() string {
	return r.version
}

// StaticName returns the current static namespace name.
func (r Registry) StaticName() string {
	return r.name(StaticKind)
}

// RuntimeName returns the current runtime namespace name.
func (r Registry) RuntimeName() string {
	return r.name(RuntimeKind)
}

// Names returns both current namespace names, static first.
func (r Registry) Names() []string {
	return []string{r.StaticName(), r.RuntimeName()}
}

// IsCurrent reports whether name is one of the two current namespaces.
// Every other name is stale and may be garbage-collected.
func (r Registry) IsCurrent(name string) bool {
	return name == r.StaticName() || name == r.RuntimeName()
}

// IsZero reports whether the registry was never initialised.
func (r Registry) IsZero() bool {
	return r.version == ""
}

func (r Registry) name(kind string) string {
	if r.prefix == "" {
		return kind + "-" + r.version
	}
	return r.prefix + "-" + kind + "-" + r.version
}
