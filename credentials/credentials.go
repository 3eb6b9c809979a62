// Package credentials resolves the service's secrets from a template file so
// they can come from the environment, mounted files, or a secret manager
// rather than sit in plain configuration.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/wolfeidau/pwa-cache/config"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds resolved secret values. Empty fields leave the
// configuration untouched.
type Credentials struct {
	ControlToken string      `json:"control_token,omitempty"`
	Valkey       *ValkeyAuth `json:"valkey,omitempty"`
}

// ValkeyAuth holds the valkey ACL user.
type ValkeyAuth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Apply overlays the resolved secrets onto cfg.
func (c *Credentials) Apply(cfg *config.Config) {
	if c.ControlToken != "" {
		cfg.ControlToken = c.ControlToken
	}
	if c.Valkey != nil {
		if c.Valkey.Username != "" {
			cfg.Storage.Valkey.Username = c.Valkey.Username
		}
		if c.Valkey.Password != "" {
			cfg.Storage.Valkey.Password = c.Valkey.Password
		}
	}
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	// Provider results are memoised for the duration of one resolve.
	cache := make(map[string]string)

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx, cache)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}

	r.logger.DebugContext(ctx, "credentials resolved",
		"control_token", creds.ControlToken != "",
		"valkey", creds.Valkey != nil,
		"provider_calls", len(cache),
	)
	return &creds, nil
}

// funcMap starts from sprig's text helpers and replaces the environment and
// file helpers with strict versions that fail on a missing value.
func (r *Resolver) funcMap(ctx context.Context, cache map[string]string) template.FuncMap {
	fm := sprig.TxtFuncMap()
	for _, name := range []string{"expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(fm, name)
	}

	fm["env"] = func(key string) (string, error) {
		val, ok := os.LookupEnv(key)
		if !ok {
			return "", fmt.Errorf("environment variable %q is not set", key)
		}
		return val, nil
	}
	fm["envDefault"] = func(key, fallback string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return fallback
	}
	fm["file"] = func(path string) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading file %q: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	fm["json"] = func(v string) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("JSON encoding value: %w", err)
		}
		return string(b), nil
	}

	for name, provider := range r.providers {
		fm[name] = r.providerFunc(ctx, name, provider, cache)
	}
	return fm
}

func (r *Resolver) providerFunc(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		cacheKey := name + ":" + ref
		if val, ok := cache[cacheKey]; ok {
			return val, nil
		}

		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}

		cache[cacheKey] = val
		return val, nil
	}
}
