// Package opprovider resolves credential references with the 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/pwa-cache/credentials"
)

// DefaultCommand is the 1Password CLI binary.
const DefaultCommand = "op"

// Option configures the provider.
type Option func(*provider)

type provider struct {
	command string
}

// WithCommand runs command instead of "op" from PATH.
func WithCommand(command string) Option {
	return func(p *provider) {
		p.command = command
	}
}

// WithOnePassword registers an "op" template function that resolves secret
// references such as "op://edge/valkey/password" using `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	p := &provider{command: DefaultCommand}
	for _, opt := range opts {
		opt(p)
	}
	return credentials.WithProvider("op", p.read)
}

func (p *provider) read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return "", fmt.Errorf("op: reference must start with op://, got %q", ref)
	}
	cmd := exec.CommandContext(ctx, p.command, "read", "--no-newline", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
