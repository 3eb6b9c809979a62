// Package release reads the deployed release descriptor (version and
// precache manifest) and watches it for new deployments.
package release

import (
	"errors"
	"fmt"
	"os"
	"strings"

	pwacache "github.com/wolfeidau/pwa-cache"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRelease is returned for a descriptor that cannot be deployed.
var ErrInvalidRelease = errors.New("invalid release")

// Release describes one deployment. Changing the manifest requires a new version.
type Release struct {
	Version  string   `yaml:"version"`
	Manifest []string `yaml:"manifest"`
	Notes    string   `yaml:"notes,omitempty"`
}

// Load reads and validates the release file at path.
func Load(path string) (Release, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Release{}, fmt.Errorf("reading release file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML release descriptor. Manifest paths are
// de-duplicated and keep their order.
func Parse(data []byte) (Release, error) {
	var r Release
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrInvalidRelease, err)
	}
	r.Version = strings.TrimSpace(r.Version)
	if _, err := pwacache.NewRegistry(r.Version); err != nil {
		return Release{}, fmt.Errorf("%w: %w", ErrInvalidRelease, err)
	}

	seen := make(map[string]bool, len(r.Manifest))
	manifest := make([]string, 0, len(r.Manifest))
	for _, p := range r.Manifest {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
			return Release{}, fmt.Errorf("%w: manifest path %q must be origin-relative", ErrInvalidRelease, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		manifest = append(manifest, p)
	}
	r.Manifest = manifest
	return r, nil
}
