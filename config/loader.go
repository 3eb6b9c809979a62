package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the configuration with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader creates a loader reading the given files in order. An empty
// envPrefix disables environment overrides.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{envPrefix: envPrefix, files: files}
}

// Load assembles and validates the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(Default()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Config{}, err
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			key := strings.TrimPrefix(s, l.envPrefix)
			key = strings.ReplaceAll(key, "__", ".")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %s", path)
	}
}

// defaultsMap converts Default into a map for the confmap provider.
func defaultsMap(cfg Config) map[string]any {
	return map[string]any{
		"listen":              cfg.Listen,
		"origin":              cfg.Origin,
		"upstream":            cfg.Upstream,
		"release_file":        cfg.ReleaseFile,
		"poll_interval":       cfg.PollInterval.String(),
		"namespace_prefix":    cfg.NamespacePrefix,
		"fetch_timeout":       cfg.FetchTimeout.String(),
		"install_concurrency": cfg.InstallConcurrency,
		"control_token":       cfg.ControlToken,
		"offline_page":        cfg.OfflinePage,
		"credentials_file":    cfg.CredentialsFile,
		"storage": map[string]any{
			"driver":  cfg.Storage.Driver,
			"path":    cfg.Storage.Path,
			"no_sync": cfg.Storage.NoSync,
			"valkey": map[string]any{
				"address":  cfg.Storage.Valkey.Address,
				"username": cfg.Storage.Valkey.Username,
				"password": cfg.Storage.Valkey.Password,
				"db":       cfg.Storage.Valkey.DB,
				"tls":      cfg.Storage.Valkey.TLS,
				"prefix":   cfg.Storage.Valkey.Prefix,
			},
		},
		"policy": map[string]any{
			"api_segment": cfg.Policy.APISegment,
		},
		"logging": map[string]any{
			"level":        cfg.Logging.Level,
			"format":       cfg.Logging.Format,
			"file":         cfg.Logging.File,
			"max_size_mb":  cfg.Logging.MaxSizeMB,
			"max_backups":  cfg.Logging.MaxBackups,
			"max_age_days": cfg.Logging.MaxAgeDays,
			"compress":     cfg.Logging.Compress,
		},
		"metrics": map[string]any{
			"prometheus":     cfg.Metrics.Prometheus,
			"otlp_endpoint":  cfg.Metrics.OTLPEndpoint,
			"flush_interval": cfg.Metrics.FlushInterval.String(),
		},
	}
}
