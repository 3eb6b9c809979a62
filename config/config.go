// Package config loads the service configuration from defaults, an optional
// YAML, JSON or TOML file, and PWA_CACHE_* environment variables, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a double
// underscore: PWA_CACHE_STORAGE__DRIVER sets storage.driver.
const EnvPrefix = "PWA_CACHE_"

// Storage drivers.
const (
	DriverMemory  = "memory"
	DriverBolt    = "bolt"
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
	DriverValkey  = "valkey"
)

// Config is the complete service configuration.
type Config struct {
	// Listen is the address the edge service listens on.
	Listen string `koanf:"listen"`
	// Origin is the public origin of the application, e.g. https://menu.example.
	Origin string `koanf:"origin"`
	// Upstream is where the application is actually served from. Defaults to Origin.
	Upstream string `koanf:"upstream"`
	// ReleaseFile is the YAML release descriptor (version and manifest).
	ReleaseFile string `koanf:"release_file"`
	// PollInterval is how often the release file is re-read.
	PollInterval time.Duration `koanf:"poll_interval"`
	// NamespacePrefix is prepended to namespace names.
	NamespacePrefix string `koanf:"namespace_prefix"`
	// FetchTimeout bounds each network fetch.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
	// InstallConcurrency bounds concurrent manifest fetches during install.
	InstallConcurrency int `koanf:"install_concurrency"`
	// ControlToken, when set, is required as a bearer token on the control channel.
	ControlToken string `koanf:"control_token"`
	// CredentialsFile is an optional template resolving secrets such as the
	// control token and the valkey password.
	CredentialsFile string `koanf:"credentials_file"`
	// OfflinePage is an optional html/template file rendered when a
	// navigation cannot be answered from the network or the cache.
	OfflinePage string `koanf:"offline_page"`

	Storage StorageConfig `koanf:"storage"`
	Policy  PolicyConfig  `koanf:"policy"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// StorageConfig selects and configures the cache storage driver.
type StorageConfig struct {
	Driver string       `koanf:"driver"`
	Path   string       `koanf:"path"`
	NoSync bool         `koanf:"no_sync"`
	Valkey ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig configures the valkey driver.
type ValkeyConfig struct {
	Address  string `koanf:"address"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	TLS      bool   `koanf:"tls"`
	Prefix   string `koanf:"prefix"`
}

// PolicyConfig configures request classification. Empty lists keep the
// built-in defaults.
type PolicyConfig struct {
	SensitivePaths         []string `koanf:"sensitive_paths"`
	SensitiveHosts         []string `koanf:"sensitive_hosts"`
	SensitiveRules         []string `koanf:"sensitive_rules"`
	APISegment             string   `koanf:"api_segment"`
	NetworkFirstExtensions []string `koanf:"network_first_extensions"`
	CacheFirstExtensions   []string `koanf:"cache_first_extensions"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// File, when set, receives logs instead of stdout and is rotated.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Prometheus    bool          `koanf:"prometheus"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	FlushInterval time.Duration `koanf:"flush_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:             ":8080",
		Origin:             "http://localhost:8080",
		ReleaseFile:        "release.yaml",
		PollInterval:       time.Minute,
		FetchTimeout:       30 * time.Second,
		InstallConcurrency: 4,
		Storage: StorageConfig{
			Driver: DriverBolt,
			Path:   "./cache/pwa-cache.db",
			Valkey: ValkeyConfig{Prefix: "pwa-cache"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Prometheus:    true,
			FlushInterval: 10 * time.Second,
		},
	}
}

// OriginURL parses Origin.
func (c Config) OriginURL() (*url.URL, error) {
	return parseOrigin("origin", c.Origin)
}

// UpstreamURL parses Upstream, falling back to Origin.
func (c Config) UpstreamURL() (*url.URL, error) {
	if c.Upstream == "" {
		return c.OriginURL()
	}
	return parseOrigin("upstream", c.Upstream)
}

func parseOrigin(field, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("config: %s must be an http(s) url, got %q", field, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("config: %s has no host: %q", field, raw)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("config: %s must not have a path: %q", field, raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("config: listen is required"))
	}
	if _, err := c.OriginURL(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.UpstreamURL(); err != nil {
		errs = append(errs, err)
	}
	if c.ReleaseFile == "" {
		errs = append(errs, errors.New("config: release_file is required"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("config: fetch_timeout must be positive"))
	}
	if c.InstallConcurrency <= 0 {
		errs = append(errs, errors.New("config: install_concurrency must be positive"))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBolt, DriverFS, DriverLevelDB:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("config: storage.path is required for the %s driver", c.Storage.Driver))
		}
	case DriverValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("config: storage.valkey.address is required for the valkey driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unsupported storage driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported log format %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported log level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}
