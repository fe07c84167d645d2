// ABOUTME: Configuration loading and parsing for the chatsync client
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete chatsync client configuration
type Config struct {
	Backend     BackendConfig     `yaml:"backend" toml:"backend"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Sync        SyncConfig        `yaml:"sync" toml:"sync"`
	Polling     PollingConfig     `yaml:"polling" toml:"polling"`
	ReadState   ReadStateConfig   `yaml:"read_state" toml:"read_state"`
	Negotiation NegotiationConfig `yaml:"negotiation" toml:"negotiation"`
	Cache       CacheConfig       `yaml:"cache" toml:"cache"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// BackendConfig locates the chat backend
type BackendConfig struct {
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	StreamURL string `yaml:"stream_url" toml:"stream_url"` // empty disables the push stream

	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
}

// AuthConfig holds the session credentials. Usually supplied through
// ${VAR} references rather than literal values.
type AuthConfig struct {
	Token  string `yaml:"token" toml:"token"`
	UserID string `yaml:"user_id" toml:"user_id"`
}

// SyncConfig tunes message delivery and deduplication
type SyncConfig struct {
	SendRetries int `yaml:"send_retries" toml:"send_retries"`
	DedupeSize  int `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTLRaw   string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`
	BackoffBaseRaw string        `yaml:"backoff_base" toml:"backoff_base"`
	BackoffBase    time.Duration `yaml:"-" toml:"-"`
	BackoffCapRaw  string        `yaml:"backoff_cap" toml:"backoff_cap"`
	BackoffCap     time.Duration `yaml:"-" toml:"-"`
}

// PollingConfig holds the poll cadences
type PollingConfig struct {
	// IdleInterval applies while the push stream is healthy
	IdleIntervalRaw string        `yaml:"idle_interval" toml:"idle_interval"`
	IdleInterval    time.Duration `yaml:"-" toml:"-"`
	// FallbackInterval applies while the push stream is down
	FallbackIntervalRaw string        `yaml:"fallback_interval" toml:"fallback_interval"`
	FallbackInterval    time.Duration `yaml:"-" toml:"-"`
}

// ReadStateConfig tunes read receipts
type ReadStateConfig struct {
	DebounceRaw string        `yaml:"debounce" toml:"debounce"`
	Debounce    time.Duration `yaml:"-" toml:"-"`
}

// NegotiationConfig tunes negotiation offers
type NegotiationConfig struct {
	OfferWindowRaw string        `yaml:"offer_window" toml:"offer_window"`
	OfferWindow    time.Duration `yaml:"-" toml:"-"`
}

// CacheConfig holds the on-disk message cache settings
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default values applied to fields left unset
const (
	DefaultRequestTimeout   = 15 * time.Second
	DefaultSendRetries      = 3
	DefaultDedupeTTL        = 5 * time.Minute
	DefaultDedupeSize       = 100000
	DefaultBackoffBase      = time.Second
	DefaultBackoffCap       = 30 * time.Second
	DefaultIdleInterval     = 30 * time.Second
	DefaultFallbackInterval = 5 * time.Second
	DefaultDebounce         = 300 * time.Millisecond
	DefaultOfferWindow      = 300 * time.Second
	DefaultCachePath        = "chatsync.db"
	DefaultMetricsAddr      = "127.0.0.1:9464"
	DefaultMetricsPath      = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, formatFor(path))
}

// Format is a configuration file syntax
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes configuration bytes in the given format, then applies
// defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = DefaultRequestTimeout
	}
	if c.Sync.SendRetries == 0 {
		c.Sync.SendRetries = DefaultSendRetries
	}
	if c.Sync.DedupeTTL == 0 {
		c.Sync.DedupeTTL = DefaultDedupeTTL
	}
	if c.Sync.DedupeSize == 0 {
		c.Sync.DedupeSize = DefaultDedupeSize
	}
	if c.Sync.BackoffBase == 0 {
		c.Sync.BackoffBase = DefaultBackoffBase
	}
	if c.Sync.BackoffCap == 0 {
		c.Sync.BackoffCap = DefaultBackoffCap
	}
	if c.Polling.IdleInterval == 0 {
		c.Polling.IdleInterval = DefaultIdleInterval
	}
	if c.Polling.FallbackInterval == 0 {
		c.Polling.FallbackInterval = DefaultFallbackInterval
	}
	if c.ReadState.Debounce == 0 {
		c.ReadState.Debounce = DefaultDebounce
	}
	if c.Negotiation.OfferWindow == 0 {
		c.Negotiation.OfferWindow = DefaultOfferWindow
	}
	if c.Cache.Enabled && c.Cache.Path == "" {
		c.Cache.Path = DefaultCachePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			c.Metrics.Addr = DefaultMetricsAddr
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if err := checkURL(c.Backend.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	if c.Backend.StreamURL != "" {
		if err := checkURL(c.Backend.StreamURL, "ws", "wss"); err != nil {
			return fmt.Errorf("backend.stream_url: %w", err)
		}
	}

	if c.Sync.SendRetries < 1 {
		return fmt.Errorf("sync.send_retries must be at least 1")
	}
	if c.Sync.DedupeSize < 1 {
		return fmt.Errorf("sync.dedupe_size must be positive")
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_cap must not be below sync.backoff_base")
	}

	if c.Polling.FallbackInterval > c.Polling.IdleInterval {
		return fmt.Errorf("polling.fallback_interval must not exceed polling.idle_interval")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", cfg.Backend.RequestTimeoutRaw, &cfg.Backend.RequestTimeout},
		{"dedupe_ttl", cfg.Sync.DedupeTTLRaw, &cfg.Sync.DedupeTTL},
		{"backoff_base", cfg.Sync.BackoffBaseRaw, &cfg.Sync.BackoffBase},
		{"backoff_cap", cfg.Sync.BackoffCapRaw, &cfg.Sync.BackoffCap},
		{"idle_interval", cfg.Polling.IdleIntervalRaw, &cfg.Polling.IdleInterval},
		{"fallback_interval", cfg.Polling.FallbackIntervalRaw, &cfg.Polling.FallbackInterval},
		{"debounce", cfg.ReadState.DebounceRaw, &cfg.ReadState.Debounce},
		{"offer_window", cfg.Negotiation.OfferWindowRaw, &cfg.Negotiation.OfferWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
