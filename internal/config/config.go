package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oriys/pagecache/internal/cache"
	"github.com/oriys/pagecache/internal/observability"
)

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	Site     string `json:"site" yaml:"site"`
}

// LoggingConfig selects the operational log format and level
type LoggingConfig struct {
	Format string `json:"format" yaml:"format"` // text, json
	Level  string `json:"level" yaml:"level"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets,omitempty" yaml:"histogram_buckets,omitempty"`
}

// ObservabilityConfig groups logging, metrics and tracing
type ObservabilityConfig struct {
	Logging LoggingConfig        `json:"logging" yaml:"logging"`
	Metrics MetricsConfig        `json:"metrics" yaml:"metrics"`
	Tracing observability.Config `json:"tracing" yaml:"tracing"`
}

// BusConfig holds the Redis connection carrying invalidation events. The bus
// is off when Addr is empty.
type BusConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// Config is the central configuration struct. Sites maps a host name, or
// cache.NetworkKey, to its cache snapshot.
type Config struct {
	Sites         map[string]cache.Snapshot `json:"sites" yaml:"sites"`
	Daemon        DaemonConfig              `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig       `json:"observability" yaml:"observability"`
	Bus           BusConfig                 `json:"bus" yaml:"bus"`
}

// DefaultConfig returns a Config with sensible defaults and no sites
func DefaultConfig() *Config {
	return &Config{
		Sites: map[string]cache.Snapshot{},
		Daemon: DaemonConfig{
			HTTPAddr: ":9180",
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Format: "text", Level: "info"},
			Metrics: MetricsConfig{Enabled: true, Namespace: "pagecache"},
			Tracing: observability.Config{
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "pagecache",
				SampleRate:  1.0,
			},
		},
		Bus: BusConfig{Channel: cache.DefaultInvalidationChannel},
	}
}

// LoadFromFile loads configuration from a JSON file, or a YAML file when the
// extension is .yaml or .yml
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Sites == nil {
		cfg.Sites = map[string]cache.Snapshot{}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// PAGECACHE_CACHE_TYPE, PAGECACHE_HOSTS, PAGECACHE_EXPIRE and
// PAGECACHE_INVALIDATION override the snapshot of the daemon's site,
// creating it from cache.DefaultSnapshot when missing.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("PAGECACHE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("PAGECACHE_SITE"); v != "" {
		cfg.Daemon.Site = v
	}
	if v := os.Getenv("PAGECACHE_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("PAGECACHE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("PAGECACHE_BUS_ADDR"); v != "" {
		cfg.Bus.Addr = v
	}
	if v := os.Getenv("PAGECACHE_BUS_PASSWORD"); v != "" {
		cfg.Bus.Password = v
	}
	if v := os.Getenv("PAGECACHE_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = v
	}

	// Resolve prefers the network snapshot, so overrides must land there
	// when it exists.
	site := cfg.SiteKey()
	if ns, ok := cfg.Sites[cache.NetworkKey]; ok && !ns.IsZero() {
		site = cache.NetworkKey
	}
	snap, ok := cfg.Sites[site]
	touched := false
	if !ok {
		snap = cache.DefaultSnapshot()
	}
	if v := os.Getenv("PAGECACHE_CACHE_TYPE"); v != "" {
		snap.CacheType = v
		touched = true
	}
	if v := os.Getenv("PAGECACHE_HOSTS"); v != "" {
		servers, err := cache.ParseServers(v)
		if err != nil {
			return fmt.Errorf("PAGECACHE_HOSTS: %w", err)
		}
		snap.Servers = servers
		snap.Hosts = ""
		touched = true
	}
	if v := os.Getenv("PAGECACHE_EXPIRE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PAGECACHE_EXPIRE: %w", err)
		}
		snap.Expire = n
		touched = true
	}
	if v := os.Getenv("PAGECACHE_INVALIDATION"); v != "" {
		if err := snap.InvalidationMethod.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("PAGECACHE_INVALIDATION: %w", err)
		}
		touched = true
	}
	if touched {
		if cfg.Sites == nil {
			cfg.Sites = map[string]cache.Snapshot{}
		}
		cfg.Sites[site] = snap
	}
	return nil
}

// SiteKey returns the site the daemon serves: the configured one, or the
// network key when none is set.
func (c *Config) SiteKey() string {
	if c.Daemon.Site != "" {
		return c.Daemon.Site
	}
	return cache.NetworkKey
}

// Resolve returns the snapshot used for site.
func (c *Config) Resolve(site string) (cache.Snapshot, error) {
	return cache.Resolve(c.Sites, site)
}
