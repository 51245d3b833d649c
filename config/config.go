// Package config loads the client runtime's configuration from a yaml file
// and carries an embedded, documented example.
package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config is the complete runtime configuration for a Client.
type Config struct {
	Relays    Relays    `yaml:"relays"`
	Pool      Pool      `yaml:"pool"`
	Gossip    Gossip    `yaml:"gossip"`
	Sync      Sync      `yaml:"sync"`
	Storage   Storage   `yaml:"storage"`
	Caching   Caching   `yaml:"caching"`
	Logging   Logging   `yaml:"logging"`
}

// Relays holds seed relays and per-connection policy.
type Relays struct {
	Seeds  []string    `yaml:"seeds"`
	Policy RelayPolicy `yaml:"policy"`
}

// RelayPolicy tunes the per-relay connection state machine in package
// relay.
type RelayPolicy struct {
	ConnectTimeoutMs  int   `yaml:"connect_timeout_ms"`
	MaxConcurrentSubs int   `yaml:"max_concurrent_subs"`
	BackoffMs         []int `yaml:"backoff_ms"`
	PingIntervalMs    int   `yaml:"ping_interval_ms"`
	MaxMissedPings    int   `yaml:"max_missed_pings"`
	SendQueueSize     int   `yaml:"send_queue_size"`
	RateLimitPerMin   int   `yaml:"rate_limit_per_minute"`
}

// Pool configures the relay pool's dedup cache and fan-out concurrency.
type Pool struct {
	DedupCacheSize   int `yaml:"dedup_cache_size"`
	FanOutConcurrency int `yaml:"fan_out_concurrency"`
}

// Gossip configures the gossip router and updater.
type Gossip struct {
	Enabled            bool `yaml:"enabled"`
	MaxWriteRelays     int  `yaml:"max_write_relays"`
	MaxReadRelays      int  `yaml:"max_read_relays"`
	MaxHintRelays      int  `yaml:"max_hint_relays"`
	MaxMostReceived    int  `yaml:"max_most_received"`
	MaxNIP17Relays     int  `yaml:"max_nip17_relays"`
	FreshnessTTLMin    int  `yaml:"freshness_ttl_minutes"`
	FailedRetryTTLMin  int  `yaml:"failed_retry_ttl_minutes"`
}

// Sync configures negentropy reconciliation.
type Sync struct {
	UseNegentropy       bool `yaml:"use_negentropy"`
	InitialTimeoutMs    int  `yaml:"initial_timeout_ms"`
	IdleTimeoutMs       int  `yaml:"idle_timeout_ms"`
	CapabilityTTLHours  int  `yaml:"capability_ttl_hours"`
}

// Storage selects the EventStore backend.
type Storage struct {
	Driver     string `yaml:"driver"` // memory|fiatjaf
	SQLitePath string `yaml:"sqlite_path"`
}

// Caching configures the optional Redis-backed gossip store.
type Caching struct {
	Engine   string `yaml:"engine"` // memory|redis
	RedisURL string `yaml:"redis_url"`
}

// Logging selects the minimum log level.
type Logging struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// Load reads and validates a configuration file, applying defaults (see
// applyDefaults) to zero-valued fields. Boolean fields, Storage.SQLitePath
// and Caching.RedisURL are not defaulted: a zero value there is kept.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if url := os.Getenv("NOSTRRELAY_REDIS_URL"); url != "" {
		cfg.Caching.RedisURL = url
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// GetExampleConfig returns the embedded example configuration.
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Relays: Relays{
			Seeds: []string{
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://nos.lol",
			},
			Policy: RelayPolicy{
				ConnectTimeoutMs:  5000,
				MaxConcurrentSubs: 20,
				BackoffMs:         []int{500, 1500, 5000, 15000},
				PingIntervalMs:    30000,
				MaxMissedPings:    3,
				SendQueueSize:     256,
				RateLimitPerMin:   240,
			},
		},
		Pool: Pool{
			DedupCacheSize:    100_000,
			FanOutConcurrency: 32,
		},
		Gossip: Gossip{
			Enabled:           true,
			MaxWriteRelays:    4,
			MaxReadRelays:     4,
			MaxHintRelays:     2,
			MaxMostReceived:   2,
			MaxNIP17Relays:    3,
			FreshnessTTLMin:   60,
			FailedRetryTTLMin: 10,
		},
		Sync: Sync{
			UseNegentropy:      true,
			InitialTimeoutMs:   5000,
			IdleTimeoutMs:      10000,
			CapabilityTTLHours: 168,
		},
		Storage: Storage{
			Driver:     "memory",
			SQLitePath: "./data/events.db",
		},
		Caching: Caching{
			Engine: "memory",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

func applyDefaults(cfg *Config) {
	d := Default()

	if len(cfg.Relays.Seeds) == 0 {
		cfg.Relays.Seeds = d.Relays.Seeds
	}
	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = d.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.MaxConcurrentSubs == 0 {
		cfg.Relays.Policy.MaxConcurrentSubs = d.Relays.Policy.MaxConcurrentSubs
	}
	if len(cfg.Relays.Policy.BackoffMs) == 0 {
		cfg.Relays.Policy.BackoffMs = d.Relays.Policy.BackoffMs
	}
	if cfg.Relays.Policy.PingIntervalMs == 0 {
		cfg.Relays.Policy.PingIntervalMs = d.Relays.Policy.PingIntervalMs
	}
	if cfg.Relays.Policy.MaxMissedPings == 0 {
		cfg.Relays.Policy.MaxMissedPings = d.Relays.Policy.MaxMissedPings
	}
	if cfg.Relays.Policy.SendQueueSize == 0 {
		cfg.Relays.Policy.SendQueueSize = d.Relays.Policy.SendQueueSize
	}
	if cfg.Relays.Policy.RateLimitPerMin == 0 {
		cfg.Relays.Policy.RateLimitPerMin = d.Relays.Policy.RateLimitPerMin
	}
	if cfg.Pool.DedupCacheSize == 0 {
		cfg.Pool.DedupCacheSize = d.Pool.DedupCacheSize
	}
	if cfg.Pool.FanOutConcurrency == 0 {
		cfg.Pool.FanOutConcurrency = d.Pool.FanOutConcurrency
	}
	if cfg.Gossip.MaxWriteRelays == 0 {
		cfg.Gossip.MaxWriteRelays = d.Gossip.MaxWriteRelays
	}
	if cfg.Gossip.MaxReadRelays == 0 {
		cfg.Gossip.MaxReadRelays = d.Gossip.MaxReadRelays
	}
	if cfg.Gossip.MaxHintRelays == 0 {
		cfg.Gossip.MaxHintRelays = d.Gossip.MaxHintRelays
	}
	if cfg.Gossip.MaxMostReceived == 0 {
		cfg.Gossip.MaxMostReceived = d.Gossip.MaxMostReceived
	}
	if cfg.Gossip.MaxNIP17Relays == 0 {
		cfg.Gossip.MaxNIP17Relays = d.Gossip.MaxNIP17Relays
	}
	if cfg.Gossip.FreshnessTTLMin == 0 {
		cfg.Gossip.FreshnessTTLMin = d.Gossip.FreshnessTTLMin
	}
	if cfg.Gossip.FailedRetryTTLMin == 0 {
		cfg.Gossip.FailedRetryTTLMin = d.Gossip.FailedRetryTTLMin
	}
	if cfg.Sync.InitialTimeoutMs == 0 {
		cfg.Sync.InitialTimeoutMs = d.Sync.InitialTimeoutMs
	}
	if cfg.Sync.IdleTimeoutMs == 0 {
		cfg.Sync.IdleTimeoutMs = d.Sync.IdleTimeoutMs
	}
	if cfg.Sync.CapabilityTTLHours == 0 {
		cfg.Sync.CapabilityTTLHours = d.Sync.CapabilityTTLHours
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = d.Storage.Driver
	}
	if cfg.Caching.Engine == "" {
		cfg.Caching.Engine = d.Caching.Engine
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validStorageDrivers = map[string]bool{"memory": true, "fiatjaf": true}
var validCacheEngines = map[string]bool{"memory": true, "redis": true}

// Validate checks a configuration for obviously broken values.
func Validate(cfg *Config) error {
	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("at least one relay seed is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "wss://") && !strings.HasPrefix(seed, "ws://") {
			return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
		}
	}
	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: memory, fiatjaf)", cfg.Storage.Driver)
	}
	if !validCacheEngines[cfg.Caching.Engine] {
		return fmt.Errorf("invalid cache engine: %s (must be one of: memory, redis)", cfg.Caching.Engine)
	}
	if cfg.Caching.Engine == "redis" && cfg.Caching.RedisURL == "" {
		return fmt.Errorf("caching.redis_url is required when caching.engine is redis")
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if cfg.Pool.DedupCacheSize < 1 {
		return fmt.Errorf("pool.dedup_cache_size must be positive")
	}
	if cfg.Gossip.MaxNIP17Relays < 1 {
		return fmt.Errorf("gossip.max_nip17_relays must be positive")
	}
	return nil
}
