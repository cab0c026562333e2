// Copyright 2024-2026 Aiku AI

package clubsync

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the engine and daemon configuration.
type Config struct {
	Relays      []string `yaml:"relays"`
	DirectRelay string   `yaml:"direct_relay"`

	QueryTimeoutMs   int `yaml:"query_timeout_ms"`
	DirectTimeoutMs  int `yaml:"direct_timeout_ms"`
	PublishTimeoutMs int `yaml:"publish_timeout_ms"`

	HistoryDays int `yaml:"history_days"`
	SyncLimit   int `yaml:"sync_limit"`

	QueueIntervalMs   int `yaml:"queue_interval_ms"`
	ResyncIntervalMs  int `yaml:"resync_interval_ms"`
	QueueItemDelayMs  int `yaml:"queue_item_delay_ms"`
	QueueCap          int `yaml:"queue_cap"`
	VisibilityDelayMs int `yaml:"visibility_delay_ms"`

	MembershipListName string `yaml:"membership_list_name"`
	PrivateKey         string `yaml:"private_key"`

	Storage StorageConfig `yaml:"storage"`

	// AdminAPIAddr is the listen address for the admin HTTP API. Empty
	// disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	Database      string `yaml:"database"`
	KVBackend     string `yaml:"kv_backend"`
	KVPath        string `yaml:"kv_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

const (
	defaultQueryTimeout    = 5 * time.Second
	defaultDirectTimeout   = 8 * time.Second
	defaultPublishTimeout  = 5 * time.Second
	defaultHistoryDays     = 30
	defaultSyncLimit       = 50
	defaultQueueInterval   = 3 * time.Second
	defaultResyncInterval  = 2 * time.Minute
	defaultQueueItemDelay  = 250 * time.Millisecond
	defaultQueueCap        = 50
	defaultVisibilityDelay = 5 * time.Second
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills unset values with defaults and validates the rest.
func (c *Config) PostProcess() error {
	relays := c.Relays[:0]
	for _, r := range c.Relays {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
			return fmt.Errorf("relay %q must be a ws:// or wss:// URL", r)
		}
		relays = append(relays, r)
	}
	c.Relays = relays
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay is required")
	}
	if c.HistoryDays <= 0 {
		c.HistoryDays = defaultHistoryDays
	}
	if c.SyncLimit <= 0 {
		c.SyncLimit = defaultSyncLimit
	}
	if c.QueueCap <= 0 {
		c.QueueCap = defaultQueueCap
	}
	if c.MembershipListName == "" {
		c.MembershipListName = "groups"
	}
	switch c.Storage.KVBackend {
	case "":
		c.Storage.KVBackend = "file"
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("unknown kv_backend %q", c.Storage.KVBackend)
	}
	return nil
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Config) QueryTimeout() time.Duration {
	return msOr(c.QueryTimeoutMs, defaultQueryTimeout)
}

func (c *Config) DirectTimeout() time.Duration {
	return msOr(c.DirectTimeoutMs, defaultDirectTimeout)
}

func (c *Config) PublishTimeout() time.Duration {
	return msOr(c.PublishTimeoutMs, defaultPublishTimeout)
}

func (c *Config) QueueInterval() time.Duration {
	return msOr(c.QueueIntervalMs, defaultQueueInterval)
}

func (c *Config) ResyncInterval() time.Duration {
	return msOr(c.ResyncIntervalMs, defaultResyncInterval)
}

// QueueItemDelay may legitimately be zero.
func (c *Config) QueueItemDelay() time.Duration {
	if c.QueueItemDelayMs < 0 {
		return defaultQueueItemDelay
	}
	return time.Duration(c.QueueItemDelayMs) * time.Millisecond
}

func (c *Config) VisibilityDelay() time.Duration {
	return msOr(c.VisibilityDelayMs, defaultVisibilityDelay)
}

// HistoryWindow is the lookback used for the historical fetch.
func (c *Config) HistoryWindow() time.Duration {
	return time.Duration(c.HistoryDays) * 24 * time.Hour
}

// DirectRelayURL is the relay used by the direct membership tier.
func (c *Config) DirectRelayURL() string {
	if c.DirectRelay != "" {
		return c.DirectRelay
	}
	if len(c.Relays) > 0 {
		return c.Relays[0]
	}
	return ""
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.List, "relays")
	helper.Copy(up.Str, "direct_relay")
	helper.Copy(up.Int, "query_timeout_ms")
	helper.Copy(up.Int, "direct_timeout_ms")
	helper.Copy(up.Int, "publish_timeout_ms")
	helper.Copy(up.Int, "history_days")
	helper.Copy(up.Int, "sync_limit")
	helper.Copy(up.Int, "queue_interval_ms")
	helper.Copy(up.Int, "resync_interval_ms")
	helper.Copy(up.Int, "queue_item_delay_ms")
	helper.Copy(up.Int, "queue_cap")
	helper.Copy(up.Int, "visibility_delay_ms")
	helper.Copy(up.Str, "membership_list_name")
	helper.Copy(up.Str|up.Null, "private_key")
	helper.Copy(up.Str, "storage", "database")
	helper.Copy(up.Str, "storage", "kv_backend")
	helper.Copy(up.Str, "storage", "kv_path")
	helper.Copy(up.Str, "storage", "redis_addr")
	helper.Copy(up.Str|up.Null, "storage", "redis_password")
	helper.Copy(up.Int, "storage", "redis_db")
	helper.Copy(up.Str, "storage", "redis_prefix")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")
}

// Upgrader merges a user config over the embedded example.
var Upgrader up.BaseUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"query_timeout_ms"},
		{"history_days"},
		{"queue_interval_ms"},
		{"membership_list_name"},
		{"storage"},
		{"admin_api_addr"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// UpgradeConfig merges data over the example config and returns the
// resulting YAML. Unknown keys in data are dropped.
func UpgradeConfig(data []byte) ([]byte, error) {
	var base, cfg yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to unmarshal example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Kind != 0 {
		Upgrader.DoUpgrade(up.NewHelper(&base, &cfg))
	}
	out, err := yaml.Marshal(&base)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upgraded config: %w", err)
	}
	return out, nil
}

// ParseConfig upgrades data, decodes it and runs PostProcess.
func ParseConfig(data []byte) (*Config, error) {
	merged, err := UpgradeConfig(data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads path and parses it. When save is set the merged
// config is written back so new keys show up in the user's file.
func LoadConfig(path string, save bool) (*Config, error) {
	if path == "" {
		return ParseConfig(nil)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	merged, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
