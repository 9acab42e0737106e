// Package config loads the memcoh TOML configuration.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Readm/memcoh/backoff"
	"github.com/Readm/memcoh/logging"
	"github.com/Readm/memcoh/protocols"
)

const (
	DefaultCacheCapacity  = 64
	DefaultChannelTimeout = 2 * time.Second
	DefaultListen         = "127.0.0.1:7070"
	DefaultStateDir       = ".memcoh"
)

// Channel, payload and persistence backends.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindRemote = "remote"
	KindNone   = "none"
	KindJSON   = "json"
)

// Writeback policies.
const (
	WritebackEager = "eager"
	WritebackLazy  = "lazy"
)

// Config is the full memcoh configuration file.
type Config struct {
	Node    NodeConfig    `toml:"node"`
	Channel ChannelConfig `toml:"channel"`
	Payload PayloadConfig `toml:"payload"`
	Persist PersistConfig `toml:"persist"`
	Retry   RetryConfig   `toml:"retry"`
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`
}

// NodeConfig describes the local node controller.
type NodeConfig struct {
	ID            int      `toml:"id"`
	CacheCapacity int      `toml:"cache_capacity"`
	Protocol      string   `toml:"protocol"`
	Writeback     string   `toml:"writeback"`
	Plugins       []string `toml:"plugins"`
}

// ChannelConfig selects the shared state channel.
type ChannelConfig struct {
	Kind    string        `toml:"kind"`
	Path    string        `toml:"path"`
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
	Retain  int           `toml:"retain"`
}

// PayloadConfig selects the backing payload store. A remote payload store
// shares the channel's server connection settings when URL is empty.
type PayloadConfig struct {
	Kind string `toml:"kind"`
	Path string `toml:"path"`
	URL  string `toml:"url"`
}

// PersistConfig selects where a node keeps its local cache between runs.
type PersistConfig struct {
	Kind string `toml:"kind"`
	Dir  string `toml:"dir"`
}

// RetryConfig bounds the controller's retry loop.
type RetryConfig struct {
	MaxAttempts  int           `toml:"max_attempts"`
	InitialDelay time.Duration `toml:"initial_delay"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Multiplier   float64       `toml:"multiplier"`
	Jitter       bool          `toml:"jitter"`
}

// ServerConfig configures the directory server process.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// LogConfig configures logging; environment variables still override it.
type LogConfig struct {
	Level   string `toml:"level"`
	JSON    bool   `toml:"json"`
	NoColor bool   `toml:"no_color"`
}

// Default returns a single-process configuration backed by memory.
func Default() Config {
	retry := backoff.Default()
	return Config{
		Node: NodeConfig{
			CacheCapacity: DefaultCacheCapacity,
			Protocol:      protocols.Default,
			Writeback:     WritebackEager,
			Plugins:       []string{"audit"},
		},
		Channel: ChannelConfig{Kind: KindMemory, Timeout: DefaultChannelTimeout},
		Payload: PayloadConfig{Kind: KindMemory},
		Persist: PersistConfig{Kind: KindNone, Dir: DefaultStateDir},
		Retry: RetryConfig{
			MaxAttempts:  retry.MaxAttempts,
			InitialDelay: retry.InitialDelay,
			MaxDelay:     retry.MaxDelay,
			Multiplier:   retry.Multiplier,
			Jitter:       retry.Jitter,
		},
		Server: ServerConfig{Listen: DefaultListen},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate applies structural checks and populates defaults where required.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if cfg.Node.ID < 0 {
		return fmt.Errorf("node.id must be non-negative, got %d", cfg.Node.ID)
	}
	if cfg.Node.CacheCapacity < 0 {
		return fmt.Errorf("node.cache_capacity must be positive, got %d", cfg.Node.CacheCapacity)
	}
	if cfg.Node.CacheCapacity == 0 {
		cfg.Node.CacheCapacity = DefaultCacheCapacity
	}
	cfg.Node.Protocol = strings.ToLower(strings.TrimSpace(cfg.Node.Protocol))
	if _, err := protocols.Lookup(cfg.Node.Protocol); err != nil {
		return fmt.Errorf("node.protocol: %w", err)
	}
	if cfg.Node.Protocol == "" {
		cfg.Node.Protocol = protocols.Default
	}
	switch cfg.Node.Writeback = strings.ToLower(strings.TrimSpace(cfg.Node.Writeback)); cfg.Node.Writeback {
	case "":
		cfg.Node.Writeback = WritebackEager
	case WritebackEager, WritebackLazy:
	default:
		return fmt.Errorf("node.writeback must be %q or %q, got %q", WritebackEager, WritebackLazy, cfg.Node.Writeback)
	}

	switch cfg.Channel.Kind = normalizeKind(cfg.Channel.Kind, KindMemory); cfg.Channel.Kind {
	case KindMemory:
	case KindFile, KindSQLite:
		if cfg.Channel.Path == "" {
			return fmt.Errorf("channel.path is required for kind %q", cfg.Channel.Kind)
		}
	case KindRemote:
		if cfg.Channel.URL == "" {
			return errors.New("channel.url is required for kind \"remote\"")
		}
	default:
		return fmt.Errorf("unknown channel.kind %q", cfg.Channel.Kind)
	}
	if cfg.Channel.Timeout <= 0 {
		cfg.Channel.Timeout = DefaultChannelTimeout
	}
	if cfg.Channel.Retain < 0 {
		return fmt.Errorf("channel.retain must be non-negative, got %d", cfg.Channel.Retain)
	}

	switch cfg.Payload.Kind = normalizeKind(cfg.Payload.Kind, KindMemory); cfg.Payload.Kind {
	case KindMemory:
	case KindSQLite:
		if cfg.Payload.Path == "" {
			return errors.New("payload.path is required for kind \"sqlite\"")
		}
	case KindRemote:
		if cfg.Payload.URL == "" {
			cfg.Payload.URL = cfg.Channel.URL
		}
		if cfg.Payload.URL == "" {
			return errors.New("payload.url is required for kind \"remote\"")
		}
	default:
		return fmt.Errorf("unknown payload.kind %q", cfg.Payload.Kind)
	}

	switch cfg.Persist.Kind = normalizeKind(cfg.Persist.Kind, KindNone); cfg.Persist.Kind {
	case KindNone, KindJSON, KindSQLite:
	default:
		return fmt.Errorf("unknown persist.kind %q", cfg.Persist.Kind)
	}
	if cfg.Persist.Dir == "" {
		cfg.Persist.Dir = DefaultStateDir
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = backoff.Default().MaxAttempts
	}
	if cfg.Retry.InitialDelay < 0 || cfg.Retry.MaxDelay < 0 {
		return errors.New("retry delays must be non-negative")
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 1
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok && cfg.Log.Level != "" {
		return fmt.Errorf("unknown log.level %q", cfg.Log.Level)
	}
	return nil
}

// Backoff converts the retry section.
func (c Config) Backoff() backoff.Config {
	return backoff.Config{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}
}

// PersistPath returns the node-private cache store path for node, or ""
// when persistence is off.
func (c Config) PersistPath(node int) string {
	switch c.Persist.Kind {
	case KindJSON:
		return filepath.Join(c.Persist.Dir, fmt.Sprintf("cache_vm%d.json", node))
	case KindSQLite:
		return filepath.Join(c.Persist.Dir, fmt.Sprintf("cache_vm%d.db", node))
	default:
		return ""
	}
}

func normalizeKind(kind, def string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return def
	}
	return kind
}
