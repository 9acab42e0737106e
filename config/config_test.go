package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memcoh.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[node]
id = 2
protocol = "MOESI"
writeback = "lazy"

[channel]
kind = "sqlite"
path = "/tmp/dir.db"
timeout = "750ms"

[retry]
max_attempts = 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Node.ID != 2 || cfg.Node.Protocol != "moesi" || cfg.Node.Writeback != WritebackLazy {
		t.Fatalf("unexpected node section %+v", cfg.Node)
	}
	if cfg.Node.CacheCapacity != DefaultCacheCapacity {
		t.Fatalf("expected default capacity, got %d", cfg.Node.CacheCapacity)
	}
	if cfg.Channel.Kind != KindSQLite || cfg.Channel.Timeout != 750*time.Millisecond {
		t.Fatalf("unexpected channel section %+v", cfg.Channel)
	}
	if cfg.Backoff().MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Backoff().MaxAttempts)
	}
	if cfg.Payload.Kind != KindMemory || cfg.Persist.Kind != KindNone {
		t.Fatalf("expected default payload/persist kinds, got %+v %+v", cfg.Payload, cfg.Persist)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[node]\nidd = 1\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "node.idd") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"negative node":  func(c *Config) { c.Node.ID = -1 },
		"protocol":       func(c *Config) { c.Node.Protocol = "dragon" },
		"writeback":      func(c *Config) { c.Node.Writeback = "sometimes" },
		"channel kind":   func(c *Config) { c.Channel.Kind = "carrier-pigeon" },
		"file path":      func(c *Config) { c.Channel.Kind = KindFile },
		"remote url":     func(c *Config) { c.Channel.Kind = KindRemote },
		"payload sqlite": func(c *Config) { c.Payload.Kind = KindSQLite },
		"persist":        func(c *Config) { c.Persist.Kind = "tape" },
		"log level":      func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(&cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestRemotePayloadInheritsChannelURL(t *testing.T) {
	cfg := Default()
	cfg.Channel.Kind = KindRemote
	cfg.Channel.URL = "ws://127.0.0.1:7070/ws"
	cfg.Payload.Kind = KindRemote
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if cfg.Payload.URL != cfg.Channel.URL {
		t.Fatalf("expected payload url to default to channel url, got %q", cfg.Payload.URL)
	}
}

func TestPersistPath(t *testing.T) {
	cfg := Default()
	if cfg.PersistPath(1) != "" {
		t.Fatalf("expected no path with persistence off")
	}
	cfg.Persist = PersistConfig{Kind: KindJSON, Dir: "state"}
	if got := cfg.PersistPath(3); got != filepath.Join("state", "cache_vm3.json") {
		t.Fatalf("unexpected json path %q", got)
	}
}
