package logging

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "MEMCOH_LOG_LEVEL"
	EnvLogTimestamp = "MEMCOH_LOG_TIMESTAMP"
	EnvLogNoColor   = "MEMCOH_LOG_NOCOLOR"
	EnvLogJSON      = "MEMCOH_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// ConfigureRuntime installs the runtime logger as the global logger.
func ConfigureRuntime() *Logger {
	return Configure(ProfileRuntime, "")
}

// ConfigureTests installs a quiet logger for tests.
func ConfigureTests() *Logger {
	return Configure(ProfileTest, "")
}

// Settings are logging options read from a config file. The environment
// overrides them.
type Settings struct {
	Level   string
	JSON    bool
	NoColor bool
}

// Configure builds the logger for profile, applies level (if non-empty) and
// then the environment overrides, and installs it globally.
func Configure(profile Profile, level string) *Logger {
	return ConfigureSettings(profile, Settings{Level: level})
}

// ConfigureSettings is Configure with the full set of file options.
func ConfigureSettings(profile Profile, s Settings) *Logger {
	cfg := DefaultConfig(profile)
	if lvl, ok := ParseLevel(s.Level); ok {
		cfg.Level = lvl
	}
	cfg.JSON = cfg.JSON || s.JSON
	cfg.NoColor = cfg.NoColor || s.NoColor
	applyEnvOverrides(&cfg)
	l := New(cfg)
	SetLogger(l)
	return l
}

// DefaultConfig returns the baseline settings of a profile.
func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.WarnLevel, NoColor: true}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
