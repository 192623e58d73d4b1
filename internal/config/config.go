// Package config loads daemon configuration from a .env file in the
// project root, overridable by environment variables. Ported from the
// teacher's internal/config/config.go .env-plus-override pattern,
// generalized from a single device IP/credential pair to the full set of
// daemon tunables (base dir, baud, poll rates, recovery thresholds,
// backoff params).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every daemon-wide tunable. Zero values are filled by
// Default() before .env/env-var overrides are applied.
type Config struct {
	BaseDir string // root directory for session state, registry, capture output

	DefaultBaud int

	StatusPollInterval time.Duration
	WatchpointPollHz   int

	BootLoopThreshold   int
	StuckTimeout        time.Duration
	CrashRecoveryDelay  time.Duration
	MaxRecoveryAttempts int
	ActivityWindow      time.Duration
	ActivityThreshold   int

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffMaxRetries int
}

// Default returns the built-in defaults, matching health.DefaultConfig and
// transport.DefaultBackoffConfig except for BackoffMaxRetries, which is 10
// here while the transport default of 0 means unlimited, so a bare daemon
// start needs no .env file.
func Default() Config {
	return Config{
		BaseDir:             defaultBaseDir(),
		DefaultBaud:         115200,
		StatusPollInterval:  time.Second,
		WatchpointPollHz:    100,
		BootLoopThreshold:   5,
		StuckTimeout:        60 * time.Second,
		CrashRecoveryDelay:  2 * time.Second,
		MaxRecoveryAttempts: 3,
		ActivityWindow:      30 * time.Second,
		ActivityThreshold:   10,
		BackoffInitial:      500 * time.Millisecond,
		BackoffMax:          30 * time.Second,
		BackoffMultiplier:   2.0,
		BackoffMaxRetries:   10,
	}
}

func defaultBaseDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".ebridge")
	}
	return ".ebridge"
}

var (
	loaded    *Config
	loadError error
)

// Load reads .env from the project root (if present) and applies
// environment variable overrides, caching the result like the teacher's
// LoadDeviceConfig. Call Reset in tests that need to reload.
func Load() (*Config, error) {
	if loaded != nil {
		return loaded, loadError
	}

	cfg := Default()

	envPath := filepath.Join(findProjectRoot(), ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), &cfg)
	}
	applyEnvOverrides(&cfg)

	loaded = &cfg
	return loaded, nil
}

// Reset clears the cached config, forcing the next Load to re-read .env
// and the environment. Exists for test isolation.
func Reset() {
	loaded = nil
	loadError = nil
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

func parseEnvFile(content string, cfg *Config) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		applyKV(cfg, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, key := range []string{
		"EBRIDGE_BASE_DIR", "EBRIDGE_DEFAULT_BAUD", "EBRIDGE_STATUS_POLL_INTERVAL_MS",
		"EBRIDGE_WATCHPOINT_POLL_HZ", "EBRIDGE_BOOT_LOOP_THRESHOLD", "EBRIDGE_STUCK_TIMEOUT_S",
		"EBRIDGE_CRASH_RECOVERY_DELAY_S", "EBRIDGE_MAX_RECOVERY_ATTEMPTS", "EBRIDGE_ACTIVITY_WINDOW_S",
		"EBRIDGE_ACTIVITY_THRESHOLD", "EBRIDGE_BACKOFF_INITIAL_MS", "EBRIDGE_BACKOFF_MAX_MS",
		"EBRIDGE_BACKOFF_MULTIPLIER", "EBRIDGE_BACKOFF_MAX_RETRIES",
	} {
		if v := os.Getenv(key); v != "" {
			applyKV(cfg, key, v)
		}
	}
}

func applyKV(cfg *Config, key, value string) {
	switch key {
	case "EBRIDGE_BASE_DIR":
		cfg.BaseDir = value
	case "EBRIDGE_DEFAULT_BAUD":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.DefaultBaud = n
		}
	case "EBRIDGE_STATUS_POLL_INTERVAL_MS":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.StatusPollInterval = time.Duration(n) * time.Millisecond
		}
	case "EBRIDGE_WATCHPOINT_POLL_HZ":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.WatchpointPollHz = n
		}
	case "EBRIDGE_BOOT_LOOP_THRESHOLD":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.BootLoopThreshold = n
		}
	case "EBRIDGE_STUCK_TIMEOUT_S":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.StuckTimeout = time.Duration(n) * time.Second
		}
	case "EBRIDGE_CRASH_RECOVERY_DELAY_S":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.CrashRecoveryDelay = time.Duration(n) * time.Second
		}
	case "EBRIDGE_MAX_RECOVERY_ATTEMPTS":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MaxRecoveryAttempts = n
		}
	case "EBRIDGE_ACTIVITY_WINDOW_S":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ActivityWindow = time.Duration(n) * time.Second
		}
	case "EBRIDGE_ACTIVITY_THRESHOLD":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.ActivityThreshold = n
		}
	case "EBRIDGE_BACKOFF_INITIAL_MS":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.BackoffInitial = time.Duration(n) * time.Millisecond
		}
	case "EBRIDGE_BACKOFF_MAX_MS":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.BackoffMax = time.Duration(n) * time.Millisecond
		}
	case "EBRIDGE_BACKOFF_MULTIPLIER":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			cfg.BackoffMultiplier = f
		}
	case "EBRIDGE_BACKOFF_MAX_RETRIES":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.BackoffMaxRetries = n
		}
	}
}

// MustLoad loads the config, panicking if BaseDir cannot be determined at
// all (the only genuinely fatal misconfiguration, since every other field
// has a usable default).
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic("config.MustLoad: " + err.Error())
	}
	if cfg.BaseDir == "" {
		panic("config.MustLoad: BaseDir could not be determined")
	}
	return *cfg
}
