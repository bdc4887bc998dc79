// Package config provides configuration file support for pipeguard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jvs-project/pipeguard/pkg/errclass"
)

// FileName is the config file inside the .pipeguard directory.
const FileName = "config.yaml"

// Config represents the pipeguard configuration.
type Config struct {
	Lock       LockConfig       `yaml:"lock"`
	State      StateConfig      `yaml:"state"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LockConfig configures the lock manager. Durations use time.ParseDuration syntax.
type LockConfig struct {
	Timeout    string `yaml:"timeout"`
	StaleAfter string `yaml:"stale_after"`
	MaxWait    string `yaml:"max_wait"`
}

// StateConfig configures the state store and its backups.
type StateConfig struct {
	BackupKeep   int    `yaml:"backup_keep"`
	BackupMaxAge string `yaml:"backup_max_age"`
}

// CheckpointConfig configures checkpoints.
type CheckpointConfig struct {
	RetentionDays int      `yaml:"retention_days"`
	Artifacts     []string `yaml:"artifacts"`
}

// ResilienceConfig configures retry, circuit breakers and recovery.
type ResilienceConfig struct {
	MaxRetries       int    `yaml:"max_retries"`
	BaseDelay        string `yaml:"base_delay"`
	MaxDelay         string `yaml:"max_delay"`
	BreakerThreshold int    `yaml:"breaker_threshold"`
	BreakerCooldown  string `yaml:"breaker_cooldown"`
	WaitDelay        string `yaml:"wait_delay"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // relative to .pipeguard, empty disables
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Lock: LockConfig{
			Timeout:    "30s",
			StaleAfter: "5m",
			MaxWait:    "2s",
		},
		State: StateConfig{
			BackupKeep:   5,
			BackupMaxAge: "168h",
		},
		Checkpoint: CheckpointConfig{
			RetentionDays: 7,
			Artifacts:     []string{FileName, "signals"},
		},
		Resilience: ResilienceConfig{
			MaxRetries:       3,
			BaseDelay:        "1s",
			MaxDelay:         "30s",
			BreakerThreshold: 5,
			BreakerCooldown:  "60s",
			WaitDelay:        "5s",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "pipeline.log",
		},
	}
}

// Path returns the config file location for a workspace root.
func Path(root string) string {
	return filepath.Join(root, ".pipeguard", FileName)
}

// Load loads configuration from .pipeguard/config.yaml.
// Returns default config if file doesn't exist.
func Load(root string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(root))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfiguration.WithMessagef("parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to .pipeguard/config.yaml.
func Save(root string, cfg *Config) error {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks that every duration parses and every count is usable.
func (c *Config) Validate() error {
	for key, value := range c.durations() {
		if _, err := time.ParseDuration(value); err != nil {
			return errclass.ErrConfiguration.WithMessagef("%s: invalid duration %q", key, value)
		}
	}
	if c.State.BackupKeep < 1 {
		return errclass.ErrConfiguration.WithMessage("state.backup_keep must be at least 1")
	}
	if c.Resilience.MaxRetries < 1 {
		return errclass.ErrConfiguration.WithMessage("resilience.max_retries must be at least 1")
	}
	if c.Resilience.BreakerThreshold < 1 {
		return errclass.ErrConfiguration.WithMessage("resilience.breaker_threshold must be at least 1")
	}
	if c.Checkpoint.RetentionDays < 0 {
		return errclass.ErrConfiguration.WithMessage("checkpoint.retention_days must not be negative")
	}
	return nil
}

func (c *Config) durations() map[string]string {
	return map[string]string{
		"lock.timeout":                c.Lock.Timeout,
		"lock.stale_after":            c.Lock.StaleAfter,
		"lock.max_wait":               c.Lock.MaxWait,
		"state.backup_max_age":        c.State.BackupMaxAge,
		"resilience.base_delay":       c.Resilience.BaseDelay,
		"resilience.max_delay":        c.Resilience.MaxDelay,
		"resilience.breaker_cooldown": c.Resilience.BreakerCooldown,
		"resilience.wait_delay":       c.Resilience.WaitDelay,
	}
}

// Duration returns a parsed duration by key, falling back to the default value.
func (c *Config) Duration(key string) time.Duration {
	if d, err := time.ParseDuration(c.durations()[key]); err == nil {
		return d
	}
	d, _ := time.ParseDuration(Default().durations()[key])
	return d
}

// Keys lists every settable key.
func Keys() []string {
	keys := []string{
		"state.backup_keep",
		"checkpoint.retention_days",
		"checkpoint.artifacts",
		"resilience.max_retries",
		"resilience.breaker_threshold",
		"logging.level",
		"logging.file",
	}
	for k := range Default().durations() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the string form of a key.
func (c *Config) Get(key string) (string, error) {
	if v, ok := c.durations()[key]; ok {
		return v, nil
	}
	switch key {
	case "state.backup_keep":
		return strconv.Itoa(c.State.BackupKeep), nil
	case "checkpoint.retention_days":
		return strconv.Itoa(c.Checkpoint.RetentionDays), nil
	case "checkpoint.artifacts":
		return strings.Join(c.Checkpoint.Artifacts, ","), nil
	case "resilience.max_retries":
		return strconv.Itoa(c.Resilience.MaxRetries), nil
	case "resilience.breaker_threshold":
		return strconv.Itoa(c.Resilience.BreakerThreshold), nil
	case "logging.level":
		return c.Logging.Level, nil
	case "logging.file":
		return c.Logging.File, nil
	}
	return "", errclass.ErrConfiguration.WithMessagef("unknown config key: %s", key)
}

// Set sets a key from its string form and re-validates.
func (c *Config) Set(key, value string) error {
	var target *string
	switch key {
	case "lock.timeout":
		target = &c.Lock.Timeout
	case "lock.stale_after":
		target = &c.Lock.StaleAfter
	case "lock.max_wait":
		target = &c.Lock.MaxWait
	case "state.backup_max_age":
		target = &c.State.BackupMaxAge
	case "resilience.base_delay":
		target = &c.Resilience.BaseDelay
	case "resilience.max_delay":
		target = &c.Resilience.MaxDelay
	case "resilience.breaker_cooldown":
		target = &c.Resilience.BreakerCooldown
	case "resilience.wait_delay":
		target = &c.Resilience.WaitDelay
	case "logging.level":
		target = &c.Logging.Level
	case "logging.file":
		target = &c.Logging.File
	case "checkpoint.artifacts":
		c.Checkpoint.Artifacts = splitList(value)
		return c.Validate()
	case "state.backup_keep", "checkpoint.retention_days", "resilience.max_retries", "resilience.breaker_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errclass.ErrConfiguration.WithMessagef("%s: expected an integer, got %q", key, value)
		}
		switch key {
		case "state.backup_keep":
			c.State.BackupKeep = n
		case "checkpoint.retention_days":
			c.Checkpoint.RetentionDays = n
		case "resilience.max_retries":
			c.Resilience.MaxRetries = n
		default:
			c.Resilience.BreakerThreshold = n
		}
		return c.Validate()
	default:
		return errclass.ErrConfiguration.WithMessagef("unknown config key: %s", key)
	}
	*target = value
	return c.Validate()
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
