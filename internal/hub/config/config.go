// Package config loads hub and client configuration from defaults, an
// optional YAML file, and the environment, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the runtime configuration shared by the hub server and
// the AutoHub client. Durations are stored as milliseconds on the wire
// (the knob names end in _MS) and exposed as time.Duration here.
type Config struct {
	HubPort    int    `koanf:"hub_port"`
	HealthPort int    `koanf:"health_port"` // 0 disables the health endpoint
	DataDir    string `koanf:"data_dir"`    // "" disables audit log and snapshot

	OperationTimeoutMS    int64 `koanf:"operation_timeout_ms"`
	OperationCleanupAgeMS int64 `koanf:"operation_cleanup_age_ms"`
	KeepaliveIntervalMS   int64 `koanf:"keepalive_interval_ms"`
	ReconnectBaseMS       int64 `koanf:"reconnect_base_ms"`
	ReconnectMaxMS        int64 `koanf:"reconnect_max_ms"`

	// MaxReconnectAttempts < 0 means unbounded.
	MaxReconnectAttempts int    `koanf:"max_reconnect_attempts"`
	LogLevel             string `koanf:"log_level"`
	ForceHubCreation     bool   `koanf:"force_hub_creation"`
	ParentPID            int    `koanf:"parent_pid"`
	MaxPayloadBytes      int    `koanf:"max_payload_bytes"`
}

// envKeys maps environment variable names to koanf keys. Only listed
// variables are read; the rest of the environment is ignored.
var envKeys = map[string]string{
	"HUB_PORT":                 "hub_port",
	"HEALTH_PORT":              "health_port",
	"TABHUB_DATA_DIR":          "data_dir",
	"OPERATION_TIMEOUT_MS":     "operation_timeout_ms",
	"OPERATION_CLEANUP_AGE_MS": "operation_cleanup_age_ms",
	"KEEPALIVE_INTERVAL_MS":    "keepalive_interval_ms",
	"RECONNECT_BASE_MS":        "reconnect_base_ms",
	"RECONNECT_MAX_MS":         "reconnect_max_ms",
	"MAX_RECONNECT_ATTEMPTS":   "max_reconnect_attempts",
	"LOG_LEVEL":                "log_level",
	"FORCE_HUB_CREATION":       "force_hub_creation",
	"PARENT_PID":               "parent_pid",
	"MAX_PAYLOAD_BYTES":        "max_payload_bytes",
}

func defaults() map[string]any {
	return map[string]any{
		"hub_port":                 54321,
		"health_port":              0,
		"data_dir":                 "",
		"operation_timeout_ms":     180000,
		"operation_cleanup_age_ms": 3600000,
		"keepalive_interval_ms":    30000,
		"reconnect_base_ms":        1000,
		"reconnect_max_ms":         30000,
		"max_reconnect_attempts":   -1,
		"log_level":                "info",
		"force_hub_creation":       false,
		"parent_pid":               0,
		"max_payload_bytes":        8 << 20,
	}
}

// Load builds a Config from defaults, the optional YAML file at path
// (ignored when empty), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			if mapped, ok := envKeys[key]; ok {
				return mapped, value
			}
			return "", nil
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values and ensures the data directory
// exists when set.
func (c *Config) Validate() error {
	if c.HubPort <= 0 || c.HubPort > 65535 {
		return fmt.Errorf("hub_port %d out of range", c.HubPort)
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("health_port %d out of range", c.HealthPort)
	}
	if c.OperationTimeoutMS <= 0 {
		return fmt.Errorf("operation_timeout_ms must be positive")
	}
	if c.KeepaliveIntervalMS <= 0 {
		return fmt.Errorf("keepalive_interval_ms must be positive")
	}
	if c.DataDir != "" {
		if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	return nil
}

// OperationTimeout is the default deadline for extension calls.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutMS) * time.Millisecond
}

// OperationCleanupAge is the terminal-operation retention period.
func (c *Config) OperationCleanupAge() time.Duration {
	return time.Duration(c.OperationCleanupAgeMS) * time.Millisecond
}

// KeepaliveInterval is the ping cadence for connection liveness.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMS) * time.Millisecond
}

// ReconnectBase is the initial reconnection backoff delay.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

// ReconnectMax caps the reconnection backoff delay.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

// SnapshotPath is where the operation manager persists its table, or ""
// when no data dir is configured.
func (c *Config) SnapshotPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "operations.snapshot")
}

// AuditDBPath is the SQLite audit database path, or "" when disabled.
func (c *Config) AuditDBPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "audit.db")
}
