// Package config is the single Config struct assembled at construction
// time (spec §6, §9 "configuration injection") — loaded from YAML and
// overridable from the environment, in the same Load/Validate shape the
// teacher uses for its own top-level configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level control-plane configuration of spec §6.
type Config struct {
	Lease        LeaseConfig        `yaml:"lease"`
	Retry        RetryConfig        `yaml:"retry"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Partials     PartialsConfig     `yaml:"partials"`
	StateMachine StateMachineConfig `yaml:"state_machine"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
}

// LeaseConfig holds the lease-engine tunables of spec §6.
type LeaseConfig struct {
	TTLSeconds            int     `yaml:"ttl_seconds"`
	HeartbeatEverySeconds int     `yaml:"heartbeat_every_seconds"`
	Backend               string  `yaml:"backend"` // "database" or "keyvalue"
	MaxPerAgent           *int    `yaml:"max_per_agent,omitempty"`
	MaxPerType            *int    `yaml:"max_per_type,omitempty"`
}

// RetryConfig holds item-attempt defaults.
type RetryConfig struct {
	DefaultMaxAttempts int `yaml:"default_max_attempts"`
}

// IdempotencyConfig holds the idempotency guard's configuration.
type IdempotencyConfig struct {
	HeaderName string   `yaml:"header_name"`
	EnforceOn  []string `yaml:"enforce_on"`
}

// PartialsConfig bounds the submitPart pipeline.
type PartialsConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxPartsPerItem int  `yaml:"max_parts_per_item"`
	MaxPayloadBytes int  `yaml:"max_payload_bytes"`
}

// StateMachineConfig carries the configurable adjacency maps of spec §4.2,
// overriding statemachine.DefaultAdjacency() when non-empty.
type StateMachineConfig struct {
	OrderTransitions map[string][]string `yaml:"order_transitions,omitempty"`
	ItemTransitions  map[string][]string `yaml:"item_transitions,omitempty"`
}

// MaintenanceConfig holds the tick loop's staleness thresholds.
type MaintenanceConfig struct {
	DeadLetterAfterHours     int `yaml:"dead_letter_after_hours"`
	StaleOrderThresholdHours int `yaml:"stale_order_threshold_hours"`
}

// Default returns the spec-stated defaults (§6).
func Default() Config {
	return Config{
		Lease: LeaseConfig{
			TTLSeconds:            600,
			HeartbeatEverySeconds: 120,
			Backend:               "database",
		},
		Retry: RetryConfig{DefaultMaxAttempts: 3},
		Idempotency: IdempotencyConfig{
			HeaderName: "X-Idempotency-Key",
			EnforceOn:  []string{"propose", "submit", "submitPart", "finalize", "approve", "reject"},
		},
		Partials: PartialsConfig{
			Enabled:         true,
			MaxPartsPerItem: 100,
			MaxPayloadBytes: 1048576,
		},
		Maintenance: MaintenanceConfig{
			DeadLetterAfterHours:     48,
			StaleOrderThresholdHours: 24,
		},
	}
}

// Validate checks the numeric/enum invariants spec §6 implies (heartbeat
// cadence must be shorter than TTL, backend must be a known value, etc).
func (c *Config) Validate() error {
	if c.Lease.TTLSeconds <= 0 {
		return fmt.Errorf("lease.ttl_seconds must be > 0")
	}
	if c.Lease.HeartbeatEverySeconds <= 0 {
		return fmt.Errorf("lease.heartbeat_every_seconds must be > 0")
	}
	if c.Lease.HeartbeatEverySeconds >= c.Lease.TTLSeconds {
		return fmt.Errorf("lease.heartbeat_every_seconds (%d) must be < lease.ttl_seconds (%d)",
			c.Lease.HeartbeatEverySeconds, c.Lease.TTLSeconds)
	}
	switch c.Lease.Backend {
	case "database", "keyvalue":
	default:
		return fmt.Errorf("lease.backend must be 'database' or 'keyvalue', got %q", c.Lease.Backend)
	}
	if c.Lease.MaxPerAgent != nil && *c.Lease.MaxPerAgent < 0 {
		return fmt.Errorf("lease.max_per_agent must be >= 0")
	}
	if c.Lease.MaxPerType != nil && *c.Lease.MaxPerType < 0 {
		return fmt.Errorf("lease.max_per_type must be >= 0")
	}
	if c.Retry.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("retry.default_max_attempts must be > 0")
	}
	if c.Idempotency.HeaderName == "" {
		return fmt.Errorf("idempotency.header_name must not be empty")
	}
	if c.Partials.MaxPartsPerItem <= 0 {
		return fmt.Errorf("partials.max_parts_per_item must be > 0")
	}
	if c.Partials.MaxPayloadBytes <= 0 {
		return fmt.Errorf("partials.max_payload_bytes must be > 0")
	}
	if c.Maintenance.DeadLetterAfterHours <= 0 {
		return fmt.Errorf("maintenance.dead_letter_after_hours must be > 0")
	}
	if c.Maintenance.StaleOrderThresholdHours <= 0 {
		return fmt.Errorf("maintenance.stale_order_threshold_hours must be > 0")
	}
	return nil
}

// Load reads and validates a Config from path, starting from Default() so
// a partial YAML document only overrides what it names.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnvOverrides layers WORKORDER_-prefixed environment variables over
// cfg, matching the teacher's practice of environment-overridable YAML
// configuration for deployment-time tuning without editing the file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKORDER_LEASE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lease.TTLSeconds = n
		}
	}
	if v := os.Getenv("WORKORDER_LEASE_HEARTBEAT_EVERY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Lease.HeartbeatEverySeconds = n
		}
	}
	if v := os.Getenv("WORKORDER_LEASE_BACKEND"); v != "" {
		cfg.Lease.Backend = v
	}
	if v := os.Getenv("WORKORDER_IDEMPOTENCY_HEADER_NAME"); v != "" {
		cfg.Idempotency.HeaderName = v
	}
}
