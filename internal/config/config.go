// Package config loads runtime configuration and the spot pool catalog
// from YAML, with struct-tag validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds connection settings. The URL may be overridden by
// the DATABASE_URL environment variable.
type DatabaseConfig struct {
	URL      string `yaml:"url" validate:"required"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
	MinConns int32  `yaml:"min_conns" validate:"gte=0"`
}

// PricingConfig tunes the data-quality pipeline
type PricingConfig struct {
	DedupStrategy      string        `yaml:"dedup_strategy" validate:"oneof=average prefer-primary"`
	CacheSize          int           `yaml:"cache_size" validate:"gt=0"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance"`
	GapFillInterval    time.Duration `yaml:"gap_fill_interval"`
	GapFillLookback    time.Duration `yaml:"gap_fill_lookback"`
}

// SentinelConfig tunes signal handling
type SentinelConfig struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	RiskThreshold    float64       `yaml:"risk_threshold" validate:"gte=0,lte=1"`
	AgentRatePerHour float64       `yaml:"agent_rate_per_hour" validate:"gte=0"`
	AgentBurst       int           `yaml:"agent_burst" validate:"gte=0"`
	PoolRatePerHour  float64       `yaml:"pool_rate_per_hour" validate:"gte=0"`
	PoolBurst        int           `yaml:"pool_burst" validate:"gte=0"`
	HistoryWindow    time.Duration `yaml:"history_window"`
}

// FailoverConfig tunes the orchestrator
type FailoverConfig struct {
	LockTTL           time.Duration `yaml:"lock_ttl"`
	MaxLaunchAttempts int           `yaml:"max_launch_attempts" validate:"gt=0"`
}

// ReconcilerConfig tunes the convergence loop
type ReconcilerConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	SyncStaleThreshold      time.Duration `yaml:"sync_stale_threshold"`
	IdleReadyThreshold      time.Duration `yaml:"idle_ready_threshold"`
	PromotedWindow          time.Duration `yaml:"promoted_window"`
	StuckCommandThreshold   time.Duration `yaml:"stuck_command_threshold"`
	HeartbeatStaleThreshold time.Duration `yaml:"heartbeat_stale_threshold"`
}

// CloudConfig selects the instance-control backend
type CloudConfig struct {
	Provider         string `yaml:"provider" validate:"oneof=aws fake"`
	Region           string `yaml:"region" validate:"required_if=Provider aws"`
	LaunchTemplateID string `yaml:"launch_template_id" validate:"required_if=Provider aws"`
}

// PoolConfig seeds one spot pool into the catalog
type PoolConfig struct {
	InstanceType     string `yaml:"instance_type" validate:"required"`
	Region           string `yaml:"region" validate:"required"`
	AvailabilityZone string `yaml:"availability_zone" validate:"required"`
}

// Config is the full runtime configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Sentinel   SentinelConfig   `yaml:"sentinel"`
	Failover   FailoverConfig   `yaml:"failover"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Cloud      CloudConfig      `yaml:"cloud"`
	Pools      []PoolConfig     `yaml:"pools" validate:"dive"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns: 25,
			MinConns: 5,
		},
		Pricing: PricingConfig{
			DedupStrategy:      "average",
			CacheSize:          512,
			CacheTTL:           30 * time.Second,
			ClockSkewTolerance: 2 * time.Minute,
			GapFillInterval:    5 * time.Minute,
			GapFillLookback:    6 * time.Hour,
		},
		Sentinel: SentinelConfig{
			DedupWindow:      60 * time.Second,
			RiskThreshold:    0.30,
			AgentRatePerHour: 12,
			AgentBurst:       2,
			PoolRatePerHour:  60,
			PoolBurst:        5,
			HistoryWindow:    24 * time.Hour,
		},
		Failover: FailoverConfig{
			LockTTL:           30 * time.Second,
			MaxLaunchAttempts: 3,
		},
		Reconciler: ReconcilerConfig{
			CheckInterval:           10 * time.Second,
			SyncStaleThreshold:      15 * time.Minute,
			IdleReadyThreshold:      30 * time.Minute,
			PromotedWindow:          5 * time.Minute,
			StuckCommandThreshold:   30 * time.Minute,
			HeartbeatStaleThreshold: 2 * time.Minute,
		},
		Cloud: CloudConfig{
			Provider: "fake",
		},
	}
}

// Load reads, merges and validates configuration from a YAML file. The
// file overrides defaults field by field; DATABASE_URL overrides the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML %s: %w", path, err)
		}
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks a configuration against the schema
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	seen := map[string]bool{}
	for _, p := range cfg.Pools {
		key := p.InstanceType + "/" + p.Region + "/" + p.AvailabilityZone
		if seen[key] {
			return fmt.Errorf("duplicate pool %s", key)
		}
		seen[key] = true
	}

	return nil
}
