package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from a YAML file with
// environment overrides for secrets. The MySQL DSN is never read from the
// file; it comes from LOOM_MYSQL_DSN.
type Config struct {
	// Listen is the HTTP bind address. Default ":8080".
	Listen string `yaml:"listen"`

	// Store selects the backend: "memory", "sqlite" or "mysql".
	Store string `yaml:"store"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// EventLog is the JSONL broadcast file. Empty disables file broadcast.
	EventLog string `yaml:"event_log"`

	// BlueprintDir holds YAML blueprints imported at startup.
	BlueprintDir string `yaml:"blueprint_dir"`

	// TelemetryCapacity bounds the in-memory telemetry buffer.
	TelemetryCapacity int `yaml:"telemetry_capacity"`

	// ZombieThresholdSeconds is the heartbeat staleness before reclaim.
	ZombieThresholdSeconds int `yaml:"zombie_threshold_seconds"`

	// ZombiePeriodSeconds is the zombie sweeper tick interval.
	ZombiePeriodSeconds int `yaml:"zombie_period_seconds"`

	// MemoryRetentionDays is the role-memory decay horizon.
	MemoryRetentionDays int `yaml:"memory_retention_days"`

	// PilotTimeoutSeconds bounds pilot-approval waits.
	PilotTimeoutSeconds int `yaml:"pilot_timeout_seconds"`

	// MaxInteractions is the per-UOW interaction budget. Zero is unlimited.
	MaxInteractions int `yaml:"max_interactions"`

	// HighRiskStatuses require pilot approval before a UOW enters them.
	// Empty applies the engine default (COMPLETED, FAILED); the single
	// entry "NONE" disables the gate.
	HighRiskStatuses []string `yaml:"high_risk_statuses"`

	// Models is the model-override whitelist consulted by conditional
	// injectors. Empty means every override passes through unchecked.
	Models ModelsConfig `yaml:"models"`

	// Tracing mirrors broadcast events onto OpenTelemetry spans. The
	// deployment configures the global tracer provider.
	Tracing bool `yaml:"tracing"`

	// Debug enables pretty console logging.
	Debug bool `yaml:"debug"`
}

// ModelsConfig declares which model overrides a blueprint may inject.
type ModelsConfig struct {
	// Failover is substituted for any override outside the whitelist.
	Failover string `yaml:"failover"`

	// Allowed whitelists model ids, optionally binding a provider client.
	Allowed []ModelEntry `yaml:"allowed"`
}

// ModelEntry is one whitelisted model id. Provider is "openai",
// "anthropic" or empty; API keys come from OPENAI_API_KEY and
// ANTHROPIC_API_KEY, never from the file.
type ModelEntry struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
}

// LoadConfig reads the YAML file at path (optional) after loading .env.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Listen: ":8080",
		Store:  "memory",
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("LOOM_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("LOOM_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("LOOM_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}

	switch cfg.Store {
	case "memory", "mysql":
	case "sqlite":
		if cfg.SQLitePath == "" {
			cfg.SQLitePath = "loom.db"
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
	return cfg, nil
}

// MySQLDSN reads the MySQL connection string from the environment.
func (c *Config) MySQLDSN() (string, error) {
	dsn := os.Getenv("LOOM_MYSQL_DSN")
	if dsn == "" {
		return "", fmt.Errorf("mysql backend selected but LOOM_MYSQL_DSN is not set")
	}
	return dsn, nil
}

func (c *Config) zombieThreshold() time.Duration {
	return time.Duration(c.ZombieThresholdSeconds) * time.Second
}

func (c *Config) zombiePeriod() time.Duration {
	return time.Duration(c.ZombiePeriodSeconds) * time.Second
}

func (c *Config) memoryRetention() time.Duration {
	return time.Duration(c.MemoryRetentionDays) * 24 * time.Hour
}

func (c *Config) pilotTimeout() time.Duration {
	return time.Duration(c.PilotTimeoutSeconds) * time.Second
}
