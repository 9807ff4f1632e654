package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
	"github.com/joejoethish/ecom-sub017/internal/utils"
)

// Config is the full runtime configuration for one migration process. Values
// come from defaults, then an optional YAML file, then environment overrides,
// in that order.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Source StoreConfig `yaml:"source"`
	Target StoreConfig `yaml:"target"`

	Copy      CopyConfig      `yaml:"copy"`
	Triggers  TriggerConfig   `yaml:"triggers"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite, a connection URL for postgres.
	DSN string `yaml:"dsn"`
}

type CopyConfig struct {
	BatchSize       int `yaml:"batch_size"`
	Workers         int `yaml:"workers"`
	MaxBatchRetries int `yaml:"max_batch_retries"`
	// WatermarkColumn is the last-modified column used for incremental sync.
	WatermarkColumn string `yaml:"watermark_column"`
}

type TriggerConfig struct {
	MaxErrors             int     `yaml:"max_errors"`
	MaxValidationFailures int     `yaml:"max_validation_failures"`
	MaxSyncLagSeconds     float64 `yaml:"max_sync_lag_seconds"`
	MaxMigrationTimeHours float64 `yaml:"max_migration_time_hours"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	KeyTTLSeconds int    `yaml:"key_ttl_seconds"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

func defaults() Config {
	return Config{
		ListenAddr: ":8090",
		Source:     StoreConfig{Driver: "sqlite", DSN: "app.db"},
		Target:     StoreConfig{Driver: "postgres", DSN: "postgres://postgres:@localhost:5432/app?sslmode=disable"},
		Copy: CopyConfig{
			BatchSize:       1000,
			Workers:         4,
			MaxBatchRetries: 3,
			WatermarkColumn: "updated_at",
		},
		Triggers: TriggerConfig{
			MaxErrors:             10,
			MaxValidationFailures: 5,
			MaxSyncLagSeconds:     300,
			MaxMigrationTimeHours: 24,
		},
		Redis:     RedisConfig{KeyTTLSeconds: 3600},
		Telemetry: TelemetryConfig{ServiceName: "store-migration"},
	}
}

// Load builds the configuration. path may be empty; a missing file is only an
// error when the path was given explicitly.
func Load(path string, log *logger.Logger) (Config, error) {
	cfg := defaults()

	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		if log != nil {
			log.Info("Loaded config file", "path", path)
		}
	}

	applyEnv(&cfg, log)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, log *logger.Logger) {
	cfg.ListenAddr = utils.GetEnv("MIGRATE_LISTEN_ADDR", cfg.ListenAddr, log)

	cfg.Source.Driver = utils.GetEnv("MIGRATE_SOURCE_DRIVER", cfg.Source.Driver, log)
	cfg.Source.DSN = utils.GetEnv("MIGRATE_SOURCE_DSN", cfg.Source.DSN, log)
	cfg.Target.Driver = utils.GetEnv("MIGRATE_TARGET_DRIVER", cfg.Target.Driver, log)
	cfg.Target.DSN = utils.GetEnv("MIGRATE_TARGET_DSN", cfg.Target.DSN, log)

	cfg.Copy.BatchSize = utils.GetEnvAsInt("MIGRATE_BATCH_SIZE", cfg.Copy.BatchSize, log)
	cfg.Copy.Workers = utils.GetEnvAsInt("MIGRATE_COPY_WORKERS", cfg.Copy.Workers, log)
	cfg.Copy.MaxBatchRetries = utils.GetEnvAsInt("MIGRATE_MAX_BATCH_RETRIES", cfg.Copy.MaxBatchRetries, log)
	cfg.Copy.WatermarkColumn = utils.GetEnv("MIGRATE_WATERMARK_COLUMN", cfg.Copy.WatermarkColumn, log)

	cfg.Triggers.MaxErrors = utils.GetEnvAsInt("MIGRATE_MAX_ERRORS", cfg.Triggers.MaxErrors, log)
	cfg.Triggers.MaxValidationFailures = utils.GetEnvAsInt("MIGRATE_MAX_VALIDATION_FAILURES", cfg.Triggers.MaxValidationFailures, log)
	cfg.Triggers.MaxSyncLagSeconds = utils.GetEnvAsFloat("MIGRATE_MAX_SYNC_LAG_SECONDS", cfg.Triggers.MaxSyncLagSeconds, log)
	cfg.Triggers.MaxMigrationTimeHours = utils.GetEnvAsFloat("MIGRATE_MAX_MIGRATION_TIME_HOURS", cfg.Triggers.MaxMigrationTimeHours, log)

	cfg.Redis.Addr = utils.GetEnv("REDIS_ADDR", cfg.Redis.Addr, log)
	cfg.Redis.KeyTTLSeconds = utils.GetEnvAsInt("REDIS_KEY_TTL_SECONDS", cfg.Redis.KeyTTLSeconds, log)

	cfg.Telemetry.Enabled = utils.GetEnvAsBool("OTEL_ENABLED", cfg.Telemetry.Enabled, log)
	cfg.Telemetry.ServiceName = utils.GetEnv("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName, log)
}

func (c Config) validate() error {
	if c.Source.DSN == "" {
		return fmt.Errorf("missing source dsn")
	}
	if c.Target.DSN == "" {
		return fmt.Errorf("missing target dsn")
	}
	if c.Copy.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Copy.BatchSize)
	}
	if c.Copy.Workers <= 0 {
		return fmt.Errorf("copy workers must be positive, got %d", c.Copy.Workers)
	}
	switch c.Source.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown source driver: %q", c.Source.Driver)
	}
	switch c.Target.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown target driver: %q", c.Target.Driver)
	}
	return nil
}
