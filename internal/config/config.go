// Package config loads runtime and compiler configuration via viper, the
// same environment-variable-plus-YAML-file layering the teacher's
// alerting-engine config package uses.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds everything the compiler and runtime binaries need. Both
// binaries load the same file; the compiler reads Rules, Sensors,
// Cycle.SamplingPeriodMS, Debug and Logging, the runtime reads the rest as
// well.
type Config struct {
	Environment string         `mapstructure:"environment" validate:"required,oneof=development staging production"`
	Debug       bool           `mapstructure:"debug"`
	Rules       RulesConfig    `mapstructure:"rules" validate:"required"`
	Sensors     SensorsConfig  `mapstructure:"sensors"`
	Cycle       CycleConfig    `mapstructure:"cycle" validate:"required"`
	Temporal    TemporalConfig `mapstructure:"temporal" validate:"required"`
	Store       StoreConfig    `mapstructure:"store" validate:"required"`
	HA          HAConfig       `mapstructure:"ha"`
	Reload      ReloadConfig   `mapstructure:"reload"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Logging     LoggingConfig  `mapstructure:"logging" validate:"required"`
}

// RulesConfig locates rule source files and the compiled artifact.
type RulesConfig struct {
	SourceDirectory  string `mapstructure:"source_directory" validate:"required"`
	ArtifactPath     string `mapstructure:"artifact_path" validate:"required"`
	ManifestPath     string `mapstructure:"manifest_path" validate:"required"`
	MaxRulesPerGroup int    `mapstructure:"max_rules_per_group" validate:"gt=0"`
	MaxSourceLines   int    `mapstructure:"max_source_lines_per_group" validate:"gt=0"`
}

// SensorsConfig declares the set of sensor keys the system knows about
// ahead of time, independent of what any rule set produces.
type SensorsConfig struct {
	Valid []string `mapstructure:"valid"`
}

// CycleConfig controls the fixed-cadence evaluation loop.
type CycleConfig struct {
	PeriodMS         int64 `mapstructure:"period_ms" validate:"gt=0"`
	MaxSkewMS        int64 `mapstructure:"max_skew_ms" validate:"gte=0"`
	SamplingPeriodMS int64 `mapstructure:"sampling_period_ms" validate:"gt=0"`
}

// TemporalConfig bounds ring-buffer memory for threshold_over_time.
type TemporalConfig struct {
	BufferCapacity int `mapstructure:"buffer_capacity" validate:"gt=0"`
}

// StoreConfig configures the Redis Sentinel-backed value store.
type StoreConfig struct {
	MasterName      string        `mapstructure:"master_name" validate:"required"`
	SentinelAddrs   []string      `mapstructure:"sentinel_addrs" validate:"required,min=1,dive,hostname_port"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db" validate:"gte=0"`
	PoolSize        int           `mapstructure:"pool_size" validate:"gt=0"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" validate:"gt=0"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" validate:"gt=0"`
}

// HAConfig controls active/standby election polling. SelfHost identifies
// which host this runtime instance runs on; if empty, the local hostname
// is used. An instance is active exactly when SelfHost matches the host
// Sentinel currently reports as master and the store is reachable.
type HAConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	SelfHost            string        `mapstructure:"self_host"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// ReloadConfig controls the artifact hot-reload watcher.
type ReloadConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig mirrors the teacher's logging config shape.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Load reads configuration from environment variables and an optional
// config.yaml, the same layering the teacher's alerting-engine uses.
func Load() (Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/telemetry-rules-engine")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TELEMETRY_RULES")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	viper.SetDefault("rules.source_directory", "./rules")
	viper.SetDefault("rules.artifact_path", "./build/ruleset.json")
	viper.SetDefault("rules.manifest_path", "./build/manifest.json")
	viper.SetDefault("rules.max_rules_per_group", 10)
	viper.SetDefault("rules.max_source_lines_per_group", 400)

	viper.SetDefault("cycle.period_ms", 1000)
	viper.SetDefault("cycle.max_skew_ms", 250)
	viper.SetDefault("cycle.sampling_period_ms", 1000)

	viper.SetDefault("temporal.buffer_capacity", 100)

	viper.SetDefault("store.master_name", "telemetry-store")
	viper.SetDefault("store.sentinel_addrs", []string{"localhost:26379"})
	viper.SetDefault("store.db", 0)
	viper.SetDefault("store.pool_size", 10)
	viper.SetDefault("store.dial_timeout", "5s")
	viper.SetDefault("store.read_timeout", "3s")
	viper.SetDefault("store.write_timeout", "3s")
	viper.SetDefault("store.max_retries", 5)
	viper.SetDefault("store.retry_backoff", "100ms")
	viper.SetDefault("store.max_retry_backoff", "2s")

	viper.SetDefault("ha.enabled", true)
	viper.SetDefault("ha.self_host", "")
	viper.SetDefault("ha.health_check_interval", "2s")

	viper.SetDefault("reload.enabled", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", ":9100")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
