package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// EngineConfig defines timer engine cadences and policies
type EngineConfig struct {
	TickInterval      string `mapstructure:"tick_interval"`
	SaveInterval      string `mapstructure:"save_interval"`
	AccuracyInterval  string `mapstructure:"accuracy_interval"`
	DriftTolerance    string `mapstructure:"drift_tolerance"`
	RecoveryWindow    string `mapstructure:"recovery_window"`
	RecoveryPolicy    string `mapstructure:"recovery_policy"` // prompt, include_gap, exclude_gap, discard
	AutoCompensate    bool   `mapstructure:"auto_compensate"`
	StrictTransitions bool   `mapstructure:"strict_transitions"`
}

// StorageConfig defines the two persistence tiers
type StorageConfig struct {
	Key          string       `mapstructure:"key"`
	WriteTimeout string       `mapstructure:"write_timeout"`
	Primary      TierConfig   `mapstructure:"primary"`
	Secondary    TierConfig   `mapstructure:"secondary"`
	Memory       MemoryConfig `mapstructure:"memory"`
	Bolt         FileConfig   `mapstructure:"bolt"`
	SQLite       FileConfig   `mapstructure:"sqlite"`
	Redis        RedisConfig  `mapstructure:"redis"`
}

// TierConfig selects the backend for one tier
type TierConfig struct {
	Type string `mapstructure:"type"` // memory, redis, bolt, sqlite, none (secondary only)
}

// MemoryConfig defines in-process tier settings
type MemoryConfig struct {
	Size int `mapstructure:"size"`
}

// FileConfig defines an on-disk tier location
type FileConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TIMEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.api_port", 7070)
	v.SetDefault("server.metrics_port", 9090)

	// Engine defaults
	v.SetDefault("engine.tick_interval", "1s")
	v.SetDefault("engine.save_interval", "5s")
	v.SetDefault("engine.accuracy_interval", "30s")
	v.SetDefault("engine.drift_tolerance", "2s")
	v.SetDefault("engine.recovery_window", "1h")
	v.SetDefault("engine.recovery_policy", "prompt")
	v.SetDefault("engine.auto_compensate", true)
	v.SetDefault("engine.strict_transitions", false)

	// Storage defaults
	v.SetDefault("storage.key", "timeflow:timer:state")
	v.SetDefault("storage.write_timeout", "5s")
	v.SetDefault("storage.primary.type", "memory")
	v.SetDefault("storage.secondary.type", "bolt")
	v.SetDefault("storage.memory.size", 128)
	v.SetDefault("storage.bolt.path", "/var/lib/timeflow/timeflow.bolt")
	v.SetDefault("storage.sqlite.path", "/var/lib/timeflow/timeflow.sqlite")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 4)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

var (
	primaryTypes   = []string{"memory", "redis", "bolt", "sqlite"}
	secondaryTypes = []string{"memory", "redis", "bolt", "sqlite", "none"}
	recoveryModes  = []string{"prompt", "include_gap", "exclude_gap", "discard"}
)

// validate validates the configuration
func validate(cfg *Config) error {
	for name, port := range map[string]int{"api": cfg.Server.APIPort, "metrics": cfg.Server.MetricsPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, port)
		}
	}

	positive := map[string]string{
		"engine.tick_interval":     cfg.Engine.TickInterval,
		"engine.save_interval":     cfg.Engine.SaveInterval,
		"engine.accuracy_interval": cfg.Engine.AccuracyInterval,
		"engine.recovery_window":   cfg.Engine.RecoveryWindow,
		"storage.write_timeout":    cfg.Storage.WriteTimeout,
	}
	for key, value := range positive {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, value)
		}
	}

	tolerance, err := time.ParseDuration(cfg.Engine.DriftTolerance)
	if err != nil {
		return fmt.Errorf("invalid engine.drift_tolerance: %w", err)
	}
	if tolerance <= 0 {
		return fmt.Errorf("engine.drift_tolerance must be positive, got %s", cfg.Engine.DriftTolerance)
	}

	if !contains(recoveryModes, cfg.Engine.RecoveryPolicy) {
		return fmt.Errorf("unknown engine.recovery_policy %q", cfg.Engine.RecoveryPolicy)
	}

	if cfg.Storage.Key == "" {
		return fmt.Errorf("storage key is required")
	}
	if !contains(primaryTypes, cfg.Storage.Primary.Type) {
		return fmt.Errorf("unsupported primary storage type: %s", cfg.Storage.Primary.Type)
	}
	if !contains(secondaryTypes, cfg.Storage.Secondary.Type) {
		return fmt.Errorf("unsupported secondary storage type: %s", cfg.Storage.Secondary.Type)
	}
	if cfg.Storage.Primary.Type == cfg.Storage.Secondary.Type && cfg.Storage.Primary.Type != "memory" {
		// Two handles on the same bolt file deadlock; the same redis key or
		// sqlite row gives no redundancy.
		return fmt.Errorf("primary and secondary tiers must use different backends, both are %s", cfg.Storage.Primary.Type)
	}

	for _, tier := range []string{cfg.Storage.Primary.Type, cfg.Storage.Secondary.Type} {
		switch {
		case tier == "bolt" && cfg.Storage.Bolt.Path == "":
			return fmt.Errorf("storage.bolt.path is required")
		case tier == "sqlite" && cfg.Storage.SQLite.Path == "":
			return fmt.Errorf("storage.sqlite.path is required")
		case tier == "redis" && cfg.Storage.Redis.Host == "":
			return fmt.Errorf("storage.redis.host is required")
		}
	}

	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// Durations is the parsed form of the engine and storage timing settings.
type Durations struct {
	Tick           time.Duration
	Save           time.Duration
	Accuracy       time.Duration
	DriftTolerance time.Duration
	RecoveryWindow time.Duration
	WriteTimeout   time.Duration
}

// Durations parses the timing settings. Load has already validated them, so
// unparsable values fall back to defaults.
func (c *Config) Durations() Durations {
	return Durations{
		Tick:           parseDuration(c.Engine.TickInterval, time.Second),
		Save:           parseDuration(c.Engine.SaveInterval, 5*time.Second),
		Accuracy:       parseDuration(c.Engine.AccuracyInterval, 30*time.Second),
		DriftTolerance: parseDuration(c.Engine.DriftTolerance, 2*time.Second),
		RecoveryWindow: parseDuration(c.Engine.RecoveryWindow, time.Hour),
		WriteTimeout:   parseDuration(c.Storage.WriteTimeout, 5*time.Second),
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
