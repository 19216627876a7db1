package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Presets   PresetsConfig   `mapstructure:"presets"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// StorageConfig defines the local persistence substrate
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig defines the remote document store used by the sync reconciler
type RemoteConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
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
	Level              string `mapstructure:"level"`
	Format             string `mapstructure:"format"`
	EventRetentionDays int    `mapstructure:"event_retention_days"`
}

// PresetConfig defines a named pressure preset
type PresetConfig struct {
	Name              string  `mapstructure:"name"`
	MinutesToBlowAway int     `mapstructure:"minutes_to_blow_away"`
	FallRatePerMinute float64 `mapstructure:"fall_rate_per_minute"`
	Baseline          float64 `mapstructure:"baseline"`
}

// PresetsConfig defines the preset catalog and the default choice
type PresetsConfig struct {
	Default string                  `mapstructure:"default"`
	Catalog map[string]PresetConfig `mapstructure:"catalog"`
}

// LifecycleConfig defines stage bands and lost/archive gating
type LifecycleConfig struct {
	ThrivingBelow      float64 `mapstructure:"thriving_below"`
	BreezyBelow        float64 `mapstructure:"breezy_below"`
	StressedBelow      float64 `mapstructure:"stressed_below"`
	SafeUnlockBelow    float64 `mapstructure:"safe_unlock_below"`
	MinArchiveAgeDays  int     `mapstructure:"min_archive_age_days"`
	AuthorizationGrace string  `mapstructure:"authorization_grace"`
}

// EngineConfig defines the controller's scheduling behavior
type EngineConfig struct {
	PollInterval       string `mapstructure:"poll_interval"`
	DailyResetTime     string `mapstructure:"daily_reset_time"`
	AutoLockAfterBreak bool   `mapstructure:"auto_lock_after_break"`
	Timezone           string `mapstructure:"timezone"`
	UserID             string `mapstructure:"user_id"`
}

// SyncConfig defines reconciliation scheduling and retry bounds
type SyncConfig struct {
	MinInterval   string `mapstructure:"min_interval"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	Timeout       string `mapstructure:"timeout"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("WINDKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/windkeeper/windkeeper.bolt")

	// Remote store defaults
	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.host", "127.0.0.1")
	v.SetDefault("remote.port", 6379)
	v.SetDefault("remote.db", 0)
	v.SetDefault("remote.pool_size", 10)
	v.SetDefault("remote.min_idle_conns", 2)
	v.SetDefault("remote.dial_timeout", "5s")
	v.SetDefault("remote.read_timeout", "3s")
	v.SetDefault("remote.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.event_retention_days", 90)

	// Preset defaults
	v.SetDefault("presets.default", "standard")
	v.SetDefault("presets.catalog", map[string]any{
		"standard": map[string]any{
			"name":                 "Standard",
			"minutes_to_blow_away": 60,
			"fall_rate_per_minute": 1.0,
			"baseline":             0.0,
		},
		"strict": map[string]any{
			"name":                 "Strict",
			"minutes_to_blow_away": 30,
			"fall_rate_per_minute": 0.5,
			"baseline":             0.0,
		},
	})

	// Lifecycle defaults
	v.SetDefault("lifecycle.thriving_below", 5.0)
	v.SetDefault("lifecycle.breezy_below", 50.0)
	v.SetDefault("lifecycle.stressed_below", 80.0)
	v.SetDefault("lifecycle.safe_unlock_below", 80.0)
	v.SetDefault("lifecycle.min_archive_age_days", 3)
	v.SetDefault("lifecycle.authorization_grace", "48h")

	// Engine defaults
	v.SetDefault("engine.poll_interval", "1s")
	v.SetDefault("engine.daily_reset_time", "00:00")
	v.SetDefault("engine.auto_lock_after_break", false)
	v.SetDefault("engine.timezone", "Local")
	v.SetDefault("engine.user_id", "")

	// Sync defaults
	v.SetDefault("sync.min_interval", "30s")
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("sync.timeout", "15s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if cfg.Presets.Default == "" {
		return fmt.Errorf("default preset is required")
	}
	def, ok := cfg.Presets.Catalog[cfg.Presets.Default]
	if !ok {
		return fmt.Errorf("default preset %q not in catalog", cfg.Presets.Default)
	}
	if def.MinutesToBlowAway <= 0 {
		return fmt.Errorf("preset %q: minutes_to_blow_away must be positive", cfg.Presets.Default)
	}

	for id, p := range cfg.Presets.Catalog {
		if p.MinutesToBlowAway <= 0 {
			return fmt.Errorf("preset %q: minutes_to_blow_away must be positive", id)
		}
		if p.FallRatePerMinute < 0 {
			return fmt.Errorf("preset %q: fall_rate_per_minute must not be negative", id)
		}
		if p.Baseline < 0 || p.Baseline > 100 {
			return fmt.Errorf("preset %q: baseline out of range: %f", id, p.Baseline)
		}
	}

	lc := cfg.Lifecycle
	if !(lc.ThrivingBelow < lc.BreezyBelow && lc.BreezyBelow < lc.StressedBelow) {
		return fmt.Errorf("lifecycle thresholds must be ascending: %f, %f, %f",
			lc.ThrivingBelow, lc.BreezyBelow, lc.StressedBelow)
	}
	if lc.SafeUnlockBelow <= 0 || lc.SafeUnlockBelow > 100 {
		return fmt.Errorf("invalid safe_unlock_below: %f", lc.SafeUnlockBelow)
	}
	if lc.MinArchiveAgeDays < 0 {
		return fmt.Errorf("invalid min_archive_age_days: %d", lc.MinArchiveAgeDays)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	if cfg.Remote.Enabled {
		if cfg.Remote.Host == "" {
			return fmt.Errorf("remote host is required when remote sync is enabled")
		}
		if cfg.Engine.UserID == "" {
			return fmt.Errorf("engine user_id is required when remote sync is enabled")
		}
	}

	return nil
}
