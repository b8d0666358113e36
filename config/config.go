package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DataPaths holds data directory and file path configuration.
// Paths can be overridden via environment variables (ARGUS_DATA_DIR etc.).
type DataPaths struct {
	// DataDir is the base data directory (default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (default: ${DataDir}/argus.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Config holds all configuration for the Argus service.
type Config struct {
	DataPaths DataPaths `mapstructure:"data_paths"`

	Log struct {
		Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`

	API struct {
		Host string `mapstructure:"host"`
		// Port 0 binds an ephemeral port.
		Port      int   `mapstructure:"port" validate:"min=0,max=65535"`
		BodyLimit int64  `mapstructure:"body_limit" validate:"min=1024"`
		RateLimit struct {
			Enabled           bool    `mapstructure:"enabled"`
			RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`
			Burst             int     `mapstructure:"burst" validate:"min=0"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Correlation struct {
		// RulesFile is an optional YAML rule file loaded at startup and
		// persisted into the rule store.
		RulesFile       string        `mapstructure:"rules_file"`
		MaxBuffers      int           `mapstructure:"max_buffers" validate:"min=1"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"min=1s"`
	} `mapstructure:"correlation"`

	Anomaly struct {
		// MappingFile points at the metric extraction table; empty
		// disables anomaly detection entirely.
		MappingFile      string  `mapstructure:"mapping_file"`
		ZScoreThreshold  float64 `mapstructure:"zscore_threshold" validate:"gt=0"`
		MinSamples       int     `mapstructure:"min_samples" validate:"min=2"`
		MaxBaselines     int     `mapstructure:"max_baselines" validate:"min=1"`
		ExcludeAnomalies bool    `mapstructure:"exclude_anomalies"`
	} `mapstructure:"anomaly"`

	Dedup struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"min=0"`
		// MinTTL is the floor for incident fingerprint expiry; the
		// effective TTL is max(MinTTL, rule window).
		MinTTL time.Duration `mapstructure:"min_ttl" validate:"min=0"`
	} `mapstructure:"dedup"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.sqlite_path", "") // empty = derive from data_dir

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.body_limit", 1048576) // 1MB
	v.SetDefault("api.rate_limit.enabled", true)
	v.SetDefault("api.rate_limit.requests_per_second", 500)
	v.SetDefault("api.rate_limit.burst", 1000)

	v.SetDefault("correlation.rules_file", "")
	v.SetDefault("correlation.max_buffers", 10000)
	v.SetDefault("correlation.cleanup_interval", 30*time.Second)

	v.SetDefault("anomaly.mapping_file", "")
	v.SetDefault("anomaly.zscore_threshold", 3.0)
	v.SetDefault("anomaly.min_samples", 30)
	v.SetDefault("anomaly.max_baselines", 10000)
	v.SetDefault("anomaly.exclude_anomalies", false)

	v.SetDefault("dedup.enabled", false)
	v.SetDefault("dedup.addr", "127.0.0.1:6379")
	v.SetDefault("dedup.password", "")
	v.SetDefault("dedup.db", 0)
	v.SetDefault("dedup.min_ttl", time.Minute)
}

// LoadConfig loads configuration from the given file (or the default
// search path when path is empty) plus ARGUS_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	v.SetEnvPrefix("ARGUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// An explicit file must exist; the default search path may not.
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.resolveDataPaths()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) resolveDataPaths() {
	if c.DataPaths.DataDir == "" {
		c.DataPaths.DataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(c.DataPaths.DataDir, "argus.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
}

// ListenAddr returns the host:port pair the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q constraint (value %v)",
				strings.ToLower(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return err
	}
	if cfg.Dedup.Enabled && cfg.Dedup.Addr == "" {
		return fmt.Errorf("dedup.addr is required when dedup is enabled")
	}
	return nil
}
