// Package config loads cascade node configuration from flags, environment,
// and an optional HCL config file, in that order of precedence.
package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cascadedb/cascade/internal/backfill"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Backfill      BackfillConfig      `mapstructure:"backfill"`
	Barrier       BarrierConfig       `mapstructure:"barrier"`
}

type StorageConfig struct {
	// Table is the directory for the epoch-versioned table store,
	// relative to DataDir when not absolute.
	Table string `mapstructure:"table"`
	// Progress selects the backfill progress backend.
	Progress BackendConfig `mapstructure:"progress"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type BackfillConfig struct {
	// ChunkSize bounds rows per snapshot chunk.
	ChunkSize int `mapstructure:"chunk_size"`
	// SourceBuffer sizes each view's changelog stream.
	SourceBuffer int `mapstructure:"source_buffer"`
	// RowsPerSecond is the default snapshot scan rate for new views.
	// Negative means unlimited; zero starts views paused.
	RowsPerSecond int64 `mapstructure:"rows_per_second"`
	// RetryAttempts and RetryBackoff tune transient snapshot read retries.
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type BarrierConfig struct {
	// Interval between barrier ticks.
	Interval time.Duration `mapstructure:"interval"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// RateLimit converts the configured default scan rate into the runtime form.
func (c BackfillConfig) RateLimit() backfill.RateLimit {
	if c.RowsPerSecond < 0 {
		return backfill.Unlimited()
	}
	if c.RowsPerSecond > math.MaxUint32 {
		return backfill.RowsPerSecond(math.MaxUint32)
	}
	return backfill.RowsPerSecond(uint32(c.RowsPerSecond))
}

// TableDir resolves the table store directory against DataDir.
func (c Config) TableDir() string {
	if filepath.IsAbs(c.Storage.Table) {
		return c.Storage.Table
	}
	return filepath.Join(c.DataDir, c.Storage.Table)
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cascade"
	}
	return filepath.Join(home, ".cascade")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "cascade")
	v.SetDefault("observability.service_version", "dev")

	v.SetDefault("storage.table", "tables")
	v.SetDefault("storage.progress.backend", "badger")

	v.SetDefault("backfill.chunk_size", 256)
	v.SetDefault("backfill.source_buffer", 64)
	v.SetDefault("backfill.rows_per_second", -1)
	v.SetDefault("backfill.retry_attempts", 5)
	v.SetDefault("backfill.retry_backoff", 50*time.Millisecond)

	v.SetDefault("barrier.interval", 100*time.Millisecond)
}

// BindStartFlags binds cobra flags to viper for the start command.
func BindStartFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.cascade)")
	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.String("progress-backend", "", "progress backend (memory, badger, sqlite, redis)")
	f.Duration("barrier-interval", 0, "barrier tick interval")
	f.Int64("backfill-rate", -1, "default backfill rows/sec (-1 unlimited, 0 paused)")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("storage.progress.backend", f.Lookup("progress-backend"))
	_ = v.BindPFlag("barrier.interval", f.Lookup("barrier-interval"))
	_ = v.BindPFlag("backfill.rows_per_second", f.Lookup("backfill-rate"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("CASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("cascade")
		v.SetConfigType("hcl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cascade")
		v.AddConfigPath("/etc/cascade")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
