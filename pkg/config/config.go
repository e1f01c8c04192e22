// Package config provides YAML-based configuration loading for hydrocompute.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ZanzyTHEbar/hydrocompute/pkg/compute"
)

// Config is the root application configuration.
type Config struct {
	// Engine is the backend used for function names without an engine prefix.
	Engine string `mapstructure:"engine"`

	// Concurrency is the number of execution-unit slots. Zero means the
	// hardware concurrency minus one.
	Concurrency int `mapstructure:"concurrency"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Scripts   ScriptsConfig   `mapstructure:"scripts"`
	GPU       GPUConfig       `mapstructure:"gpu"`
	EventBus  EventBusConfig  `mapstructure:"eventbus"`
	Log       LogConfig       `mapstructure:"log"`
}

// SchedulerConfig bounds the dependency-graph executor.
type SchedulerConfig struct {
	MaxIterations int           `mapstructure:"max_iterations"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StallPasses   int           `mapstructure:"stall_passes"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// StoreConfig selects and tunes the data store.
type StoreConfig struct {
	// Kind: memory or file
	Kind      string        `mapstructure:"kind"`
	Dir       string        `mapstructure:"dir"`
	ChunkSize int           `mapstructure:"chunk_size"`
	Compress  bool          `mapstructure:"compress"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ScriptsConfig locates interpreter scripts.
type ScriptsConfig struct {
	Dir string `mapstructure:"dir"`
}

// GPUConfig tunes the kernel backend.
type GPUConfig struct {
	WorkgroupSize int `mapstructure:"workgroup_size"`
	MaxParallel   int `mapstructure:"max_parallel"`
}

// EventBusConfig controls status event publication.
type EventBusConfig struct {
	Enable      bool `mapstructure:"enable"`
	BufferSize  int  `mapstructure:"buffer_size"`
	WorkerCount int  `mapstructure:"worker_count"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Engine:      "native",
		Concurrency: 0,
		Scheduler: SchedulerConfig{
			MaxIterations: 10000,
			Timeout:       5 * time.Minute,
			StallPasses:   50,
			PollInterval:  10 * time.Millisecond,
		},
		Store: StoreConfig{
			Kind:      "memory",
			Dir:       "./data/store",
			ChunkSize: 1 << 20,
			Compress:  true,
			TTL:       time.Hour,
		},
		Scripts: ScriptsConfig{Dir: "./scripts"},
		EventBus: EventBusConfig{
			Enable:      true,
			BufferSize:  100,
			WorkerCount: 5,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/hydrocompute.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix HYDROCOMPUTE and `.`/`-` are replaced
// with `_`. Example: HYDROCOMPUTE_SCHEDULER_TIMEOUT=30s
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HYDROCOMPUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("engine", cfg.Engine)
	v.SetDefault("concurrency", cfg.Concurrency)
	v.SetDefault("scheduler.max_iterations", cfg.Scheduler.MaxIterations)
	v.SetDefault("scheduler.timeout", cfg.Scheduler.Timeout)
	v.SetDefault("scheduler.stall_passes", cfg.Scheduler.StallPasses)
	v.SetDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	v.SetDefault("store.kind", cfg.Store.Kind)
	v.SetDefault("store.dir", cfg.Store.Dir)
	v.SetDefault("store.chunk_size", cfg.Store.ChunkSize)
	v.SetDefault("store.compress", cfg.Store.Compress)
	v.SetDefault("store.ttl", cfg.Store.TTL)
	v.SetDefault("scripts.dir", cfg.Scripts.Dir)
	v.SetDefault("gpu.workgroup_size", cfg.GPU.WorkgroupSize)
	v.SetDefault("gpu.max_parallel", cfg.GPU.MaxParallel)
	v.SetDefault("eventbus.enable", cfg.EventBus.Enable)
	v.SetDefault("eventbus.buffer_size", cfg.EventBus.BufferSize)
	v.SetDefault("eventbus.worker_count", cfg.EventBus.WorkerCount)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("HYDROCOMPUTE_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hydrocompute")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".hydrocompute"))
		}
	}

	// A missing config file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, compute.NewConfigurationError("read config", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, compute.NewConfigurationError("decode config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills in empty optional fields.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return compute.NewConfigurationError(fmt.Sprintf("invalid log.level: %q", c.Log.Level), nil)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Engine = strings.TrimSpace(c.Engine)
	if c.Engine == "" {
		c.Engine = "native"
	}
	if c.Concurrency < 0 {
		return compute.NewConfigurationError(fmt.Sprintf("invalid concurrency: %d", c.Concurrency), nil)
	}
	if c.Scheduler.MaxIterations <= 0 || c.Scheduler.StallPasses <= 0 {
		return compute.NewConfigurationError("scheduler.max_iterations and scheduler.stall_passes must be positive", nil)
	}
	if c.Scheduler.Timeout < 0 || c.Scheduler.PollInterval < 0 {
		return compute.NewConfigurationError("scheduler durations must not be negative", nil)
	}

	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))
	switch c.Store.Kind {
	case "memory":
	case "file":
		if strings.TrimSpace(c.Store.Dir) == "" {
			return compute.NewConfigurationError("store.dir is required for the file store", nil)
		}
	default:
		return compute.NewConfigurationError(fmt.Sprintf("invalid store.kind: %q", c.Store.Kind), nil)
	}
	if c.Store.ChunkSize <= 0 {
		return compute.NewConfigurationError(fmt.Sprintf("invalid store.chunk_size: %d", c.Store.ChunkSize), nil)
	}
	return nil
}
