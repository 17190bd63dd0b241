// Package config loads cheappipe settings from YAML and CHEAPPIPE_ environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/willibrandon/cheappipe/internal/logger"
)

// Config is the root configuration structure.
type Config struct {
	Pipe    PipeConfig    `mapstructure:"pipe"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Journal JournalConfig `mapstructure:"journal"`
}

// PipeConfig configures the pipe server.
type PipeConfig struct {
	Name string `mapstructure:"name"`
	// ConcurrentRequests of 0 means one per CPU.
	ConcurrentRequests int           `mapstructure:"concurrent_requests"`
	IgnorePriority     bool          `mapstructure:"ignore_priority"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	ReadBufferSize     int           `mapstructure:"read_buffer_size"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	LockDir            string        `mapstructure:"lock_dir"`
	SocketDir          string        `mapstructure:"socket_dir"`
}

// LogConfig configures the log file.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
	Port    int    `mapstructure:"port"`
}

// Addr returns bind:port.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Bind, m.Port)
}

// JournalConfig configures the SQLite message journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// Retention of 0 keeps entries forever.
	Retention time.Duration `mapstructure:"retention"`
}

// Load reads the configuration from the default locations.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from a specific path.
// If configPath is empty, it searches default locations; a missing file is not an error.
func LoadFromPath(configPath string) (*Config, error) {
	v := viper.New()

	v.AutomaticEnv()
	v.SetEnvPrefix("CHEAPPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if configDir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(configDir, "cheappipe"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cheappipe"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return configFromViper(v)
}

func configFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Pipe.LockDir = expandPath(cfg.Pipe.LockDir)
	cfg.Pipe.SocketDir = expandPath(cfg.Pipe.SocketDir)
	cfg.Log.Path = expandPath(cfg.Log.Path)
	cfg.Journal.Path = expandPath(cfg.Journal.Path)
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = DefaultJournalPath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("pipe.name", "cheappipe")
	v.SetDefault("pipe.concurrent_requests", 0)
	v.SetDefault("pipe.ignore_priority", false)
	v.SetDefault("pipe.poll_interval", "250ms")
	v.SetDefault("pipe.retry_delay", "100ms")
	v.SetDefault("pipe.read_buffer_size", 64*1024)
	v.SetDefault("pipe.read_timeout", "30s")
	v.SetDefault("pipe.lock_dir", "")
	v.SetDefault("pipe.socket_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.bind", "127.0.0.1")
	v.SetDefault("metrics.port", 9464)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "")
	v.SetDefault("journal.retention", "168h")
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Pipe.Name) == "" {
		return fmt.Errorf("pipe.name cannot be empty")
	}
	if c.Pipe.ConcurrentRequests < 0 {
		return fmt.Errorf("pipe.concurrent_requests must be >= 0, got %d", c.Pipe.ConcurrentRequests)
	}
	if c.Pipe.PollInterval < 10*time.Millisecond || c.Pipe.PollInterval > time.Minute {
		return fmt.Errorf("pipe.poll_interval must be between 10ms and 1m, got %v", c.Pipe.PollInterval)
	}
	if c.Pipe.RetryDelay < 0 {
		return fmt.Errorf("pipe.retry_delay must be >= 0, got %v", c.Pipe.RetryDelay)
	}
	if c.Pipe.ReadBufferSize < 512 || c.Pipe.ReadBufferSize > 16*1024*1024 {
		return fmt.Errorf("pipe.read_buffer_size must be between 512 and 16MiB, got %d", c.Pipe.ReadBufferSize)
	}
	if c.Pipe.ReadTimeout < 0 {
		return fmt.Errorf("pipe.read_timeout must be >= 0, got %v", c.Pipe.ReadTimeout)
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
		}
	}

	if c.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must be >= 0, got %v", c.Journal.Retention)
	}

	return nil
}

// DefaultJournalPath returns the platform-appropriate journal database path.
func DefaultJournalPath() string {
	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "cheappipe", "journal.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "cheappipe", "journal.db")
	}
	return "journal.db"
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
