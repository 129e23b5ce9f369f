package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig
	Log      LogConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	// Path is the location of the database file. Ignored when InMemory is set.
	Path string `mapstructure:"path"`
	// InMemory opens an ephemeral in-memory database, used by tests.
	InMemory bool `mapstructure:"in_memory"`
	// ReadOnly opens the database without write access.
	ReadOnly bool `mapstructure:"read_only"`
	// AutoCreate creates the database file and parent directory if missing.
	AutoCreate bool `mapstructure:"auto_create"`
	// Strict enables SQLite strict typing on the session.
	Strict bool `mapstructure:"strict"`
	// BusyTimeoutMS is how long a writer waits on a locked database before
	// giving up, in milliseconds.
	BusyTimeoutMS int `mapstructure:"busy_timeout_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from file and env. Env var overrides use prefix FINTRACK_.
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "fintrack", "fintrack.db"))
	v.SetDefault("database.in_memory", false)
	v.SetDefault("database.read_only", false)
	v.SetDefault("database.auto_create", true)
	v.SetDefault("database.strict", false)
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("FINTRACK_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "fintrack"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("FINTRACK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Save writes the provided config to disk, creating the config directory if needed.
func Save(cfg Config) error {
	path := os.Getenv("FINTRACK_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "fintrack", "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("database.path", cfg.Database.Path)
	v.Set("database.in_memory", cfg.Database.InMemory)
	v.Set("database.read_only", cfg.Database.ReadOnly)
	v.Set("database.auto_create", cfg.Database.AutoCreate)
	v.Set("database.strict", cfg.Database.Strict)
	v.Set("database.busy_timeout_ms", cfg.Database.BusyTimeoutMS)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
