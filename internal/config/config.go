package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite or postgres
	DBPath      string `mapstructure:"db_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type SandboxConfig struct {
	MaxOutputBytes int      `mapstructure:"max_output_bytes"`
	MaxSteps       uint64   `mapstructure:"max_steps"`
	Packages       []string `mapstructure:"packages"` // allow-list; empty allows every known package
	Preinstall     []string `mapstructure:"preinstall"`
	PackagesDir    string   `mapstructure:"packages_dir"`
	Prelude        string   `mapstructure:"prelude"`
}

type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type Config struct {
	Server         ServerConfig  `mapstructure:"server"`
	Storage        StorageConfig `mapstructure:"storage"`
	Sandbox        SandboxConfig `mapstructure:"sandbox"`
	Events         EventsConfig  `mapstructure:"events"`
	Log            LogConfig     `mapstructure:"log"`
	AssignmentsDir string        `mapstructure:"assignments_dir"`
}

// Load reads codebench.yaml from the working directory or ~/.codebench. A
// missing file is fine; defaults and CODEBENCH_* variables still apply. A
// .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("codebench")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.codebench")
	setDefaults(v)

	v.SetEnvPrefix("codebench")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads an explicit config file.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	v.SetEnvPrefix("codebench")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return decode(v)
}

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", filepath.Join(home, ".codebench", "codebench.db"))
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("sandbox.max_output_bytes", 64<<10)
	v.SetDefault("sandbox.max_steps", 0)
	v.SetDefault("sandbox.packages", []string{})
	v.SetDefault("sandbox.preinstall", []string{})
	v.SetDefault("sandbox.packages_dir", "")
	v.SetDefault("sandbox.prelude", "")
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "codebench.progress")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("assignments_dir", "assignments")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Storage.PostgresDSN = expandEnv(cfg.Storage.PostgresDSN)
	cfg.Events.NATSURL = expandEnv(cfg.Events.NATSURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	return nil
}

// expandEnv replaces a whole-value ${VAR} reference with the variable's value.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
