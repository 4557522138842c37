// Package config loads stepflow configuration.
//
// Priority: STEPFLOW_* env vars > settings file > defaults. The settings
// file is ~/.stepflow/settings.json unless an explicit path is given.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/stepflow/internal/backends"
	"github.com/rendis/stepflow/pkg/schema"
)

// EnvPrefix is prepended to every environment override, e.g. STEPFLOW_DB_PATH.
const EnvPrefix = "STEPFLOW"

// Endpoint configures one backend.
type Endpoint struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// Config holds all stepflow configuration.
type Config struct {
	DBPath       string        `mapstructure:"db_path"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	PoolSize     int           `mapstructure:"pool_size"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`

	VaultPassphrase string `mapstructure:"vault_passphrase"`
	VaultSalt       string `mapstructure:"vault_salt"`

	AI     Endpoint `mapstructure:"ai"`
	Search Endpoint `mapstructure:"search"`
	Image  Endpoint `mapstructure:"image"`
}

// Dir is the stepflow home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

// SettingsPath is the default settings file.
func SettingsPath() string {
	return filepath.Join(Dir(), "settings.json")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(Dir(), "stepflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "tint")
	v.SetDefault("pool_size", 10)
	v.SetDefault("step_timeout", 2*time.Minute)
	v.SetDefault("poll_interval", time.Minute)
	v.SetDefault("http_timeout", 90*time.Second)
	v.SetDefault("vault_passphrase", "")
	v.SetDefault("vault_salt", "stepflow-vault")
	for _, name := range []string{"ai", "search", "image"} {
		v.SetDefault(name+".base_url", "")
		v.SetDefault(name+".api_key", "")
		v.SetDefault(name+".model", "")
	}
}

// NewViper builds a viper instance with defaults, env binding and, when
// present, the settings file. An empty path means SettingsPath; a missing
// default file is not an error, a missing explicit file is.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = SettingsPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads and validates configuration.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper unmarshals and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	res := &schema.ValidationResult{}
	if c.DBPath == "" {
		res.AddError("db_path", "REQUIRED", "db_path is empty")
	}
	if c.PoolSize <= 0 {
		res.AddError("pool_size", "NOT_POSITIVE", fmt.Sprintf("pool_size must be > 0, got %d", c.PoolSize))
	}
	if c.StepTimeout <= 0 {
		res.AddError("step_timeout", "NOT_POSITIVE", fmt.Sprintf("step_timeout must be > 0, got %s", c.StepTimeout))
	}
	if c.PollInterval <= 0 {
		res.AddError("poll_interval", "NOT_POSITIVE", fmt.Sprintf("poll_interval must be > 0, got %s", c.PollInterval))
	}
	switch c.LogFormat {
	case "text", "json", "tint":
	default:
		res.AddError("log_format", "INVALID", fmt.Sprintf("log_format must be text, json or tint, got %q", c.LogFormat))
	}
	return res.ToError()
}

// Backends converts the endpoint settings for backends.NewHTTPClient.
func (c *Config) Backends() backends.Config {
	return backends.Config{
		AI:      backends.Endpoint(c.AI),
		Search:  backends.Endpoint(c.Search),
		Image:   backends.Endpoint(c.Image),
		Timeout: c.HTTPTimeout,
	}
}
