// Package config loads the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig points at the mail server API.
type ServerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RPS caps outgoing requests per second.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// AuthConfig configures both the token source for the mail server and the
// verification of bearer tokens on the local API.
type AuthConfig struct {
	TokenURL   string `mapstructure:"token_url"`
	UserJWT    string `mapstructure:"user_jwt"`
	JWKSURL    string `mapstructure:"jwks_url"`
	HMACSecret string `mapstructure:"hmac_secret"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type StoreConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// SyncConfig tunes the event polling loop.
type SyncConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	MaxImmediateRetries int           `mapstructure:"max_immediate_retries"`
	DelayedRetry        time.Duration `mapstructure:"delayed_retry"`
	PrimeLabels         []string      `mapstructure:"prime_labels"`
	PrimeLimit          int           `mapstructure:"prime_limit"`
	ViewMode            string        `mapstructure:"view_mode"`
}

type UndoConfig struct {
	Window time.Duration `mapstructure:"window"`
	// BannerTTL is how long a displayed undo banner stays actionable.
	BannerTTL time.Duration `mapstructure:"banner_ttl"`
}

type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type LabelsConfig struct {
	// ProtectedPatterns are regular expressions matched against user label
	// names; matching labels cannot be added or removed by user actions.
	ProtectedPatterns []string `mapstructure:"protected_patterns"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the top-level configuration.
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	UserID  string       `mapstructure:"user_id"`
	Store   StoreConfig  `mapstructure:"store"`
	Server  ServerConfig `mapstructure:"server"`
	Auth    AuthConfig   `mapstructure:"auth"`
	API     APIConfig    `mapstructure:"api"`
	NATS    NATSConfig   `mapstructure:"nats"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Undo    UndoConfig   `mapstructure:"undo"`
	Retry   RetryConfig  `mapstructure:"retry"`
	Labels  LabelsConfig `mapstructure:"labels"`
	Log     LogConfig    `mapstructure:"log"`
}

// DefaultPath returns ~/.config/mailsync/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.rps", 10.0)
	v.SetDefault("server.burst", 5)
	v.SetDefault("api.listen", "127.0.0.1:8088")
	v.SetDefault("sync.poll_interval", 30*time.Second)
	v.SetDefault("sync.settle_delay", 5*time.Second)
	v.SetDefault("sync.max_immediate_retries", 10)
	v.SetDefault("sync.delayed_retry", time.Second)
	v.SetDefault("sync.prime_labels", []string{"0"})
	v.SetDefault("sync.prime_limit", 50)
	v.SetDefault("sync.view_mode", "conversations")
	v.SetDefault("undo.window", 4*time.Second)
	v.SetDefault("undo.banner_ttl", 10*time.Second)
	v.SetDefault("retry.base", time.Second)
	v.SetDefault("retry.max", time.Minute)
	v.SetDefault("retry.max_attempts", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the YAML file at path. A missing file yields the defaults.
// Every key may be overridden with a MAILSYNC_ environment variable, for
// example MAILSYNC_SERVER_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Sync.ViewMode {
	case "messages", "conversations":
	default:
		return fmt.Errorf("config: unknown sync.view_mode %q", c.Sync.ViewMode)
	}
	if c.Undo.Window <= 0 {
		return fmt.Errorf("config: undo.window must be positive")
	}
	if c.Sync.MaxImmediateRetries < 0 {
		return fmt.Errorf("config: sync.max_immediate_retries must not be negative")
	}
	return nil
}
