// Package config loads fieldsync settings from fieldsync.yaml, FIELDSYNC_*
// environment variables and built-in defaults, in decreasing precedence
// from env to defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mschirtzinger/fieldsync/internal/logging"
	"github.com/mschirtzinger/fieldsync/internal/realtime"
	fsync "github.com/mschirtzinger/fieldsync/internal/sync"
)

// Remote transports.
const (
	RemoteREST     = "rest"
	RemotePostgres = "postgres"
)

// Realtime transports.
const (
	RealtimeWebsocket = "websocket"
	RealtimeRedis     = "redis"
	RealtimeNone      = "none"
)

// Config is the complete configuration.
type Config struct {
	// DataDir holds the database and session file unless they are set
	// explicitly.
	DataDir     string `mapstructure:"data_dir"`
	Database    string `mapstructure:"database"`
	SessionFile string `mapstructure:"session_file"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Status    StatusConfig    `mapstructure:"status"`
	Log       LogConfig       `mapstructure:"log"`
}

// RemoteConfig selects and configures the backend.
type RemoteConfig struct {
	Transport      string        `mapstructure:"transport"`
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	DatabaseURL    string        `mapstructure:"database_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxElapsed     time.Duration `mapstructure:"max_elapsed"`
}

// RealtimeConfig selects and configures the change feed.
type RealtimeConfig struct {
	Transport string `mapstructure:"transport"`

	// URL is the websocket endpoint. It defaults to the remote URL's
	// realtime path.
	URL       string        `mapstructure:"url"`
	Topic     string        `mapstructure:"topic"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`

	RedisURL string `mapstructure:"redis_url"`
	Channel  string `mapstructure:"channel"`

	RetryAttempts uint          `mapstructure:"retry_attempts"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	Debounce           time.Duration `mapstructure:"debounce"`
	MaxRetries         int           `mapstructure:"max_retries"`
	UploadConcurrency  int           `mapstructure:"upload_concurrency"`
	PageSize           int           `mapstructure:"page_size"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	BreakerMaxCooldown time.Duration `mapstructure:"breaker_max_cooldown"`
}

// LifecycleConfig tunes the coordinator inputs.
type LifecycleConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// StatusConfig configures the status server.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("database", "")
	v.SetDefault("session_file", "")

	v.SetDefault("remote.transport", RemoteREST)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.database_url", "")
	v.SetDefault("remote.request_timeout", 30*time.Second)
	v.SetDefault("remote.max_elapsed", 2*time.Minute)

	v.SetDefault("realtime.transport", RealtimeWebsocket)
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.topic", "realtime:public")
	v.SetDefault("realtime.heartbeat", 25*time.Second)
	v.SetDefault("realtime.redis_url", "")
	v.SetDefault("realtime.channel", "fieldsync:changes")
	v.SetDefault("realtime.retry_attempts", 3)
	v.SetDefault("realtime.retry_initial", time.Second)

	v.SetDefault("sync.debounce", 500*time.Millisecond)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.upload_concurrency", 4)
	v.SetDefault("sync.page_size", 500)
	v.SetDefault("sync.breaker_threshold", 3)
	v.SetDefault("sync.breaker_cooldown", 30*time.Second)
	v.SetDefault("sync.breaker_max_cooldown", 10*time.Minute)

	v.SetDefault("lifecycle.probe_interval", 15*time.Second)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.addr", "127.0.0.1:7420")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

// Load reads the configuration. An empty path searches for fieldsync.yaml
// in the working directory and $HOME/.config/fieldsync; finding none is
// not an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "fieldsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fill()
	return &cfg, nil
}

// fill derives settings that default from others.
func (c *Config) fill() {
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "fieldsync.db")
	}
	if c.SessionFile == "" {
		c.SessionFile = filepath.Join(c.DataDir, "session.json")
	}
	if c.Realtime.URL == "" && c.Remote.URL != "" {
		if u, err := url.Parse(c.Remote.URL); err == nil && u.Host != "" {
			u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
			u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
			c.Realtime.URL = u.String()
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Remote.Transport {
	case RemoteREST:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the rest transport")
		}
	case RemotePostgres:
		if c.Remote.DatabaseURL == "" {
			return fmt.Errorf("remote.database_url is required for the postgres transport")
		}
	default:
		return fmt.Errorf("unknown remote.transport %q", c.Remote.Transport)
	}

	switch c.Realtime.Transport {
	case RealtimeWebsocket:
		if c.Realtime.URL == "" {
			return fmt.Errorf("realtime.url is required for the websocket transport")
		}
	case RealtimeRedis:
		if c.Realtime.RedisURL == "" {
			return fmt.Errorf("realtime.redis_url is required for the redis transport")
		}
	case RealtimeNone:
	default:
		return fmt.Errorf("unknown realtime.transport %q", c.Realtime.Transport)
	}

	s := c.Sync
	switch {
	case s.Debounce < 0:
		return fmt.Errorf("sync.debounce must not be negative")
	case s.MaxRetries < 1:
		return fmt.Errorf("sync.max_retries must be at least 1")
	case s.UploadConcurrency < 1:
		return fmt.Errorf("sync.upload_concurrency must be at least 1")
	case s.PageSize < 1:
		return fmt.Errorf("sync.page_size must be at least 1")
	case s.BreakerThreshold < 1:
		return fmt.Errorf("sync.breaker_threshold must be at least 1")
	case s.BreakerCooldown <= 0 || s.BreakerMaxCooldown < s.BreakerCooldown:
		return fmt.Errorf("sync.breaker_cooldown must be positive and not above sync.breaker_max_cooldown")
	}

	if c.Lifecycle.ProbeInterval <= 0 {
		return fmt.Errorf("lifecycle.probe_interval must be positive")
	}
	return nil
}

// Engine returns the engine configuration.
func (s SyncConfig) Engine() *fsync.Config {
	cfg := fsync.DefaultConfig()
	cfg.Debounce = s.Debounce
	cfg.MaxRetries = s.MaxRetries
	cfg.UploadConcurrency = s.UploadConcurrency
	cfg.PageSize = s.PageSize
	cfg.BreakerThreshold = s.BreakerThreshold
	cfg.BreakerBaseCooldown = s.BreakerCooldown
	cfg.BreakerMaxCooldown = s.BreakerMaxCooldown
	return cfg
}

// Listener returns the realtime listener configuration.
func (r RealtimeConfig) Listener() *realtime.ListenerConfig {
	cfg := realtime.DefaultListenerConfig()
	cfg.RetryAttempts = r.RetryAttempts
	if r.RetryInitial > 0 {
		cfg.RetryInitial = r.RetryInitial
	}
	return cfg
}

// Logging returns the logger configuration.
func (l LogConfig) Logging() logging.Config {
	return logging.Config{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}
