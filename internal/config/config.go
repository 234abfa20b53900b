package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ilyakaznacheev/cleanenv"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session" env:"CHATSYNC_SESSION"`
	Transport      Transport `toml:"transport"`
	Typing         Typing    `toml:"typing"`
	Outbox         Outbox    `toml:"outbox"`
	Gateway        Gateway   `toml:"gateway"`
}

type Transport struct {
	Kind          string        `toml:"kind" env:"CHATSYNC_TRANSPORT"`
	RedisAddr     string        `toml:"redis_addr" env:"CHATSYNC_REDIS_ADDR"`
	RedisPassword string        `toml:"redis_password" env:"CHATSYNC_REDIS_PASSWORD"`
	RedisDB       int           `toml:"redis_db" env:"CHATSYNC_REDIS_DB"`
	Prefix        string        `toml:"prefix" env:"CHATSYNC_REDIS_PREFIX"`
	Heartbeat     time.Duration `toml:"heartbeat" env:"CHATSYNC_HEARTBEAT"`
	SweepInterval time.Duration `toml:"sweep_interval" env:"CHATSYNC_SWEEP_INTERVAL"`
}

type Typing struct {
	Timeout time.Duration `toml:"timeout" env:"CHATSYNC_TYPING_TIMEOUT"`
}

type Outbox struct {
	MaxRetries  uint64        `toml:"max_retries" env:"CHATSYNC_OUTBOX_MAX_RETRIES"`
	BaseBackoff time.Duration `toml:"base_backoff" env:"CHATSYNC_OUTBOX_BASE_BACKOFF"`
	MaxBackoff  time.Duration `toml:"max_backoff" env:"CHATSYNC_OUTBOX_MAX_BACKOFF"`
}

// Gateway is disabled when Addr is empty.
type Gateway struct {
	Addr      string `toml:"addr" env:"CHATSYNC_GATEWAY_ADDR"`
	JWTSecret string `toml:"jwt_secret" env:"CHATSYNC_JWT_SECRET"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Transport: Transport{
			Kind:          TransportMemory,
			Prefix:        "chatsync",
			Heartbeat:     2 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		Typing: Typing{Timeout: 3 * time.Second},
		Outbox: Outbox{
			MaxRetries:  5,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
		},
	}
}

// Resolve builds the effective configuration: defaults, then the file at path
// if it exists, then CHATSYNC_* environment variables.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings can be used together.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRedis:
		if c.Transport.RedisAddr == "" {
			return errors.New("transport.redis_addr is required for the redis transport")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.Typing.Timeout < 0 || c.Outbox.BaseBackoff < 0 || c.Outbox.MaxBackoff < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Outbox.MaxBackoff > 0 && c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		return errors.New("outbox.max_backoff is below outbox.base_backoff")
	}
	if c.Gateway.Addr != "" && c.Gateway.JWTSecret == "" {
		return errors.New("gateway.jwt_secret is required when the gateway is enabled")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
