package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndResolve(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
}

func TestResolveRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[typing\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(path); err == nil {
		t.Error("Resolve() expected error for malformed file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestResolveDefaultsWhenMissing(t *testing.T) {
	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Transport.Kind != TransportMemory {
		t.Errorf("Transport.Kind = %q, want memory", cfg.Transport.Kind)
	}
	if cfg.Typing.Timeout != 3*time.Second {
		t.Errorf("Typing.Timeout = %v, want 3s", cfg.Typing.Timeout)
	}
	if cfg.Outbox.MaxRetries != 5 || cfg.Outbox.BaseBackoff != 100*time.Millisecond {
		t.Errorf("Outbox = %+v", cfg.Outbox)
	}
}

func TestResolveFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `default_session = "shop"

[transport]
kind = "redis"
redis_addr = "localhost:6379"
heartbeat = "1s"

[typing]
timeout = "5s"
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATSYNC_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CHATSYNC_OUTBOX_MAX_RETRIES", "9")

	cfg, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.DefaultSession != "shop" || cfg.Transport.Kind != TransportRedis {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Transport.RedisAddr != "redis.internal:6380" {
		t.Errorf("RedisAddr = %q, want the env override", cfg.Transport.RedisAddr)
	}
	if cfg.Transport.Heartbeat != time.Second || cfg.Typing.Timeout != 5*time.Second {
		t.Errorf("durations = %v, %v", cfg.Transport.Heartbeat, cfg.Typing.Timeout)
	}
	if cfg.Outbox.MaxRetries != 9 {
		t.Errorf("MaxRetries = %d, want 9", cfg.Outbox.MaxRetries)
	}
	if cfg.Transport.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %v, want the default kept", cfg.Transport.SweepInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "firebase" }, true},
		{"redis without addr", func(c *Config) { c.Transport.Kind = TransportRedis }, true},
		{"gateway without secret", func(c *Config) { c.Gateway.Addr = ":8080" }, true},
		{"gateway with secret", func(c *Config) { c.Gateway.Addr, c.Gateway.JWTSecret = ":8080", "s" }, false},
		{"inverted backoff", func(c *Config) { c.Outbox.MaxBackoff = time.Millisecond }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTripsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Typing.Timeout = 1500 * time.Millisecond
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Typing.Timeout != cfg.Typing.Timeout || loaded.Outbox.MaxBackoff != cfg.Outbox.MaxBackoff {
		t.Errorf("loaded = %+v, want %+v", loaded, cfg)
	}
}
