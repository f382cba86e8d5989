// Package config loads and saves the SDK configuration file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the tunables for a chatwire session, read from a TOML file.
// Zero values fall back to the defaults below.
type Config struct {
	APIBaseURL string `toml:"api_base_url"`
	SocketURL  string `toml:"socket_url"`
	APIKey     string `toml:"api_key"`

	// Reconnection backoff curve.
	ReconnectBaseDelay time.Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `toml:"reconnect_max_delay"`

	// Health monitoring: a silent connection is pinged after PingAfter of
	// quiet and force-closed after DisconnectAfter without any frame.
	PingAfter       time.Duration `toml:"ping_after"`
	DisconnectAfter time.Duration `toml:"disconnect_after"`

	// Dirty entities older than SyncMaxAge are dropped instead of
	// resubmitted during reconciliation.
	SyncMaxAge time.Duration `toml:"sync_max_age"`

	// Tombstones older than TombstoneRetention may be swept from channel
	// state.
	TombstoneRetention time.Duration `toml:"tombstone_retention"`
}

// Defaults returns the configuration used when no file overrides exist.
func Defaults() Config {
	return Config{
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  25 * time.Second,
		PingAfter:          10 * time.Second,
		DisconnectAfter:    40 * time.Second,
		SyncMaxAge:         12 * time.Hour,
		TombstoneRetention: 24 * time.Hour,
	}
}

// Load reads config from the given path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.fill()
	return &cfg, nil
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

func (c *Config) fill() {
	d := Defaults()
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.PingAfter <= 0 {
		c.PingAfter = d.PingAfter
	}
	if c.DisconnectAfter <= 0 {
		c.DisconnectAfter = d.DisconnectAfter
	}
	if c.SyncMaxAge <= 0 {
		c.SyncMaxAge = d.SyncMaxAge
	}
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = d.TombstoneRetention
	}
}
