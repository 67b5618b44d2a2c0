// Package config provides configuration loading and persistence for the
// vibetunnel server.
//
// Configuration is loaded from:
// 1. <control-dir>/config.json (file)
// 2. Environment variables (override file values)
//
// Environment variables:
//   - PORT: HTTP listen port
//   - VIBETUNNEL_CONTROL_DIR: control directory root
//   - VIBETUNNEL_DEBUG: 1 enables debug logging
//   - VIBETUNNEL_LOG_LEVEL: error|warn|info|debug|verbose
//   - VIBETUNNEL_HQ_URL: HQ base URL (enables remote mode)
//   - VIBETUNNEL_HQ_AUTH: bearer credential for HQ
//   - VIBETUNNEL_REMOTE_NAME: this server's name at HQ
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Config holds all configuration for the server.
type Config struct {
	// Port is the HTTP listen port.
	Port int `json:"port"`

	// Bind is the listen address.
	Bind string `json:"bind"`

	// ControlDir is the root directory holding one directory per session.
	ControlDir string `json:"control_dir"`

	// LogLevel is one of error, warn, info, debug, verbose.
	LogLevel string `json:"log_level"`

	// HQURL, when set, puts the server in remote mode against that HQ.
	HQURL string `json:"hq_url,omitempty"`

	// HQAuth is the bearer credential shared with HQ.
	HQAuth string `json:"hq_auth,omitempty"`

	// RemoteName is this server's name at HQ.
	RemoteName string `json:"remote_name,omitempty"`

	// NoAuth disables request authentication.
	NoAuth bool `json:"no_auth,omitempty"`

	// Extra is the opaque key/value store behind /api/config. The
	// server persists it but never interprets it.
	Extra map[string]string `json:"extra,omitempty"`

	mu sync.Mutex
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "."
	}
	return &Config{
		Port:       4020,
		Bind:       "127.0.0.1",
		ControlDir: filepath.Join(homeDir, ".vibetunnel", "control"),
		LogLevel:   "info",
		Extra:      map[string]string{},
	}
}

// Load reads configuration from file and applies environment variable
// overrides. Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvOverrides() // control dir may come from env
	if err := cfg.loadFromFile(); err != nil {
		// Missing or invalid file just means defaults.
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Path returns the config file location under the control directory.
func (c *Config) Path() string {
	return filepath.Join(c.ControlDir, "config.json")
}

// loadFromFile attempts to load configuration from the config file.
func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.Path())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil {
			c.Port = val
		}
	}
	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		c.ControlDir = dir
	}
	if level := os.Getenv("VIBETUNNEL_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if os.Getenv("VIBETUNNEL_DEBUG") == "1" {
		c.LogLevel = "debug"
	}
	if url := os.Getenv("VIBETUNNEL_HQ_URL"); url != "" {
		c.HQURL = url
	}
	if auth := os.Getenv("VIBETUNNEL_HQ_AUTH"); auth != "" {
		c.HQAuth = auth
	}
	if name := os.Getenv("VIBETUNNEL_REMOTE_NAME"); name != "" {
		c.RemoteName = name
	}
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	path := c.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("could not create control directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}
	return nil
}

// GetExtra returns a copy of the opaque key/value store.
func (c *Config) GetExtra() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.Extra))
	for k, v := range c.Extra {
		out[k] = v
	}
	return out
}

// SetExtra replaces the opaque key/value store and persists it.
func (c *Config) SetExtra(kv map[string]string) error {
	c.mu.Lock()
	c.Extra = kv
	c.mu.Unlock()
	return c.Save()
}

// SlogLevel maps the configured level name to a slog level. Verbose maps
// to debug; unknown names map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug", "verbose":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
