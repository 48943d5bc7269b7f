// Package config loads mailcore server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mail server core.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Auth     AuthConfig     `koanf:"auth"`
	Session  SessionConfig  `koanf:"session"`
	Logging  LoggingConfig  `koanf:"logging"`
	Queue    QueueConfig    `koanf:"queue"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Hostname     string `koanf:"hostname"`      // server name advertised in the IMAP greeting
	IMAPAddr     string `koanf:"imap_addr"`      // e.g. ":143"
	MaxConnsUser int    `koanf:"max_conns_user"` // ConnectionRegistry cap per user
}

// StorageConfig holds persistence paths.
type StorageConfig struct {
	DatabasePath string `koanf:"database_path"`
}

// AuthConfig holds CredentialVault tuning.
type AuthConfig struct {
	CacheTTL      string `koanf:"cache_ttl"`       // e.g. "30s"
	CacheCapacity int    `koanf:"cache_capacity"`  // max cached entries
}

// SessionConfig holds IMAP session-engine limits.
type SessionConfig struct {
	IdleTimeout        string `koanf:"idle_timeout"`          // e.g. "30m"
	MaxLineBytes       int    `koanf:"max_line_bytes"`        // LineProtocolFramer bound
	MaxArgs            int    `koanf:"max_args"`              // CommandParser arg cap
	MaxSeqSetParts     int    `koanf:"max_seqset_parts"`      // sequence-set part cap
	MaxDeletedUIDs     int    `koanf:"max_deleted_uids"`      // deletedUids guard
}

// LoggingConfig holds structured-logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Output string `koanf:"output"`
}

// QueueConfig holds outbound-queue configuration.
type QueueConfig struct {
	RedisURL   string `koanf:"redis_url"`
	Prefix     string `koanf:"prefix"`
	MaxRetries int    `koanf:"max_retries"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// DefaultConfig returns a configuration with sensible defaults, mirroring
// the invariants spelled out in the spec (8192-byte lines, 100 args, 500
// sequence-set parts, 10000 deleted UIDs).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:     "localhost",
			IMAPAddr:     ":143",
			MaxConnsUser: 10,
		},
		Storage: StorageConfig{
			DatabasePath: "/var/lib/mailcore/mail.db",
		},
		Auth: AuthConfig{
			CacheTTL:      "30s",
			CacheCapacity: 10000,
		},
		Session: SessionConfig{
			IdleTimeout:    "30m",
			MaxLineBytes:   8192,
			MaxArgs:        100,
			MaxSeqSetParts: 500,
			MaxDeletedUIDs: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Queue: QueueConfig{
			RedisURL:   "redis://localhost:6379/0",
			Prefix:     "mailcore",
			MaxRetries: 15,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults for
// any field the file doesn't set, and to an entirely default Config if the
// file is absent.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}
	if c.Server.IMAPAddr == "" {
		return fmt.Errorf("server.imap_addr is required")
	}
	if c.Server.MaxConnsUser < 1 {
		return fmt.Errorf("server.max_conns_user must be at least 1")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if !filepath.IsAbs(c.Storage.DatabasePath) {
		return fmt.Errorf("storage.database_path must be an absolute path")
	}
	if _, err := time.ParseDuration(c.Auth.CacheTTL); err != nil {
		return fmt.Errorf("auth.cache_ttl is invalid: %w", err)
	}
	if c.Auth.CacheCapacity < 1 {
		return fmt.Errorf("auth.cache_capacity must be at least 1")
	}
	if _, err := time.ParseDuration(c.Session.IdleTimeout); err != nil {
		return fmt.Errorf("session.idle_timeout is invalid: %w", err)
	}
	if c.Session.MaxLineBytes < 512 {
		return fmt.Errorf("session.max_line_bytes must be at least 512")
	}
	if c.Session.MaxArgs < 1 {
		return fmt.Errorf("session.max_args must be at least 1")
	}
	if c.Session.MaxSeqSetParts < 1 {
		return fmt.Errorf("session.max_seqset_parts must be at least 1")
	}
	if c.Session.MaxDeletedUIDs < 1 {
		return fmt.Errorf("session.max_deleted_uids must be at least 1")
	}
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url is required")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Logging.Level != "" {
		valid := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !valid[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %s)", c.Logging.Level)
		}
	}
	return nil
}

// EnsureDirectories creates any directories the config needs at startup.
func (c *Config) EnsureDirectories() error {
	dir := filepath.Dir(c.Storage.DatabasePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return nil
}
