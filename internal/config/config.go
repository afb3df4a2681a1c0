// Package config loads the example server configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed config.sample.yaml
var sampleConfig string

// Sample returns the commented sample configuration.
func Sample() string { return sampleConfig }

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Bookmarks BookmarksConfig `yaml:"bookmarks"`
	LogLevel  string          `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// RedisConfig selects the fast storage tier. An empty Addr keeps it in memory.
type RedisConfig struct {
	Addr      string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	Namespace string `yaml:"namespace" validate:"required"`
}

// SQLiteConfig selects the durable storage tier. An empty Path keeps it in memory.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type StorageConfig struct {
	MaxValueBytes int    `yaml:"max_value_bytes" validate:"gte=0"`
	MaxRetries    uint64 `yaml:"max_retries"`
}

type QueueConfig struct {
	Retention       time.Duration `yaml:"retention" validate:"gt=0"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gt=0"`
	OrphanPolicy    string        `yaml:"orphan_policy" validate:"oneof=requeue fail"`
}

type BookmarksConfig struct {
	File       string        `yaml:"file"`
	FastTTL    time.Duration `yaml:"fast_ttl" validate:"gt=0"`
	DurableTTL time.Duration `yaml:"durable_ttl" validate:"gt=0"`
}

// DefaultConfig returns a config with every field set.
func DefaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Redis:   RedisConfig{Namespace: "shelfq"},
		SQLite:  SQLiteConfig{Path: "shelfq.db"},
		Storage: StorageConfig{MaxValueBytes: 8192, MaxRetries: 3},
		Queue: QueueConfig{
			Retention:       time.Hour,
			SweepInterval:   time.Minute,
			CleanupInterval: 5 * time.Minute,
			OrphanPolicy:    "requeue",
		},
		Bookmarks: BookmarksConfig{FastTTL: 5 * time.Minute, DurableTTL: time.Hour},
		LogLevel:  "info",
	}
}

// Load reads the YAML file at path on top of DefaultConfig, applies SHELFQ_*
// environment overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Errorf("config: %s fails %q", fe.Namespace(), fe.Tag())
			}
			return errors.Join(msgs...)
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SHELFQ_LISTEN_ADDR":    &c.Server.Addr,
		"SHELFQ_REDIS_ADDR":     &c.Redis.Addr,
		"SHELFQ_REDIS_PASSWORD": &c.Redis.Password,
		"SHELFQ_SQLITE_PATH":    &c.SQLite.Path,
		"SHELFQ_BOOKMARKS_FILE": &c.Bookmarks.File,
		"SHELFQ_LOG_LEVEL":      &c.LogLevel,
		"SHELFQ_ORPHAN_POLICY":  &c.Queue.OrphanPolicy,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup("SHELFQ_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SHELFQ_REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if v, ok := lookup("SHELFQ_SWEEP_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: SHELFQ_SWEEP_INTERVAL: %w", err)
		}
		c.Queue.SweepInterval = d
	}
	return nil
}
