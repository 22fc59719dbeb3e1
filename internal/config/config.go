// Package config loads the import pipeline settings.
//
// Settings are layered, later layers winning:
//
//  1. Built-in defaults (defaultConfig)
//  2. An optional YAML file
//  3. DEVICEIMPORT_* environment variables, "__" separating nested keys
//     (DEVICEIMPORT_IMPORT__BATCH_SIZE -> import.batch_size)
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"deviceimport/internal/storage"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DEVICEIMPORT_"

	// EnvConfigFile names the YAML file when no path is passed to Load.
	EnvConfigFile = EnvPrefix + "CONFIG"
)

// Config is the full pipeline configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Import   ImportConfig   `koanf:"import"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Kind is a registered backend: postgres, sqlite or mssql.
	Kind string `koanf:"kind"`
	// DSN may reference environment variables ($PGPASSWORD); they are
	// expanded after loading.
	DSN  string             `koanf:"dsn"`
	Pool storage.PoolConfig `koanf:"pool"`
}

// RetryConfig bounds the retries of one batch after a lock conflict.
// MaxAttempts counts the first attempt.
type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
	Multiplier      float64       `koanf:"multiplier"`
}

// ImportConfig controls reading, normalizing and batching.
type ImportConfig struct {
	BatchSize  int           `koanf:"batch_size"`
	Workers    int           `koanf:"workers"`
	Retry      RetryConfig   `koanf:"retry"`
	RunTimeout time.Duration `koanf:"run_timeout"`

	DefaultEncoding   string  `koanf:"default_encoding"`
	EncodingThreshold float64 `koanf:"encoding_threshold"`
	HeaderRowOffset   int     `koanf:"header_row_offset"`

	DefaultEmail     string `koanf:"default_email"`
	DefaultRecipient string `koanf:"default_recipient"`
}

// MetricsConfig selects where run metrics go.
type MetricsConfig struct {
	// Backend is none, datadog or pushgateway.
	Backend        string        `koanf:"backend"`
	PushgatewayURL string        `koanf:"pushgateway_url"`
	Job            string        `koanf:"job"`
	Tags           []string      `koanf:"tags"`
	FlushEvery     time.Duration `koanf:"flush_every"`
}

// LogConfig mirrors the writer-independent part of logging.Config.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Metrics backends.
const (
	MetricsNone        = "none"
	MetricsDatadog     = "datadog"
	MetricsPushgateway = "pushgateway"
)

// Default returns the built-in defaults.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Kind: "sqlite",
			DSN:  "file:deviceimport.db",
			Pool: storage.DefaultPoolConfig(),
		},
		Import: ImportConfig{
			BatchSize: 50,
			Workers:   4,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				Multiplier:      2,
			},
			RunTimeout:        30 * time.Minute,
			DefaultEncoding:   "utf-8",
			EncodingThreshold: 0.7,
		},
		Metrics: MetricsConfig{
			Backend:    MetricsNone,
			Job:        "deviceimport",
			FlushEvery: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// sliceConfigPaths lists keys that accept a comma-separated string from the
// environment.
var sliceConfigPaths = []string{
	"metrics.tags",
}

// Load builds the configuration from defaults, the YAML file at path (or
// $DEVICEIMPORT_CONFIG when path is empty) and the environment.
//
// A missing file is an error only when a path was given explicitly or via
// the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.Database.DSN = os.ExpandEnv(cfg.Database.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps an environment variable to a koanf path:
// DEVICEIMPORT_DATABASE__POOL__MAX_CONNS -> database.pool.max_conns.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
