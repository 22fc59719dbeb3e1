package config

import (
	"fmt"
	"net/url"
	"strings"
)

var databaseKinds = []string{"postgres", "sqlite", "mssql"}

// Validate returns the first problem found, section by section.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateImport(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	return c.validateLog()
}

func (c *Config) validateDatabase() error {
	if !contains(databaseKinds, c.Database.Kind) {
		return fmt.Errorf("database.kind must be one of %s, got %q", strings.Join(databaseKinds, ", "), c.Database.Kind)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	p := c.Database.Pool
	if p.MaxConns < 0 || p.MinConns < 0 {
		return fmt.Errorf("database.pool connection counts must not be negative")
	}
	if p.MaxConns > 0 && p.MinConns > p.MaxConns {
		return fmt.Errorf("database.pool.min_conns (%d) exceeds max_conns (%d)", p.MinConns, p.MaxConns)
	}
	return nil
}

func (c *Config) validateImport() error {
	im := c.Import
	if im.BatchSize <= 0 {
		return fmt.Errorf("import.batch_size must be positive, got %d", im.BatchSize)
	}
	if im.Workers <= 0 {
		return fmt.Errorf("import.workers must be positive, got %d", im.Workers)
	}
	if maxConns := c.Database.Pool.WithDefaults().MaxConns; int32(im.Workers) > maxConns {
		return fmt.Errorf("import.workers (%d) exceeds database.pool.max_conns (%d)", im.Workers, maxConns)
	}
	if im.Retry.MaxAttempts < 1 {
		return fmt.Errorf("import.retry.max_attempts must be at least 1, got %d", im.Retry.MaxAttempts)
	}
	if im.Retry.InitialInterval <= 0 || im.Retry.MaxInterval < im.Retry.InitialInterval {
		return fmt.Errorf("import.retry intervals are invalid (initial %s, max %s)", im.Retry.InitialInterval, im.Retry.MaxInterval)
	}
	if im.Retry.Multiplier < 1 {
		return fmt.Errorf("import.retry.multiplier must be >= 1, got %g", im.Retry.Multiplier)
	}
	if im.RunTimeout < 0 {
		return fmt.Errorf("import.run_timeout must not be negative")
	}
	if im.EncodingThreshold < 0 || im.EncodingThreshold >= 1 {
		return fmt.Errorf("import.encoding_threshold must be in [0,1), got %g", im.EncodingThreshold)
	}
	if im.HeaderRowOffset < 0 {
		return fmt.Errorf("import.header_row_offset must not be negative")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	switch c.Metrics.Backend {
	case MetricsNone, "":
		return nil
	case MetricsDatadog:
	case MetricsPushgateway:
		if c.Metrics.PushgatewayURL == "" {
			return fmt.Errorf("metrics.pushgateway_url is required for the pushgateway backend")
		}
		u, err := url.Parse(c.Metrics.PushgatewayURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("metrics.pushgateway_url is not an absolute URL: %q", c.Metrics.PushgatewayURL)
		}
	default:
		return fmt.Errorf("metrics.backend must be none, datadog or pushgateway, got %q", c.Metrics.Backend)
	}
	if strings.TrimSpace(c.Metrics.Job) == "" {
		return fmt.Errorf("metrics.job is required when metrics are enabled")
	}
	if c.Metrics.FlushEvery <= 0 {
		return fmt.Errorf("metrics.flush_every must be positive")
	}
	return nil
}

var logLevels = []string{"trace", "debug", "info", "warn", "warning", "error", "disabled", "off"}

func (c *Config) validateLog() error {
	if !contains(logLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("log.level %q is not recognized", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
