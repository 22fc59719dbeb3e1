package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// PoolConfig bounds the connection pool a repository owns.
//
// When to use:
//   - Embed in MultiConfig; every backend reads the fields it supports.
//
// Edge cases:
//   - Zero values are replaced by WithDefaults.
//   - WorkMem and StatementTimeout are Postgres session settings; SQLite maps
//     StatementTimeout to busy_timeout and SQL Server to LOCK_TIMEOUT.
type PoolConfig struct {
	MaxConns          int32         `koanf:"max_conns"`
	MinConns          int32         `koanf:"min_conns"`
	MaxConnLifetime   time.Duration `koanf:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `koanf:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `koanf:"health_check_period"`

	AcquireRetries    int           `koanf:"acquire_retries"`
	AcquireRetryDelay time.Duration `koanf:"acquire_retry_delay"`

	WorkMem          string        `koanf:"work_mem"`
	StatementTimeout time.Duration `koanf:"statement_timeout"`
}

// DefaultPoolConfig returns the defaults used for unset fields.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:          4,
		MinConns:          0,
		MaxConnLifetime:   30 * time.Minute,
		MaxConnIdleTime:   5 * time.Minute,
		HealthCheckPeriod: time.Minute,
		AcquireRetries:    3,
		AcquireRetryDelay: 500 * time.Millisecond,
		WorkMem:           "16MB",
		StatementTimeout:  30 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultPoolConfig.
func (c PoolConfig) WithDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		c.MinConns = 0
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = d.MaxConnLifetime
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = d.MaxConnIdleTime
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = d.HealthCheckPeriod
	}
	if c.AcquireRetries <= 0 {
		c.AcquireRetries = d.AcquireRetries
	}
	if c.AcquireRetryDelay <= 0 {
		c.AcquireRetryDelay = d.AcquireRetryDelay
	}
	if c.WorkMem == "" {
		c.WorkMem = d.WorkMem
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = d.StatementTimeout
	}
	return c
}

// Acquirer hands out live connections of type C.
//
// Each Acquire opens a connection, runs the liveness check and on failure
// discards it and retries up to AcquireRetries times, sleeping
// AcquireRetryDelay in between. All of that runs inside a circuit breaker:
// after consecutive failed acquisitions the breaker opens and Acquire fails
// fast with ErrUnavailable until the breaker's timeout passes.
//
// Concurrency:
//   - Safe for concurrent use; the open/check/discard funcs must be too.
type Acquirer[C any] struct {
	cfg     PoolConfig
	open    func(ctx context.Context) (C, error)
	check   func(ctx context.Context, c C) error
	discard func(c C)
	breaker *gobreaker.CircuitBreaker[C]

	// sleep is a test seam.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewAcquirer builds an Acquirer. onState, if non-nil, observes breaker
// state transitions.
func NewAcquirer[C any](
	name string,
	cfg PoolConfig,
	open func(ctx context.Context) (C, error),
	check func(ctx context.Context, c C) error,
	discard func(c C),
	onState func(name string, from, to gobreaker.State),
) *Acquirer[C] {
	cfg = cfg.WithDefaults()
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: onState,
	}
	return &Acquirer[C]{
		cfg:     cfg,
		open:    open,
		check:   check,
		discard: discard,
		breaker: gobreaker.NewCircuitBreaker[C](st),
		sleep:   sleepCtx,
	}
}

// Acquire returns a checked connection. The caller owns it and must release
// it on every path.
func (a *Acquirer[C]) Acquire(ctx context.Context) (C, error) {
	c, err := a.breaker.Execute(func() (C, error) {
		return a.acquireWithRetry(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return c, fmt.Errorf("%w: %s: %w", ErrUnavailable, a.breaker.Name(), err)
		}
		return c, err
	}
	return c, nil
}

// State exposes the breaker state for logging.
func (a *Acquirer[C]) State() gobreaker.State {
	return a.breaker.State()
}

func (a *Acquirer[C]) acquireWithRetry(ctx context.Context) (C, error) {
	var zero C
	var lastErr error
	attempts := a.cfg.AcquireRetries + 1

	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := a.sleep(ctx, a.cfg.AcquireRetryDelay); err != nil {
				return zero, err
			}
		}

		c, err := a.open(ctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			continue
		}
		if a.check != nil {
			if err := a.check(ctx, c); err != nil {
				lastErr = err
				if a.discard != nil {
					a.discard(c)
				}
				if ctx.Err() != nil {
					return zero, ctx.Err()
				}
				continue
			}
		}
		return c, nil
	}

	return zero, fmt.Errorf("%w: acquire failed after %d attempts: %w", ErrUnavailable, attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
