// Package db provides database connection infrastructure.
// This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"fmt"
	"time"

	"clinic_engine/platform/config"
	"clinic_engine/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

const connectBaseDelay = 2 * time.Second

// NewPool opens a pool sized from cfg and pings it once.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	tunePool(poolConfig, cfg.GetDatabaseMaxConns())

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// Connect is NewPool retried with quadratic backoff. The API and the
// scheduler usually start before the database accepts connections.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := Retry(ctx, log, "database connection", cfg.GetDatabaseConnectAttempts(), connectBaseDelay, func() error {
		p, err := NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// Retry runs fn up to attempts times, sleeping attempt² × baseDelay between
// failures. It stops early when ctx is done.
func Retry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * baseDelay):
		}
	}

	return fmt.Errorf("%s: %w", name, lastErr)
}

// tunePool keeps a fifth of the pool warm. Generators hold a connection for
// one short batch at a time, so idle connections are recycled quickly.
func tunePool(c *pgxpool.Config, maxConns int32) {
	if maxConns < 2 {
		maxConns = 2
	}
	c.MaxConns = maxConns
	c.MinConns = max(1, maxConns/5)
	c.MaxConnLifetime = time.Hour
	c.MaxConnIdleTime = 10 * time.Minute
	c.HealthCheckPeriod = time.Minute
}
