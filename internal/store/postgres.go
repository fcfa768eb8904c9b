// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

// Package store provides storage plumbing shared by the persistence backends:
// atomic file writes, PostgreSQL pool setup and schema migrations.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// DefaultConnectTimeout bounds how long OpenPool waits for the database.
const DefaultConnectTimeout = 30 * time.Second

// Pinger is the part of a pool OpenPool needs to confirm connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpenPool connects to PostgreSQL and waits until the server answers a ping,
// retrying with exponential backoff for at most connectTimeout.
func OpenPool(ctx context.Context, databaseURL string, connectTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, oops.With("operation", "parse database url").Wrap(err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.With("operation", "create connection pool").Wrap(err)
	}

	if err := WaitForPing(ctx, pool, connectTimeout); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// WaitForPing pings p until it succeeds or timeout elapses.
func WaitForPing(ctx context.Context, p Pinger, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	backoff := retry.WithMaxDuration(timeout,
		retry.WithCappedDuration(2*time.Second, retry.NewExponential(100*time.Millisecond)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := p.Ping(ctx); err != nil {
			slog.Debug("database not ready", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.With("operation", "ping database").
			With("attempts", attempt).
			With("timeout", timeout.String()).
			Wrap(err)
	}
	return nil
}
