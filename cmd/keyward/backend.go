// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/auth/filestore"
	"github.com/keyward/keyward/internal/auth/postgres"
	"github.com/keyward/keyward/internal/auth/redisstore"
	"github.com/keyward/keyward/internal/config"
	"github.com/keyward/keyward/internal/identity"
	"github.com/keyward/keyward/internal/store"
	"github.com/keyward/keyward/pkg/errutil"
)

// Backend bundles the persistence the auth service runs on.
type Backend struct {
	Registry  auth.Registry
	Sessions  auth.SessionStore
	Exchanges auth.ExchangeStore
	Identity  identity.Store

	closers []func() error
}

// Close releases every resource the backend opened, last opened first.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// migratorFactory is swapped in tests.
var migratorFactory = func(databaseURL string) (Migrator, error) {
	return store.NewMigrator(databaseURL)
}

// openBackend opens the configured storage and session backends.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{}
	issuer := auth.NewTokenIssuer()

	switch cfg.Storage.Backend {
	case config.BackendFile:
		reg, err := filestore.OpenRegistry(cfg.DataDir, issuer)
		if err != nil {
			return nil, err
		}
		sessions, err := filestore.OpenSessionStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		exchanges, err := filestore.OpenExchangeStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		b.Registry, b.Sessions, b.Exchanges = reg, sessions, exchanges
		b.Identity = identity.NewFileStore(cfg.DataDir)
		logger.Info("using file storage", "data_dir", cfg.DataDir)

	case config.BackendPostgres:
		if cfg.Storage.AutoMigrate {
			if err := autoMigrate(cfg.Storage.DatabaseURL, logger); err != nil {
				return nil, err
			}
		}
		pool, err := store.OpenPool(ctx, cfg.Storage.DatabaseURL, cfg.Storage.ConnectTimeout.Std())
		if err != nil {
			return nil, oops.With("operation", "connect to database").Wrap(err)
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		b.Registry = postgres.NewRegistry(pool, issuer)
		b.Sessions = postgres.NewSessionStore(pool)
		b.Exchanges = postgres.NewExchangeStore(pool)
		b.Identity = postgres.NewIdentityStore(pool)
		logger.Info("using postgres storage")

	default:
		return nil, oops.Code(errutil.CodeInvalidConfig).Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Sessions.Backend == config.BackendRedis {
		rs, err := redisstore.Open(ctx, redisstore.Options{
			Addr:           cfg.Sessions.Redis.Addr,
			Password:       cfg.Sessions.Redis.Password,
			DB:             cfg.Sessions.Redis.DB,
			KeyPrefix:      cfg.Sessions.Redis.KeyPrefix,
			ConnectTimeout: cfg.Storage.ConnectTimeout.Std(),
		})
		if err != nil {
			_ = b.Close()
			return nil, oops.With("operation", "connect to redis").Wrap(err)
		}
		b.closers = append(b.closers, rs.Close)
		b.Sessions = rs
		logger.Info("using redis session ledger", "addr", cfg.Sessions.Redis.Addr)
	}

	return b, nil
}

// autoMigrate applies pending migrations before the pool opens.
func autoMigrate(databaseURL string, logger *slog.Logger) (err error) {
	m, err := migratorFactory(databaseURL)
	if err != nil {
		return oops.With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			logger.Warn("failed to close migrator", "error", closeErr)
		}
	}()

	if err := m.Up(); err != nil {
		return oops.With("operation", "auto-migrate").Wrap(err)
	}
	logger.Info("database migrations applied")
	return nil
}
