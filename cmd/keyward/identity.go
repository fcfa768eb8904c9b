// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keyward/keyward/internal/auth/postgres"
	"github.com/keyward/keyward/internal/config"
	"github.com/keyward/keyward/internal/identity"
	"github.com/keyward/keyward/internal/store"
	"github.com/keyward/keyward/pkg/errutil"
)

// identityStoreFactory is swapped in tests.
var identityStoreFactory = openIdentityStore

// NewIdentityCmd creates the identity subcommand.
func NewIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the server public key, generating the identity if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runIdentity(cmd.Context(), cfg, cmd)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runIdentity(ctx context.Context, cfg config.Config, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, closeStore, err := identityStoreFactory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	logger := slog.New(slog.DiscardHandler)
	id, err := identity.NewManager(st, identity.WithLogger(logger)).EnsureIdentity(ctx)
	if err != nil {
		return oops.With("operation", "ensure server identity").Wrap(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id.PublicKey.Hex())
	return nil
}

// openIdentityStore opens only the identity part of the configured backend.
func openIdentityStore(ctx context.Context, cfg config.Config) (identity.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		return identity.NewFileStore(cfg.DataDir), func() {}, nil
	case config.BackendPostgres:
		pool, err := store.OpenPool(ctx, cfg.Storage.DatabaseURL, cfg.Storage.ConnectTimeout.Std())
		if err != nil {
			return nil, nil, oops.With("operation", "connect to database").Wrap(err)
		}
		return postgres.NewIdentityStore(pool), pool.Close, nil
	default:
		return nil, nil, oops.Code(errutil.CodeInvalidConfig).Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
