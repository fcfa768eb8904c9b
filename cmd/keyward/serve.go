// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keyward/keyward/internal/auth"
	"github.com/keyward/keyward/internal/config"
	"github.com/keyward/keyward/internal/identity"
	"github.com/keyward/keyward/internal/logging"
	"github.com/keyward/keyward/internal/observability"
	"github.com/keyward/keyward/internal/web"
	"github.com/keyward/keyward/pkg/errutil"
)

var errNotServing = errors.New("api listener not serving")

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the key exchange and credential API",
		Long: `Start the HTTP API. The server identity is generated on first start
and reused afterwards. Metrics and health probes are served on a separate
listener when metrics_addr is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// runServeWithDeps runs the server until ctx is cancelled or a signal
// arrives. If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.SetDefault("keyward", version, cfg.LogFormat, cfg.LogLevel, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := deps.BackendFactory(ctx, cfg, logger)
	if err != nil {
		return oops.With("operation", "open backend").Wrap(err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Warn("error closing backend", "error", closeErr)
		}
	}()

	ids := identity.NewManager(backend.Identity, identity.WithLogger(logger))
	id, err := ids.EnsureIdentity(ctx)
	if err != nil {
		return oops.With("operation", "ensure server identity").Wrap(err)
	}
	logger.Info("server identity ready", "public_key", id.PublicKey.Hex())

	svc, err := newAuthService(cfg, backend, ids, logger)
	if err != nil {
		return err
	}

	reg := observability.NewRegistry()
	metrics := observability.NewMetrics(reg)
	handler, err := web.NewHandler(svc, web.WithMetrics(metrics), web.WithLogger(logger))
	if err != nil {
		return oops.With("operation", "build http handler").Wrap(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	readiness := func(ctx context.Context) error {
		if !ready.Load() {
			return errNotServing
		}
		if _, err := backend.Registry.Count(ctx); err != nil {
			return oops.Wrapf(err, "registry unavailable")
		}
		return nil
	}

	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, reg, readiness)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", logger)
	}

	listener, err := deps.ListenerFactory("tcp", cfg.HTTP.Addr)
	if err != nil {
		stopObservability(obsServer, logger)
		return oops.With("operation", "listen").With("addr", cfg.HTTP.Addr).Wrap(err)
	}
	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	httpErrCh := make(chan error, 1)
	go func() {
		defer close(httpErrCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			httpErrCh <- serveErr
		}
	}()
	go monitorServerErrors(ctx, cancel, httpErrCh, "http", logger)

	var wg sync.WaitGroup
	if interval := cfg.Sessions.PurgeInterval.Std(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			purgeLoop(ctx, svc, metrics, interval, logger)
		}()
	}

	ready.Store(true)
	addr := listener.Addr().String()
	logger.Info("keyward ready", "addr", addr, "storage", cfg.Storage.Backend, "sessions", cfg.Sessions.Backend)
	cmd.Println("keyward listening on " + addr)
	deps.OnReady(addr)

	<-ctx.Done()
	ready.Store(false)
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error stopping http server", "error", err)
	}
	stopObservability(obsServer, logger)
	wg.Wait()

	logger.Info("shutdown complete")
	return nil
}

// newAuthService assembles auth.Service from configuration.
func newAuthService(cfg config.Config, backend *Backend, ids auth.IdentityProvider, logger *slog.Logger) (*auth.Service, error) {
	hasher, err := auth.NewArgon2idHasherWithParams(cfg.Auth.Argon2)
	if err != nil {
		return nil, oops.Code(errutil.CodeInvalidConfig).With("key", "auth.argon2").Wrap(err)
	}
	policy, err := auth.NewUsernamePolicy(cfg.Auth.ReservedUsernames)
	if err != nil {
		return nil, oops.Code(errutil.CodeInvalidConfig).With("key", "auth.reserved_usernames").Wrap(err)
	}

	opts := []auth.ServiceOption{
		auth.WithSessionTTL(cfg.Sessions.TTL.Std()),
		auth.WithExchangeTTL(cfg.Auth.ExchangeTTL.Std()),
		auth.WithUsernamePolicy(policy),
		auth.WithLogger(logger),
	}
	if cfg.Auth.LockoutThreshold > 0 {
		opts = append(opts, auth.WithThrottle(auth.NewLoginThrottle(cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration.Std())))
	} else {
		opts = append(opts, auth.WithThrottle(nil))
	}

	svc, err := auth.NewService(backend.Registry, backend.Sessions, backend.Exchanges, ids, hasher, opts...)
	if err != nil {
		return nil, oops.With("operation", "create auth service").Wrap(err)
	}
	return svc, nil
}

// purgeLoop removes expired sessions and exchanges every interval.
func purgeLoop(ctx context.Context, svc *auth.Service, metrics *observability.Metrics, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, exchanges, err := svc.PurgeExpired(ctx)
			metrics.RecordPurge(sessions, exchanges)
			if err != nil {
				errutil.LogError(logger, "purge failed", err)
				continue
			}
			if sessions > 0 || exchanges > 0 {
				logger.Info("purged expired entries", "sessions", sessions, "exchanges", exchanges)
			}
		}
	}
}

func stopObservability(srv ObservabilityServer, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when the channel closes or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
