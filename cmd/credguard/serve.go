package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	redisadapter "github.com/ericfisherdev/credguard/internal/adapter/driven/redis"
	sqliteadapter "github.com/ericfisherdev/credguard/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/credguard/internal/adapter/driving/http"
	"github.com/ericfisherdev/credguard/internal/application"
	"github.com/ericfisherdev/credguard/internal/config"
	"github.com/ericfisherdev/credguard/internal/resilience"
	"github.com/ericfisherdev/credguard/internal/telemetry"
	"github.com/ericfisherdev/credguard/internal/vault"
)

const janitorInterval = time.Minute

// stateStore backs both the rate limiter and the circuit breaker.
type stateStore interface {
	resilience.BucketStore
	resilience.CircuitStore
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the integration management API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	logger := slog.Default()

	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	logger.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"config_file", cfg.File,
		"shared_state", cfg.UseRedis(),
		"probe_timeout", cfg.ProbeTimeout,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database and run migrations on the writer connection.
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	// 4. Vault key derivation.
	v, err := vault.New(cfg.MasterSecret)
	if err != nil {
		return err
	}

	checks := map[string]httphandler.HealthCheck{"database": db.Ping}

	// 5. Rate-limit and circuit state: Redis when configured, else in-process.
	var store stateStore
	if cfg.UseRedis() {
		rs := redisadapter.NewStore(goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}))
		defer func() {
			if closeErr := rs.Close(); closeErr != nil {
				logger.Error("error closing redis client", "error", closeErr)
			}
		}()
		if err := rs.Ping(ctx); err != nil {
			return err
		}
		checks["redis"] = rs.Ping
		store = rs
		logger.Info("shared state in redis", "addr", cfg.RedisAddr)
	} else {
		mem := resilience.NewMemoryStore()
		mem.StartJanitor(ctx, janitorInterval, resilience.SystemClock{})
		store = mem
		logger.Info("shared state in process memory")
	}

	// 6. Wire the service.
	metrics := telemetry.New()
	limiter := resilience.NewLimiter(store, resilience.SystemClock{})
	breaker := resilience.NewBreaker(store,
		append(metrics.BreakerOptions(), resilience.WithBreakerLogger(logger))...,
	)
	probes := buildProbes(cfg, logger)

	// SIGHUP re-reads the provider registry from the config file.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go watchReload(ctx, hup, probes, logger)

	svc := application.NewConnectionService(
		sqliteadapter.NewIntegrationRepo(db),
		sqliteadapter.NewAuditRepo(db),
		sqliteadapter.NewMemberRepo(db),
		probes,
		v,
		limiter,
		breaker,
		application.Options{
			RateLimits:   cfg.RateLimits,
			ProbeTimeout: cfg.ProbeTimeout,
			Breaker:      cfg.Breaker,
			Metrics:      metrics,
		},
		logger,
	)

	// 7. HTTP server.
	auth := httphandler.NewAuthenticator(httphandler.AuthConfig{
		Secret:            []byte(cfg.JWTSecret),
		Issuer:            cfg.JWTIssuer,
		TrustForwardedFor: cfg.TrustForwardedFor,
		Leeway:            30 * time.Second,
	}, logger)
	handler := httphandler.NewServeMux(httphandler.NewHandler(svc, checks, logger), httphandler.RouterOptions{
		Auth:     auth,
		Metrics:  metrics.Handler(),
		Observer: metrics,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.ProbeTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("credguard started", "providers", probes.Names())

	// 8. Wait for shutdown signal or a server failure.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")

	// 9. Graceful shutdown with 10s timeout for in-flight probes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func openDB(cfg *config.Config) (*sqliteadapter.DB, error) {
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		closeDB(db)
		return nil, err
	}
	slog.Info("database ready", "path", cfg.DBPath)
	return db, nil
}

func closeDB(db *sqliteadapter.DB) {
	if err := db.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
