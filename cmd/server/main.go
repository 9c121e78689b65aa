/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the medstock API server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build logger and telemetry providers
  3. Open the store (SQLite or PostgreSQL)
  4. Choose lock and cache backends (Redis, or in-process)
  5. Build the stock engine, API handler and router
  6. Start the expiry scheduler and the HTTP server

DEPLOYMENT:
  Without REDIS_ADDR the lock is in-process: correct only for a single
  server instance. Run more than one instance only with Redis configured.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and the database
  5. Flush telemetry

EXAMPLES:
  # Run with file database
  ./server -db="./data/medstock.db"

  # PostgreSQL + Redis
  DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: All configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/warp/medstock/api"
	"github.com/warp/medstock/cache"
	"github.com/warp/medstock/config"
	"github.com/warp/medstock/lock"
	"github.com/warp/medstock/stock"
	"github.com/warp/medstock/store/postgres"
	"github.com/warp/medstock/store/sqlite"
	"github.com/warp/medstock/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "medstock:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	// Initialize store
	store, closeStore, storeCheck, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	checks := []api.HealthCheck{storeCheck}

	// Lock and cache backends
	var (
		backend    lock.Backend
		cacheStore stock.CacheStore
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		backend = lock.NewRedisBackend(rdb)
		cacheStore = cache.NewRedis(rdb)
		checks = append(checks, api.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info("using redis lock and cache", zap.String("addr", cfg.RedisAddr))
	} else {
		backend = lock.NewLocalBackend()
		cacheStore = cache.NewMemory()
		logger.Warn("REDIS_ADDR not set: in-process lock, run a single instance only")
	}

	opts := []stock.Option{stock.WithLogger(logger), stock.WithLockTTL(cfg.LockTTL)}
	if cfg.CacheTTL > 0 {
		opts = append(opts, stock.WithCache(stock.NewResultCache(cacheStore, cfg.CacheTTL, logger)))
	}
	locker := lock.NewManager(backend,
		lock.WithRetries(cfg.LockRetries),
		lock.WithRetryDelay(cfg.LockRetryDelay),
		lock.WithLogger(logger),
	)
	inv := stock.NewInventory(store, locker, opts...)

	handler := api.NewHandler(inv, logger, checks...)
	auth := api.NewAuthenticator(cfg.JWTSecret, 24*time.Hour)
	router := api.NewRouter(handler, auth, api.RouterConfig{AllowedOrigins: cfg.AllowedOrigins})

	if cfg.Development() {
		if tok, err := auth.IssueToken("dev-admin", api.RoleAdmin); err == nil {
			logger.Info("development admin token", zap.String("token", tok))
		}
	}

	scheduler := api.NewExpiryScheduler(handler.Sweeper, cfg.SystemActorID, logger)
	scheduler.CheckInterval = cfg.SweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.HTTPPort), zap.String("driver", cfg.DBDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (stock.Store, func() error, api.HealthCheck, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, api.HealthCheck{}, fmt.Errorf("open postgres: %w", err)
		}
		return s, s.Close, api.HealthCheck{Name: "store", Check: s.Ping}, nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, api.HealthCheck{}, fmt.Errorf("open sqlite: %w", err)
		}
		return s, s.Close, api.HealthCheck{Name: "store", Check: s.Ping}, nil
	}
}
