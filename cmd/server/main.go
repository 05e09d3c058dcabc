/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.toml, LEDGER_* env, flags)
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL) and migrate
  4. Wire metrics and the reconciliation locker (Redis when enabled)
  5. Create the ledger service, API handler and router
  6. Start the reconciliation scheduler (when enabled)
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (default: search ./config.toml)
  -port    HTTP server port, overrides app.port
  -db      Database DSN, overrides database.dsn
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (a run in progress is rolled back)
  2. Stop accepting new connections
  3. Wait for active requests to complete (http.shutdown_timeout)
  4. Close database and Redis connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against PostgreSQL with hourly reconciliation
  LEDGER_DATABASE_DRIVER=postgres \
  LEDGER_DATABASE_DSN="postgres://ledger@localhost/ledger?sslmode=disable" \
  LEDGER_RECONCILE_ENABLED=true ./server

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nicktuk/HF-WEB/api"
	"github.com/nicktuk/HF-WEB/config"
	"github.com/nicktuk/HF-WEB/ledger"
	"github.com/nicktuk/HF-WEB/lock"
	"github.com/nicktuk/HF-WEB/logging"
	"github.com/nicktuk/HF-WEB/metrics"
	"github.com/nicktuk/HF-WEB/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.App.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	// Initialize store
	store, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	opts := []ledger.Option{ledger.WithLogger(log.Named("ledger"))}

	var m *metrics.Ledger
	if cfg.Metrics.Enabled {
		m = metrics.New()
		opts = append(opts, ledger.WithObserver(m))
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("failed to connect redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts, ledger.WithLocker(lock.NewRedis(rdb, cfg.Redis.LockTTL, log.Named("lock"))))
		log.Info("reconciliation lock backed by redis", zap.String("addr", cfg.Redis.Addr))
	}

	svc := ledger.NewService(store, opts...)

	// Initialize handler
	handler := api.NewHandler(svc, log.Named("http"))
	handler.Health = store
	handler.ReconcileTimeout = cfg.Reconcile.Timeout

	routerOpts := api.RouterOptions{AllowedOrigins: cfg.HTTP.CORSAllowOrigins}
	if m != nil {
		routerOpts.Metrics = m.Handler()
		routerOpts.MetricsPath = cfg.Metrics.Path
	}
	router := api.NewRouter(handler, routerOpts)

	scheduler := api.NewReconciliationScheduler(svc, log)
	scheduler.Enabled = cfg.Reconcile.Enabled
	scheduler.Interval = cfg.Reconcile.Interval
	scheduler.Timeout = cfg.Reconcile.Timeout
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.App.Port),
			zap.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(cfg config.DatabaseConfig) (*sqlstore.Store, error) {
	if cfg.Driver == "sqlite3" {
		return sqlstore.New(cfg.DSN)
	}
	store, err := sqlstore.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store.SetMaxOpenConns(cfg.MaxOpenConns)
	return store, nil
}
