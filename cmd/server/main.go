/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reaction ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the logger
  3. Open the store (memory, sqlite or postgres)
  4. Wire window, broker, ledger, view, websocket hub
  5. Start the audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. The most used:
  STORE_DRIVER          sqlite | memory | postgres (default: sqlite)
  DATABASE_URL          Postgres DSN, required for postgres
  AUTO_CREATE_SUBJECTS  Create subjects on first vote (default: true)
  DEDUP_TTL             How long a click token is remembered (default: 10m)
  LOG_LEVEL             debug | info | warn | error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Disconnect websocket clients and stop the scheduler
  4. Close the store

EXAMPLES:
  # Run with file database
  ./server -db="./data/reactions.db"

  # Run in memory
  STORE_DRIVER=memory ./server

  # Run on Postgres
  STORE_DRIVER=postgres DATABASE_URL=postgres://localhost/reactions ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Settings
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/algosocial/reaction-ledger/api"
	"github.com/algosocial/reaction-ledger/config"
	"github.com/algosocial/reaction-ledger/reaction"
	"github.com/algosocial/reaction-ledger/reaction/store"
	"github.com/algosocial/reaction-ledger/store/postgres"
	"github.com/algosocial/reaction-ledger/store/sqlite"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLitePath = *dbPath

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Initialize store
	st, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	// Wire the ledger
	window := reaction.NewWindow(reaction.WindowOptions{
		TTL:         cfg.DedupTTL,
		MaxPerVoter: cfg.DedupMaxPerVoter,
	})
	broker := reaction.NewBroker(cfg.SubscriberBuffer)
	ledger := reaction.NewLedger(st, window, broker)
	view := reaction.NewView(st, cfg.AutoCreateSubjects)
	hub := api.NewHub(broker, view, cfg.CORSOrigins, logger)

	handler := api.NewHandler(ledger, view, hub, logger)

	scheduler := api.NewAuditScheduler(st, window, logger)
	scheduler.CheckInterval = cfg.AuditInterval
	scheduler.Enabled = cfg.AuditEnabled
	scheduler.Start()
	handler.Scheduler = scheduler

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("driver", cfg.StoreDriver),
			zap.Bool("auto_create_subjects", cfg.AutoCreateSubjects))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	hub.Close()
	scheduler.Stop()

	logger.Info("server stopped", zap.Int64("dropped_tallies", broker.Dropped()))
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

// openStore returns the configured store and a function that releases it.
func openStore(ctx context.Context, cfg *config.Config) (reaction.Store, func(), error) {
	opts := reaction.StoreOptions{AutoCreate: cfg.AutoCreateSubjects}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewMemory(opts), func() {}, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL, opts)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath, opts)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}
